// Package scorer grades a finished conversation against a patient case's
// reference conclusion and weighted rubric via one judge call.
package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qimed/medbench/internal/bench/model"
)

const tracerName = "github.com/qimed/medbench/internal/bench/scorer"

const judgeSystemPrompt = "你是一位专业的医学评测专家，能够客观、准确地评估AI模型的医疗建议质量。"

// fallbackScore is assigned to every criterion when the judge response
// cannot be parsed.
const fallbackScore = 5.0

// Caller issues one judge call. Satisfied by the llm client; tests inject
// scripted fakes.
type Caller interface {
	Call(ctx context.Context, msgs []model.Message) (string, error)
}

// Scorer turns a conversation into a rubric-weighted score. A parse or
// call failure never aborts the batch: it degrades the single case to the
// documented fallback score.
type Scorer struct {
	caller          Caller
	weightTolerance float64
}

type Option func(*Scorer)

// WithWeightTolerance overrides how far rubric weights may drift from 1.0
// before the fallback path renormalizes them.
func WithWeightTolerance(tol float64) Option {
	return func(s *Scorer) {
		if tol > 0 {
			s.weightTolerance = tol
		}
	}
}

func New(caller Caller, opts ...Option) *Scorer {
	s := &Scorer{
		caller:          caller,
		weightTolerance: model.DefaultWeightTolerance,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score issues the judge call and parses its structured verdict. It always
// returns a usable Score: failures degrade to the fallback.
func (s *Scorer) Score(ctx context.Context, pc *model.PatientCase, state *model.ConversationState) *model.Score {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Scorer.Score",
		trace.WithAttributes(
			attribute.String("patient.id", pc.PatientID),
			attribute.Int("rubrics.count", len(pc.EvaluationRubrics)),
		),
	)
	defer span.End()

	prompt := s.buildPrompt(pc, state)

	response, err := s.caller.Call(ctx, []model.Message{
		{Role: model.RoleSystem, Content: judgeSystemPrompt},
		{Role: model.RoleUser, Content: prompt},
	})
	if err != nil || response == "" {
		slog.WarnContext(ctx, "Judge call failed, using fallback score",
			"patient_id", pc.PatientID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "judge call failed")
		return s.fallback(pc.EvaluationRubrics)
	}

	score, ok := parseScore(response)
	if !ok {
		slog.WarnContext(ctx, "Judge response did not parse, using fallback score",
			"patient_id", pc.PatientID)
		span.SetStatus(codes.Error, "judge response unparseable")
		return s.fallback(pc.EvaluationRubrics)
	}

	span.SetAttributes(attribute.Float64("score.total", score.TotalScore))
	span.SetStatus(codes.Ok, "case scored")
	return score
}

func (s *Scorer) buildPrompt(pc *model.PatientCase, state *model.ConversationState) string {
	toolNames := make([]string, 0, len(state.ToolCalls))
	for _, call := range state.ToolCalls {
		toolNames = append(toolNames, call.ToolName)
	}
	toolsJSON, _ := json.Marshal(toolNames)
	rubricsJSON, _ := json.MarshalIndent(pc.EvaluationRubrics, "", "  ")

	var b strings.Builder
	b.WriteString("你是一位医学评测专家。请基于以下评测标准对AI模型的诊疗建议进行评分。\n\n")
	fmt.Fprintf(&b, "参考答案：\n%s\n\n", pc.ReferenceConclusion)
	fmt.Fprintf(&b, "AI模型的回答：\n%s\n\n", state.FinalResponse)
	fmt.Fprintf(&b, "AI调用的工具：\n%s\n\n", toolsJSON)
	fmt.Fprintf(&b, "评测标准：\n%s\n\n", rubricsJSON)
	b.WriteString("请为每个评测标准打分（0-10分），并计算加权总分。\n\n")
	b.WriteString("返回格式：\n")
	b.WriteString("{\n")
	b.WriteString(`  "detailed_scores": [` + "\n")
	b.WriteString(`    {"criterion": "标准名称", "score": 分数, "weight": 权重, "comment": "评价说明"},` + "\n")
	b.WriteString("    ...\n  ],\n")
	b.WriteString(`  "total_score": 加权总分,` + "\n")
	b.WriteString(`  "overall_comment": "总体评价"` + "\n}")
	return b.String()
}

// parseScore extracts the first JSON object from the judge reply and
// unmarshals it. Judges often wrap the object in prose or code fences, so
// the brace scan is deliberate.
func parseScore(response string) (*model.Score, bool) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end < start {
		return nil, false
	}

	var score model.Score
	if err := json.Unmarshal([]byte(response[start:end+1]), &score); err != nil {
		return nil, false
	}
	if len(score.DetailedScores) == 0 {
		return nil, false
	}
	return &score, true
}

// fallback scores every criterion at 5/10. Rubric weights drifting outside
// the tolerance are renormalized so the weighted view stays meaningful.
func (s *Scorer) fallback(rubrics []model.Rubric) *model.Score {
	normalized := model.NormalizeWeights(rubrics, s.weightTolerance)

	detailed := make([]model.CriterionScore, 0, len(normalized))
	for _, r := range normalized {
		detailed = append(detailed, model.CriterionScore{
			Criterion: r.Criterion,
			Score:     fallbackScore,
			Weight:    r.Weight,
			Comment:   "评测失败",
		})
	}

	return &model.Score{
		DetailedScores: detailed,
		TotalScore:     fallbackScore,
		OverallComment: "评测系统解析失败",
	}
}
