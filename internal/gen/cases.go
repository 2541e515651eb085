package gen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/qimed/medbench/internal/bench/model"
	"github.com/qimed/medbench/internal/bench/store"
)

const rubricSystemPrompt = "你是一位专业的医学评测专家，擅长制定客观、全面的评测标准。"

const rubricPromptTemplate = `
你是一位医学评测专家。请基于以下信息生成详细的评测标准（rubrics）。

患者信息：
- ID: %d
- 诊断: %s
- 治疗标签: %s

参考答案：
%s

现有评测标准：
%s

要求生成3-5个具体的评测标准，每个标准包含：
1. criterion: 评测点名称
2. description: 详细描述
3. weight: 权重(0.1-0.4之间)

确保权重总和为1.0，标准应涵盖：
- 诊断准确性
- 治疗方案合理性
- 工具调用完整性
- 临床决策逻辑

直接返回JSON格式的列表：
`

// defaultRubrics is used whenever the judge-side rubric call fails or does
// not parse.
func defaultRubrics() []model.Rubric {
	return []model.Rubric{
		{Criterion: "诊断准确性", Description: "诊断是否准确", Weight: 0.3},
		{Criterion: "治疗方案合理性", Description: "治疗方案是否合理", Weight: 0.3},
		{Criterion: "工具调用完整性", Description: "是否充分利用工具获取信息", Weight: 0.2},
		{Criterion: "临床决策逻辑", Description: "决策过程是否逻辑清晰", Weight: 0.2},
	}
}

// CaseGenerator merges patient records, the reference-answer dataset,
// generated initial queries and the tool databases into complete
// evaluation cases.
type CaseGenerator struct {
	caller  Caller
	catalog *store.Catalog
	store   *store.Store
}

func NewCaseGenerator(caller Caller, catalog *store.Catalog, st *store.Store) *CaseGenerator {
	return &CaseGenerator{caller: caller, catalog: catalog, store: st}
}

// Generate builds one case per patient. The tool result map always contains
// an entry for every catalogue tool; missing database records fall back to
// the no-data sentinel so lookups during evaluation never miss.
func (g *CaseGenerator) Generate(ctx context.Context, patients []model.Patient,
	evalItems map[string]model.EvalItem, queries map[string]model.InitialQuery) []model.PatientCase {

	cases := make([]model.PatientCase, 0, len(patients))

	for i, p := range patients {
		if ctx.Err() != nil {
			slog.WarnContext(ctx, "Case generation cancelled", "generated", len(cases))
			break
		}

		slog.InfoContext(ctx, "Creating patient case",
			"patient_id", p.PatientID(), "progress", fmt.Sprintf("%d/%d", i+1, len(patients)))

		cases = append(cases, g.createCase(ctx, p, evalItems[p.PatientID()], queries[p.PatientID()]))
	}

	return cases
}

func (g *CaseGenerator) createCase(ctx context.Context, p model.Patient,
	item model.EvalItem, query model.InitialQuery) model.PatientCase {

	initialQuery := query.InitialQuery
	if initialQuery == "" {
		initialQuery = fmt.Sprintf("患者%s，%d岁，请问这位患者的诊疗方案应该是什么？", p.Gender, p.Age)
	}

	results := make(map[string]json.RawMessage, len(g.catalog.Tools))
	for _, t := range g.catalog.Tools {
		results[t.ToolID] = g.store.Lookup(t.ToolID, p.PatientID())
	}

	reference := item.ReferenceAnswer
	if reference == "" {
		reference = p.Result
	}

	category := item.Category
	if category == "" {
		category = p.Label
	}

	return model.PatientCase{
		PatientID:           p.PatientID(),
		InitialQuery:        initialQuery,
		ToolCallResultsMap:  results,
		ReferenceConclusion: reference,
		EvaluationRubrics:   g.generateRubrics(ctx, p, item, reference),
		Metadata: model.CaseMetadata{
			Gender:          p.Gender,
			Age:             p.Age,
			Diagnosis:       p.Diagnosis,
			Category:        category,
			OriginalSummary: p.Summary,
			GeneratedAt:     time.Now().Format("2006-01-02 15:04:05"),
		},
	}
}

// generateRubrics asks the LLM for 3-5 weighted criteria and renormalizes
// weights that drift outside the tolerance. Any failure yields the fixed
// default rubric set.
func (g *CaseGenerator) generateRubrics(ctx context.Context, p model.Patient,
	item model.EvalItem, reference string) []model.Rubric {

	existing, _ := json.MarshalIndent(item.Rubrics, "", "  ")
	prompt := fmt.Sprintf(rubricPromptTemplate, p.ID, p.Diagnosis, p.Label, reference, string(existing))

	resp, err := g.caller.Call(ctx, []model.Message{
		{Role: model.RoleSystem, Content: rubricSystemPrompt},
		{Role: model.RoleUser, Content: prompt},
	})
	if err != nil || resp == "" {
		slog.WarnContext(ctx, "Rubric generation call failed, using defaults",
			"patient_id", p.PatientID(), "error", err)
		return defaultRubrics()
	}

	rubrics, ok := parseRubrics(resp)
	if !ok {
		slog.WarnContext(ctx, "Rubric response did not parse, using defaults",
			"patient_id", p.PatientID())
		return defaultRubrics()
	}
	return rubrics
}

func parseRubrics(s string) ([]model.Rubric, bool) {
	start, end := -1, -1
	for i := 0; i < len(s); i++ {
		if s[i] == '[' {
			start = i
			break
		}
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ']' {
			end = i
			break
		}
	}
	if start < 0 || end <= start {
		return nil, false
	}

	var rubrics []model.Rubric
	if err := json.Unmarshal([]byte(s[start:end+1]), &rubrics); err != nil || len(rubrics) == 0 {
		return nil, false
	}

	return model.NormalizeWeights(rubrics, model.DefaultWeightTolerance), true
}

// Save writes per-patient case files plus the combined file and index.
func (g *CaseGenerator) Save(casesDir, combinedPath, indexPath string, cases []model.PatientCase) error {
	files := make([]string, 0, len(cases))
	for i := range cases {
		name := fmt.Sprintf("patient_%s.json", cases[i].PatientID)
		if err := model.WriteJSON(filepath.Join(casesDir, name), cases[i]); err != nil {
			return fmt.Errorf("failed to save case for patient %s: %w", cases[i].PatientID, err)
		}
		files = append(files, name)
	}

	if err := model.SaveCases(combinedPath, cases); err != nil {
		return err
	}

	index := map[string]any{
		"total_cases":      len(cases),
		"cases_directory":  casesDir,
		"individual_files": files,
		"generated_at":     time.Now().Format("2006-01-02 15:04:05"),
	}
	return model.WriteJSON(indexPath, index)
}
