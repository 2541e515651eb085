// Package driver runs the bounded multi-turn tool-calling conversation for
// one patient case.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qimed/medbench/internal/bench/detect"
	"github.com/qimed/medbench/internal/bench/model"
	"github.com/qimed/medbench/internal/bench/store"
)

const tracerName = "github.com/qimed/medbench/internal/bench/driver"

// DefaultMaxTurns bounds the conversation loop.
const DefaultMaxTurns = 10

// nudge asks the model to keep going when a turn neither called a tool nor
// concluded.
const nudge = "请继续分析，如果需要更多信息请调用相关工具，或者给出最终的诊疗建议。"

// Caller issues one model call over a transcript. The rate-limited
// retrying client satisfies it; tests inject scripted fakes.
type Caller interface {
	Call(ctx context.Context, msgs []model.Message) (string, error)
}

// Driver owns the conversation loop for patient cases. The driver itself
// is stateless across runs; each Run builds its own ConversationState.
type Driver struct {
	caller       Caller
	detector     detect.Detector
	fallback     *store.Store
	maxTurns     int
	systemPrompt string
}

type Option func(*Driver)

// WithMaxTurns overrides the conversation turn budget.
func WithMaxTurns(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.maxTurns = n
		}
	}
}

// WithDetector replaces the default canonical-name detector.
func WithDetector(det detect.Detector) Option {
	return func(d *Driver) { d.detector = det }
}

// WithFallbackStore resolves tool requests the case map cannot answer from
// a shared read-only store.
func WithFallbackStore(s *store.Store) Option {
	return func(d *Driver) { d.fallback = s }
}

// WithSystemPrompt overrides the generated system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(d *Driver) {
		if prompt != "" {
			d.systemPrompt = prompt
		}
	}
}

// New creates a driver using the default catalogue and detector.
func New(caller Caller, opts ...Option) *Driver {
	catalog := store.DefaultCatalog()
	d := &Driver{
		caller:       caller,
		detector:     detect.NewNameDetector(catalog),
		maxTurns:     DefaultMaxTurns,
		systemPrompt: SystemPrompt(catalog),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SystemPrompt frames the model as a lung oncologist, lists the tool
// catalogue, and explains the call-by-mention protocol.
func SystemPrompt(catalog *store.Catalog) string {
	var b strings.Builder
	b.WriteString("你是一位经验丰富的肺部肿瘤科专家。患者向你咨询，你需要：\n\n")
	b.WriteString("1. 仔细分析患者的初始信息\n")
	b.WriteString("2. 主动调用相关医疗工具获取详细检查结果\n")
	b.WriteString("3. 基于工具返回的客观数据进行医学推理\n")
	b.WriteString("4. 给出综合的诊疗建议\n\n")
	b.WriteString("可用的医疗工具包括：\n")
	for _, t := range catalog.Tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.ToolName, t.ToolDescription)
	}
	b.WriteString("\n请按以下步骤操作：\n")
	b.WriteString("1. 分析初始查询，识别需要获取的信息\n")
	b.WriteString("2. 依次调用相关工具（请在需要时明确说明调用哪个工具）\n")
	b.WriteString("3. 基于工具返回的数据进行综合分析\n")
	b.WriteString("4. 给出最终的诊疗建议\n\n")
	b.WriteString("注意：每次工具调用请明确说明调用的工具名称，我会为你返回对应的数据。")
	return b.String()
}

// Run drives the conversation for one case until the model concludes, the
// turn budget is exhausted, or the model goes silent. It never fails: an
// empty model response is a terminal condition, not an error, because
// retries already happened inside the call client. Callers detect
// truncation via the Truncated flag and silence via an empty
// FinalResponse.
func (d *Driver) Run(ctx context.Context, pc *model.PatientCase) *model.ConversationState {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Driver.Run",
		trace.WithAttributes(
			attribute.String("patient.id", pc.PatientID),
			attribute.Int("driver.max_turns", d.maxTurns),
		),
	)
	defer span.End()

	state := &model.ConversationState{
		PatientID: pc.PatientID,
		Transcript: []model.Message{
			{Role: model.RoleSystem, Content: d.systemPrompt},
			{Role: model.RoleUser, Content: "患者咨询：" + pc.InitialQuery},
		},
	}

	slog.InfoContext(ctx, "Starting diagnosis conversation", "patient_id", pc.PatientID)

	exhausted := true
	for turn := 0; turn < d.maxTurns; turn++ {
		response, err := d.caller.Call(ctx, state.Transcript)
		if err != nil {
			slog.ErrorContext(ctx, "Model call failed, stopping conversation",
				"patient_id", pc.PatientID, "turn", turn+1, "error", err)
			span.RecordError(err)
			response = ""
		}
		if response == "" {
			exhausted = false
			break
		}

		state.Transcript = append(state.Transcript, model.Message{Role: model.RoleAssistant, Content: response})
		state.Turns++

		req, ok := d.detector.Detect(response)
		if ok {
			result := d.resolve(req, pc)
			state.ToolCalls = append(state.ToolCalls, model.ToolCall{
				ToolName: req.ToolName,
				Result:   result,
				Turn:     state.Turns,
			})
			state.Transcript = append(state.Transcript, model.Message{
				Role:    model.RoleUser,
				Content: fmt.Sprintf("工具 %s 返回结果：\n%s", req.ToolName, prettyJSON(result)),
			})
			slog.InfoContext(ctx, "Tool call dispatched",
				"patient_id", pc.PatientID, "tool", req.ToolName, "turn", state.Turns)
			continue
		}

		if detect.IsTerminal(response) {
			slog.InfoContext(ctx, "Final recommendation provided",
				"patient_id", pc.PatientID, "turn", state.Turns)
			exhausted = false
			break
		}

		state.Transcript = append(state.Transcript, model.Message{Role: model.RoleUser, Content: nudge})
	}

	state.Truncated = exhausted
	state.FinalResponse = lastAssistant(state.Transcript)

	span.SetAttributes(
		attribute.Int("conversation.turns", state.Turns),
		attribute.Int("conversation.tool_calls", len(state.ToolCalls)),
		attribute.Bool("conversation.truncated", state.Truncated),
	)
	if state.FinalResponse == "" {
		span.SetStatus(codes.Error, "no assistant response")
	} else {
		span.SetStatus(codes.Ok, "conversation finished")
	}

	return state
}

// resolve answers a tool request from the case map first, then from the
// shared fallback store. Missing data yields the sentinel payload, never
// an error.
func (d *Driver) resolve(req detect.Request, pc *model.PatientCase) json.RawMessage {
	if payload, ok := pc.ToolCallResultsMap[req.ToolID]; ok {
		return payload
	}
	if d.fallback != nil {
		return d.fallback.Lookup(req.ToolID, pc.PatientID)
	}
	return store.NoData
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func lastAssistant(transcript []model.Message) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == model.RoleAssistant {
			return transcript[i].Content
		}
	}
	return ""
}
