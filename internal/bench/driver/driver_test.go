package driver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/qimed/medbench/internal/bench/detect"
	"github.com/qimed/medbench/internal/bench/model"
	"github.com/qimed/medbench/internal/bench/store"
)

// scriptedCaller replays canned responses in order.
type scriptedCaller struct {
	responses []string
	err       error
	calls     int
}

func (c *scriptedCaller) Call(_ context.Context, _ []model.Message) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if len(c.responses) == 0 {
		return "", nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func testCase() *model.PatientCase {
	return &model.PatientCase{
		PatientID:    "1",
		InitialQuery: "患者男，65岁，因咳嗽就诊，请问诊疗方案应该是什么？",
		ToolCallResultsMap: map[string]json.RawMessage{
			"LC001": json.RawMessage(`{"tumor_size_mm": 35}`),
		},
	}
}

func TestDriver_ToolCallThenConclusion(t *testing.T) {
	caller := &scriptedCaller{responses: []string{
		"我需要先调用get_chest_ct_metrics查看影像数据。",
		"综合影像数据，建议行同步放化疗。",
	}}

	d := New(caller)
	state := d.Run(context.Background(), testCase())

	if state.Turns != 2 {
		t.Errorf("Turns = %d, want 2", state.Turns)
	}
	if len(state.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(state.ToolCalls))
	}
	if state.ToolCalls[0].ToolName != "get_chest_ct_metrics" {
		t.Errorf("tool = %s, want get_chest_ct_metrics", state.ToolCalls[0].ToolName)
	}
	if state.ToolCalls[0].Turn != 1 {
		t.Errorf("tool call turn = %d, want 1", state.ToolCalls[0].Turn)
	}
	if string(state.ToolCalls[0].Result) != `{"tumor_size_mm": 35}` {
		t.Errorf("tool result = %s", state.ToolCalls[0].Result)
	}
	if state.Truncated {
		t.Error("concluded conversation should not be truncated")
	}
	if !strings.Contains(state.FinalResponse, "建议") {
		t.Errorf("FinalResponse = %q, want the concluding turn", state.FinalResponse)
	}
}

func TestDriver_ToolResultInjectedAsUserTurn(t *testing.T) {
	caller := &scriptedCaller{responses: []string{
		"调用get_chest_ct_metrics。",
		"诊断结论如下。",
	}}

	d := New(caller)
	state := d.Run(context.Background(), testCase())

	// Transcript: system, user query, assistant, tool result, assistant.
	if len(state.Transcript) != 5 {
		t.Fatalf("transcript has %d messages, want 5", len(state.Transcript))
	}

	toolMsg := state.Transcript[3]
	if toolMsg.Role != model.RoleUser {
		t.Errorf("tool result role = %s, want user", toolMsg.Role)
	}
	if !strings.HasPrefix(toolMsg.Content, "工具 get_chest_ct_metrics 返回结果：\n") {
		t.Errorf("tool result message = %q", toolMsg.Content)
	}
	if !strings.Contains(toolMsg.Content, "tumor_size_mm") {
		t.Errorf("tool result message missing payload: %q", toolMsg.Content)
	}
}

func TestDriver_MissingDataYieldsSentinel(t *testing.T) {
	caller := &scriptedCaller{responses: []string{
		"请调用get_tumor_markers。",
		"基于现有信息，诊断如下。",
	}}

	d := New(caller)
	state := d.Run(context.Background(), testCase())

	if len(state.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(state.ToolCalls))
	}
	if string(state.ToolCalls[0].Result) != string(store.NoData) {
		t.Errorf("result = %s, want sentinel", state.ToolCalls[0].Result)
	}
}

func TestDriver_FallbackStoreResolvesMissingCase(t *testing.T) {
	fallback := store.NewStore(map[string]map[string]json.RawMessage{
		"LC002": {"1": json.RawMessage(`{"cea": 12.5}`)},
	})

	caller := &scriptedCaller{responses: []string{
		"请调用get_tumor_markers。",
		"基于标志物水平，诊断如下。",
	}}

	d := New(caller, WithFallbackStore(fallback))
	state := d.Run(context.Background(), testCase())

	if len(state.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(state.ToolCalls))
	}
	if !strings.Contains(string(state.ToolCalls[0].Result), "cea") {
		t.Errorf("result = %s, want fallback store payload", state.ToolCalls[0].Result)
	}
}

func TestDriver_TurnBudgetExhaustion(t *testing.T) {
	// Every turn calls a tool, so the conversation never concludes.
	caller := &scriptedCaller{responses: []string{
		"调用get_chest_ct_metrics。",
		"再调用get_chest_ct_metrics。",
		"还要调用get_chest_ct_metrics。",
	}}

	d := New(caller, WithMaxTurns(3))
	state := d.Run(context.Background(), testCase())

	if state.Turns != 3 {
		t.Errorf("Turns = %d, want 3", state.Turns)
	}
	if !state.Truncated {
		t.Error("exhausted conversation should be marked truncated")
	}
	if state.FinalResponse == "" {
		t.Error("FinalResponse should be the last assistant turn")
	}
}

func TestDriver_ConclusionOnLastTurnIsNotTruncated(t *testing.T) {
	caller := &scriptedCaller{responses: []string{
		"综合信息，治疗建议如下。",
	}}

	d := New(caller, WithMaxTurns(1))
	state := d.Run(context.Background(), testCase())

	if state.Truncated {
		t.Error("conversation that concluded on its final turn should not be truncated")
	}
	if state.Turns != 1 {
		t.Errorf("Turns = %d, want 1", state.Turns)
	}
}

func TestDriver_NudgeOnUndecidedTurn(t *testing.T) {
	caller := &scriptedCaller{responses: []string{
		"让我想想这个病例。",
		"综合信息，治疗建议如下。",
	}}

	d := New(caller)
	state := d.Run(context.Background(), testCase())

	// Transcript: system, user query, assistant, nudge, assistant.
	if len(state.Transcript) != 5 {
		t.Fatalf("transcript has %d messages, want 5", len(state.Transcript))
	}
	if state.Transcript[3].Role != model.RoleUser || !strings.Contains(state.Transcript[3].Content, "请继续分析") {
		t.Errorf("expected nudge message, got %+v", state.Transcript[3])
	}
}

func TestDriver_CallErrorEndsConversation(t *testing.T) {
	caller := &scriptedCaller{err: errors.New("all 3 attempts failed")}

	d := New(caller)
	state := d.Run(context.Background(), testCase())

	if state.Turns != 0 {
		t.Errorf("Turns = %d, want 0", state.Turns)
	}
	if state.FinalResponse != "" {
		t.Errorf("FinalResponse = %q, want empty", state.FinalResponse)
	}
	if state.Truncated {
		t.Error("silent conversation is a failure, not a truncation")
	}
	if caller.calls != 1 {
		t.Errorf("caller invoked %d times, want 1", caller.calls)
	}
}

func TestDriver_KeywordDetectorStrategy(t *testing.T) {
	caller := &scriptedCaller{responses: []string{
		"请提供患者的胸部CT检查结果。",
		"综合影像，诊断结论如下。",
	}}

	d := New(caller, WithDetector(detect.NewKeywordDetector(detect.DefaultKeywordRules())))
	state := d.Run(context.Background(), testCase())

	if len(state.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(state.ToolCalls))
	}
	if state.ToolCalls[0].ToolName != "get_chest_ct_metrics" {
		t.Errorf("tool = %s, want get_chest_ct_metrics", state.ToolCalls[0].ToolName)
	}
}

func TestDriver_TranscriptStartsWithSystemAndQuery(t *testing.T) {
	caller := &scriptedCaller{responses: []string{"诊断结论如下。"}}

	pc := testCase()
	d := New(caller)
	state := d.Run(context.Background(), pc)

	if state.Transcript[0].Role != model.RoleSystem {
		t.Errorf("first message role = %s, want system", state.Transcript[0].Role)
	}
	if !strings.Contains(state.Transcript[0].Content, "get_chest_ct_metrics") {
		t.Error("system prompt should list the tool catalogue")
	}
	if state.Transcript[1].Content != "患者咨询："+pc.InitialQuery {
		t.Errorf("initial user turn = %q", state.Transcript[1].Content)
	}
}

func TestSystemPrompt_ListsAllTools(t *testing.T) {
	catalog := store.DefaultCatalog()
	prompt := SystemPrompt(catalog)

	for _, tool := range catalog.Tools {
		if !strings.Contains(prompt, tool.ToolName) {
			t.Errorf("system prompt missing tool %s", tool.ToolName)
		}
	}
}
