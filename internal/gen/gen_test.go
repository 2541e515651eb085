package gen

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/qimed/medbench/internal/bench/model"
	"github.com/qimed/medbench/internal/bench/store"
)

type fakeCaller struct {
	response string
	err      error
}

func (f *fakeCaller) Call(_ context.Context, _ []model.Message) (string, error) {
	return f.response, f.err
}

func testPatients() []model.Patient {
	return []model.Patient{
		{ID: 1, Gender: "男", Age: 65, Diagnosis: "非小细胞肺癌IIIA期", Label: "同步放化疗", Summary: "咳嗽三月，CT见右肺上叶占位。", Result: "建议同步放化疗"},
		{ID: 2, Gender: "女", Age: 58, Diagnosis: "非小细胞肺癌IIIB期", Label: "免疫治疗", Summary: "体检发现肺部阴影。", Result: "建议免疫联合化疗"},
	}
}

func TestQueryGenerator_Generate(t *testing.T) {
	caller := &fakeCaller{response: "  患者男，65岁，因咳嗽就诊。请问这位患者的诊疗方案应该是什么？  "}

	queries := NewQueryGenerator(caller).Generate(context.Background(), testPatients())

	if len(queries) != 2 {
		t.Fatalf("generated %d queries, want 2", len(queries))
	}
	if queries[0].PatientID != "1" {
		t.Errorf("PatientID = %s, want 1", queries[0].PatientID)
	}
	if strings.HasPrefix(queries[0].InitialQuery, " ") || strings.HasSuffix(queries[0].InitialQuery, " ") {
		t.Errorf("query should be trimmed: %q", queries[0].InitialQuery)
	}
	if queries[0].OriginalDiagnosis != "非小细胞肺癌IIIA期" {
		t.Errorf("OriginalDiagnosis = %q", queries[0].OriginalDiagnosis)
	}
	if queries[0].Metadata.Age != 65 {
		t.Errorf("metadata age = %d, want 65", queries[0].Metadata.Age)
	}
}

func TestQueryGenerator_SkipsFailedPatients(t *testing.T) {
	caller := &fakeCaller{err: errors.New("all 5 attempts failed")}

	queries := NewQueryGenerator(caller).Generate(context.Background(), testPatients())

	if len(queries) != 0 {
		t.Errorf("failed calls should yield no queries, got %d", len(queries))
	}
}

func TestDatabaseGenerator_Generate(t *testing.T) {
	caller := &fakeCaller{response: `{"tumor_size_mm": 35, "location": "右肺上叶"}`}
	catalog := &store.Catalog{Tools: []store.Tool{
		{ToolID: "LC001", ToolName: "get_chest_ct_metrics"},
		{ToolID: "LC002", ToolName: "get_tumor_markers"},
	}}

	g := NewDatabaseGenerator(caller, catalog, 2)
	databases := g.Generate(context.Background(), testPatients())

	if len(databases) != 2 {
		t.Fatalf("generated %d tool databases, want 2", len(databases))
	}
	for toolID, db := range databases {
		if len(db) != 2 {
			t.Errorf("tool %s has %d records, want 2", toolID, len(db))
		}
	}

	var rec struct {
		TumorSizeMM int `json:"tumor_size_mm"`
	}
	if err := json.Unmarshal(databases["LC001"]["1"], &rec); err != nil {
		t.Fatalf("record is not valid JSON: %v", err)
	}
	if rec.TumorSizeMM != 35 {
		t.Errorf("tumor_size_mm = %d, want 35", rec.TumorSizeMM)
	}
}

func TestDatabaseGenerator_UnparseableResponseDegrades(t *testing.T) {
	caller := &fakeCaller{response: "根据患者情况，肿瘤大小约35mm。"}
	catalog := &store.Catalog{Tools: []store.Tool{
		{ToolID: "LC001", ToolName: "get_chest_ct_metrics"},
	}}

	g := NewDatabaseGenerator(caller, catalog, 1)
	databases := g.Generate(context.Background(), testPatients()[:1])

	var rec struct {
		Status      string `json:"status"`
		RawResponse string `json:"raw_response"`
	}
	if err := json.Unmarshal(databases["LC001"]["1"], &rec); err != nil {
		t.Fatalf("degraded record is not valid JSON: %v", err)
	}
	if rec.Status != "generation_failed" {
		t.Errorf("status = %q, want generation_failed", rec.Status)
	}
	if rec.RawResponse == "" {
		t.Error("degraded record should keep the raw response")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantOK bool
	}{
		{"bare object", `{"a": 1}`, true},
		{"fenced object", "```json\n{\"a\": 1}\n```", true},
		{"object in prose", "结果如下：{\"a\": 1}，请查收。", true},
		{"no object", "没有数据", false},
		{"unbalanced braces", "{\"a\": 1", false},
		{"invalid interior", "{not json}", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := extractJSON(tt.input)
			if ok != tt.wantOK {
				t.Errorf("extractJSON(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
		})
	}
}

func TestCaseGenerator_Generate(t *testing.T) {
	caller := &fakeCaller{response: `[
		{"criterion": "诊断准确性", "description": "诊断是否准确", "weight": 0.5},
		{"criterion": "治疗方案合理性", "description": "治疗是否合理", "weight": 0.5}
	]`}
	catalog := &store.Catalog{Tools: []store.Tool{
		{ToolID: "LC001", ToolName: "get_chest_ct_metrics"},
		{ToolID: "LC002", ToolName: "get_tumor_markers"},
	}}
	st := store.NewStore(map[string]map[string]json.RawMessage{
		"LC001": {"1": json.RawMessage(`{"tumor_size_mm": 35}`)},
	})

	evalItems := map[string]model.EvalItem{
		"1": {ID: json.Number("1"), ReferenceAnswer: "同步放化疗", Category: "IIIA"},
	}
	queries := map[string]model.InitialQuery{
		"1": {PatientID: "1", InitialQuery: "患者男，65岁，因咳嗽就诊。"},
	}

	g := NewCaseGenerator(caller, catalog, st)
	cases := g.Generate(context.Background(), testPatients(), evalItems, queries)

	if len(cases) != 2 {
		t.Fatalf("generated %d cases, want 2", len(cases))
	}

	first := cases[0]
	if first.InitialQuery != "患者男，65岁，因咳嗽就诊。" {
		t.Errorf("InitialQuery = %q", first.InitialQuery)
	}
	if first.ReferenceConclusion != "同步放化疗" {
		t.Errorf("ReferenceConclusion = %q", first.ReferenceConclusion)
	}
	if first.Metadata.Category != "IIIA" {
		t.Errorf("Category = %q, want IIIA", first.Metadata.Category)
	}
	if len(first.ToolCallResultsMap) != 2 {
		t.Fatalf("tool map has %d entries, want one per catalogue tool", len(first.ToolCallResultsMap))
	}
	if string(first.ToolCallResultsMap["LC002"]) != string(store.NoData) {
		t.Errorf("missing database record should map to sentinel, got %s",
			first.ToolCallResultsMap["LC002"])
	}
	if len(first.EvaluationRubrics) != 2 {
		t.Errorf("rubrics = %d, want 2", len(first.EvaluationRubrics))
	}

	// Patient 2 has no eval item and no query: defaults kick in.
	second := cases[1]
	if second.ReferenceConclusion != "建议免疫联合化疗" {
		t.Errorf("missing eval item should fall back to patient result, got %q", second.ReferenceConclusion)
	}
	if !strings.Contains(second.InitialQuery, "诊疗方案应该是什么") {
		t.Errorf("missing query should fall back to the generic prompt, got %q", second.InitialQuery)
	}
	if second.Metadata.Category != "免疫治疗" {
		t.Errorf("missing category should fall back to the patient label, got %q", second.Metadata.Category)
	}
}

func TestCaseGenerator_RubricFallback(t *testing.T) {
	caller := &fakeCaller{response: "我觉得这些标准都不错。"}
	catalog := &store.Catalog{Tools: []store.Tool{{ToolID: "LC001", ToolName: "get_chest_ct_metrics"}}}

	g := NewCaseGenerator(caller, catalog, store.NewStore(nil))
	cases := g.Generate(context.Background(), testPatients()[:1], nil, nil)

	rubrics := cases[0].EvaluationRubrics
	if len(rubrics) != 4 {
		t.Fatalf("fallback rubrics = %d, want 4", len(rubrics))
	}
	if rubrics[0].Criterion != "诊断准确性" {
		t.Errorf("first fallback criterion = %q", rubrics[0].Criterion)
	}

	total := 0.0
	for _, r := range rubrics {
		total += r.Weight
	}
	if math.Abs(total-1.0) > 1e-9 {
		t.Errorf("fallback weights sum to %v, want 1.0", total)
	}
}

func TestParseRubrics_Renormalizes(t *testing.T) {
	input := `评测标准如下：
[
	{"criterion": "a", "weight": 0.8},
	{"criterion": "b", "weight": 0.8}
]`
	rubrics, ok := parseRubrics(input)
	if !ok {
		t.Fatal("parseRubrics should succeed")
	}

	total := 0.0
	for _, r := range rubrics {
		total += r.Weight
	}
	if math.Abs(total-1.0) > 1e-9 {
		t.Errorf("weights sum to %v, want 1.0", total)
	}
}

func TestParseRubrics_Rejects(t *testing.T) {
	for _, input := range []string{"", "没有列表", "[]", "[broken"} {
		if _, ok := parseRubrics(input); ok {
			t.Errorf("parseRubrics(%q) should fail", input)
		}
	}
}

func TestStats(t *testing.T) {
	s := NewStats()
	s.AddProcessed()
	s.AddProcessed()
	s.AddFailed()

	processed, failed, elapsed := s.Snapshot()
	if processed != 2 || failed != 1 {
		t.Errorf("counters = %d/%d, want 2/1", processed, failed)
	}
	if elapsed < 0 {
		t.Errorf("elapsed = %v, want >= 0", elapsed)
	}
}
