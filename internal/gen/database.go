package gen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qimed/medbench/internal/bench/model"
	"github.com/qimed/medbench/internal/bench/store"
)

// DefaultDatabaseWorkers bounds concurrent patient-tool generation calls.
const DefaultDatabaseWorkers = 8

const databaseSystemPrompt = "你是一位专业的医学数据工程师，擅长基于患者信息生成符合医学标准的结构化数据。"

const databasePromptTemplate = `
你是一位经验丰富的医学数据工程师。请基于以下患者信息，为工具"%s"生成符合其output_schema的真实、合理的医疗数据。

患者信息：
%s

病例摘要：
%s

工具定义：
- 工具名称：%s
- 工具描述：%s
- 输出格式：%s

要求：
1. 生成的数据必须严格符合output_schema的格式
2. 数值应该在医学上合理（例如：肿瘤大小、实验室指标等）
3. 如果患者摘要中没有相关信息，请基于其诊断、年龄、性别等推测合理数值
4. 对于肺癌三期患者，数据应该体现典型的疾病特征
5. 直接返回JSON格式的数据，不要包含任何解释

请生成数据：
`

// DatabaseGenerator fans LLM calls out over every patient-tool pair and
// assembles the per-tool database files.
type DatabaseGenerator struct {
	caller  Caller
	catalog *store.Catalog
	workers int
	stats   *Stats
}

func NewDatabaseGenerator(caller Caller, catalog *store.Catalog, workers int) *DatabaseGenerator {
	if workers <= 0 {
		workers = DefaultDatabaseWorkers
	}
	return &DatabaseGenerator{
		caller:  caller,
		catalog: catalog,
		workers: workers,
		stats:   NewStats(),
	}
}

// Generate produces one JSON record per (patient, tool) pair. A record whose
// response does not parse as JSON degrades to a generation_failed blob so the
// database stays complete. The returned map is tool id to patient id to data.
func (g *DatabaseGenerator) Generate(ctx context.Context, patients []model.Patient) map[string]map[string]json.RawMessage {
	total := len(patients) * len(g.catalog.Tools)
	slog.InfoContext(ctx, "Starting database generation",
		"patients", len(patients), "tools", len(g.catalog.Tools),
		"total_pairs", total, "workers", g.workers)

	databases := make(map[string]map[string]json.RawMessage, len(g.catalog.Tools))
	for _, t := range g.catalog.Tools {
		databases[t.ToolID] = make(map[string]json.RawMessage, len(patients))
	}

	var mu sync.Mutex
	var grp errgroup.Group
	grp.SetLimit(g.workers)

	for pi := range patients {
		for ti := range g.catalog.Tools {
			if ctx.Err() != nil {
				break
			}
			p, t := patients[pi], g.catalog.Tools[ti]
			grp.Go(func() error {
				record := g.generateRecord(ctx, p, t)
				mu.Lock()
				databases[t.ToolID][p.PatientID()] = record
				mu.Unlock()
				return nil
			})
		}
	}

	_ = grp.Wait()

	processed, failed, elapsed := g.stats.Snapshot()
	slog.InfoContext(ctx, "Database generation finished",
		"processed", processed, "failed", failed, "elapsed", elapsed.Round(time.Second))

	return databases
}

func (g *DatabaseGenerator) generateRecord(ctx context.Context, p model.Patient, t store.Tool) json.RawMessage {
	patientInfo := fmt.Sprintf("患者%d：%s, %d岁, 诊断：%s", p.ID, p.Gender, p.Age, p.Diagnosis)
	prompt := fmt.Sprintf(databasePromptTemplate,
		t.ToolName, patientInfo, p.Summary, t.ToolName, t.ToolDescription, string(t.OutputSchema))

	resp, err := g.caller.Call(ctx, []model.Message{
		{Role: model.RoleSystem, Content: databaseSystemPrompt},
		{Role: model.RoleUser, Content: prompt},
	})
	if err != nil || resp == "" {
		slog.ErrorContext(ctx, "Database record call failed",
			"patient_id", p.PatientID(), "tool_id", t.ToolID, "error", err)
		g.stats.AddFailed()
		return failedRecord(resp)
	}

	record, ok := extractJSON(resp)
	if !ok {
		slog.WarnContext(ctx, "Database record did not parse as JSON",
			"patient_id", p.PatientID(), "tool_id", t.ToolID)
		g.stats.AddFailed()
		return failedRecord(resp)
	}

	g.stats.AddProcessed()
	return record
}

// failedRecord keeps the first part of the raw response for debugging.
func failedRecord(raw string) json.RawMessage {
	if len(raw) > 200 {
		raw = raw[:200]
	}
	out, _ := json.Marshal(map[string]string{
		"status":       "generation_failed",
		"raw_response": raw,
	})
	return out
}

// extractJSON pulls the outermost JSON object out of a model response that
// may wrap it in prose or markdown fences.
func extractJSON(s string) (json.RawMessage, bool) {
	start, end := -1, -1
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			start = i
			break
		}
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '}' {
			end = i
			break
		}
	}
	if start < 0 || end <= start {
		return nil, false
	}

	candidate := []byte(s[start : end+1])
	if !json.Valid(candidate) {
		return nil, false
	}
	return json.RawMessage(candidate), true
}

// Save writes the per-tool database files and the index into dir.
func (g *DatabaseGenerator) Save(dir string, databases map[string]map[string]json.RawMessage) error {
	files := make([]string, 0, len(g.catalog.Tools))
	patients := make([]string, 0)

	for _, t := range g.catalog.Tools {
		name := store.DatabaseFileName(t)
		if err := model.WriteJSON(filepath.Join(dir, name), databases[t.ToolID]); err != nil {
			return fmt.Errorf("failed to save %s database: %w", t.ToolID, err)
		}
		files = append(files, name)
		slog.Info("Saved tool database", "tool_id", t.ToolID, "records", len(databases[t.ToolID]))
	}

	if len(g.catalog.Tools) > 0 {
		for pid := range databases[g.catalog.Tools[0].ToolID] {
			patients = append(patients, pid)
		}
	}

	processed, failed, elapsed := g.stats.Snapshot()
	index := store.Index{
		Tools:         g.catalog.Tools,
		Patients:      patients,
		DatabaseFiles: files,
		GenerationStats: &store.GenerationStats{
			TotalProcessed:  processed,
			TotalFailed:     failed,
			DurationSeconds: elapsed.Seconds(),
			GeneratedAt:     time.Now().Format("2006-01-02 15:04:05"),
		},
	}
	return store.SaveIndex(dir, index)
}
