// Package gen builds the offline benchmark artifacts: first-visit patient
// queries, per-tool medical databases and the merged patient case files
// consumed by the evaluator.
package gen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/qimed/medbench/internal/bench/model"
)

// Caller is the LLM surface the generators need.
type Caller interface {
	Call(ctx context.Context, msgs []model.Message) (string, error)
}

const querySystemPrompt = "你是一位专业的肺部肿瘤科医生，擅长从完整病例中提取首诊时的关键信息。"

const queryPromptTemplate = `
你是一位经验丰富的肺部肿瘤科医生。请基于以下完整病例信息，生成一个精简的"首诊问诊"场景描述。

完整病例：
- 患者ID: %d
- 性别: %s
- 年龄: %d岁
- 诊断: %s
- 完整病史: %s

要求：
1. **只包含首诊时通过问诊和简单查体能获得的信息**：
   - 患者基本信息（年龄、性别）
   - 主诉症状（咳嗽、胸痛、呼吸困难等）
   - 简单既往史（吸烟史、家族史等）
   - 就诊原因（体检发现、症状就诊等）

2. **不能包含的信息**（这些需要通过工具调用获取）：
   - 具体的CT、病理、基因检测结果
   - 详细的实验室指标数值
   - 具体的治疗方案和疗效评价
   - TNM分期的具体数据
   - 肿瘤标志物数值

3. **输出格式**：
   - 以"患者XXX，XX岁XX性，因XX就诊"开头
   - 简洁描述主诉和简单病史
   - 以"请问这位患者的诊疗方案应该是什么？"结尾
   - 总长度控制在200字以内

4. **目的**：生成的query应该迫使AI模型主动调用工具来获取CT、病理、基因检测等详细信息，才能给出准确的诊疗建议。

请生成精简的初始query：
`

// QueryGenerator produces first-visit initial queries from full patient
// records. The generated query deliberately withholds everything that the
// evaluated model is expected to fetch through tools.
type QueryGenerator struct {
	caller Caller
}

func NewQueryGenerator(caller Caller) *QueryGenerator {
	return &QueryGenerator{caller: caller}
}

// Generate builds one initial query per patient. Patients whose LLM call
// fails or returns nothing are skipped and logged, matching the
// keep-going posture of the rest of the pipeline.
func (g *QueryGenerator) Generate(ctx context.Context, patients []model.Patient) []model.InitialQuery {
	queries := make([]model.InitialQuery, 0, len(patients))

	for i, p := range patients {
		if ctx.Err() != nil {
			slog.WarnContext(ctx, "Query generation cancelled", "generated", len(queries))
			break
		}

		slog.InfoContext(ctx, "Generating initial query",
			"patient_id", p.PatientID(), "progress", fmt.Sprintf("%d/%d", i+1, len(patients)))

		text, err := g.generateOne(ctx, p)
		if err != nil || text == "" {
			slog.ErrorContext(ctx, "Failed to generate query", "patient_id", p.PatientID(), "error", err)
			continue
		}

		queries = append(queries, model.InitialQuery{
			PatientID:         p.PatientID(),
			OriginalDiagnosis: p.Diagnosis,
			OriginalLabel:     p.Label,
			InitialQuery:      text,
			Metadata: model.QueryMetadata{
				Gender:      p.Gender,
				Age:         p.Age,
				GeneratedAt: time.Now().Format("2006-01-02 15:04:05"),
			},
		})
	}

	return queries
}

func (g *QueryGenerator) generateOne(ctx context.Context, p model.Patient) (string, error) {
	prompt := fmt.Sprintf(queryPromptTemplate, p.ID, p.Gender, p.Age, p.Diagnosis, p.Summary)

	resp, err := g.caller.Call(ctx, []model.Message{
		{Role: model.RoleSystem, Content: querySystemPrompt},
		{Role: model.RoleUser, Content: prompt},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}
