package store

import (
	"encoding/json"
	"fmt"
	"os"
)

// Tool is one entry of the medical tool catalogue.
type Tool struct {
	ToolID          string          `json:"tool_id"`
	ToolName        string          `json:"tool_name"`
	ToolDescription string          `json:"tool_description,omitempty"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	OutputSchema    json.RawMessage `json:"output_schema,omitempty"`
}

// Catalog is the fixed set of tools a conversation may request.
type Catalog struct {
	Tools []Tool `json:"tools"`
}

// LoadCatalog reads a tool catalogue file. A missing catalogue is a hard
// error at setup time.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool catalogue: %w", err)
	}

	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse tool catalogue: %w", err)
	}
	if len(c.Tools) == 0 {
		return nil, fmt.Errorf("tool catalogue %s lists no tools", path)
	}

	return &c, nil
}

// DefaultCatalog returns the built-in lung-cancer staging tool set.
func DefaultCatalog() *Catalog {
	return &Catalog{Tools: []Tool{
		{ToolID: "LC001", ToolName: "get_chest_ct_metrics", ToolDescription: "胸部CT影像学客观指标：肿瘤尺寸、位置、淋巴结状态等原始测量值"},
		{ToolID: "LC002", ToolName: "get_tumor_markers", ToolDescription: "肺癌相关肿瘤标志物的实验室数值"},
		{ToolID: "LC003", ToolName: "get_pathology_data", ToolDescription: "病理学检查原始数据：组织学类型、分化程度等客观病理指标"},
		{ToolID: "LC004", ToolName: "get_genetic_mutations", ToolDescription: "基因突变检测结果：突变类型和丰度等原始数据"},
		{ToolID: "LC005", ToolName: "get_pdl1_expression", ToolDescription: "PD-L1免疫组化表达水平的定量数据"},
		{ToolID: "LC006", ToolName: "get_tnm_staging_details", ToolDescription: "TNM分期的详细测量数据和评估指标"},
		{ToolID: "LC007", ToolName: "get_performance_status", ToolDescription: "体能状态评估数据"},
		{ToolID: "LC008", ToolName: "get_pulmonary_function", ToolDescription: "肺功能检查数值"},
		{ToolID: "LC009", ToolName: "get_blood_routine", ToolDescription: "血常规实验室数值"},
		{ToolID: "LC010", ToolName: "get_liver_kidney_function", ToolDescription: "肝肾功能实验室数值"},
		{ToolID: "LC011", ToolName: "get_treatment_history", ToolDescription: "既往治疗史记录"},
		{ToolID: "LC012", ToolName: "get_immune_adverse_events", ToolDescription: "免疫治疗不良反应记录"},
		{ToolID: "LC013", ToolName: "get_chemo_toxicity", ToolDescription: "化疗毒副反应记录"},
		{ToolID: "LC014", ToolName: "get_radiation_parameters", ToolDescription: "放疗计划参数"},
		{ToolID: "LC015", ToolName: "get_surgery_feasibility", ToolDescription: "手术可行性评估数据"},
	}}
}
