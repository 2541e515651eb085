package model

import (
	"encoding/json"
	"strconv"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Rubric is a single weighted scoring criterion.
type Rubric struct {
	Criterion   string  `json:"criterion"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// Patient is one source record from the patient data file.
type Patient struct {
	ID        int    `json:"id"`
	Gender    string `json:"gender"`
	Age       int    `json:"age"`
	Diagnosis string `json:"diagnosis"`
	Label     string `json:"label"`
	Summary   string `json:"summary"`
	Result    string `json:"result"`
}

// PatientID returns the string identifier used across all generated files.
func (p Patient) PatientID() string {
	return strconv.Itoa(p.ID)
}

// EvalItem is one entry of the reference-answer dataset, keyed by patient id.
type EvalItem struct {
	ID              json.Number `json:"id"`
	ReferenceAnswer string      `json:"reference_answer"`
	Category        string      `json:"category,omitempty"`
	Rubrics         []Rubric    `json:"rubrics,omitempty"`
}

// InitialQuery is a generated first-visit patient query.
type InitialQuery struct {
	PatientID         string        `json:"patient_id"`
	OriginalDiagnosis string        `json:"original_diagnosis,omitempty"`
	OriginalLabel     string        `json:"original_label,omitempty"`
	InitialQuery      string        `json:"initial_query"`
	Metadata          QueryMetadata `json:"metadata,omitempty"`
}

type QueryMetadata struct {
	Gender      string `json:"gender,omitempty"`
	Age         int    `json:"age,omitempty"`
	GeneratedAt string `json:"generated_at,omitempty"`
}

// PatientCase is one complete evaluation unit. It is constructed once during
// offline case generation and read-only during evaluation.
type PatientCase struct {
	PatientID           string                     `json:"patient_id"`
	InitialQuery        string                     `json:"initial_query"`
	ToolCallResultsMap  map[string]json.RawMessage `json:"tool_call_results_map"`
	ReferenceConclusion string                     `json:"reference_conclusion"`
	EvaluationRubrics   []Rubric                   `json:"evaluation_rubrics"`
	Metadata            CaseMetadata               `json:"metadata,omitempty"`
}

type CaseMetadata struct {
	Gender          string `json:"gender,omitempty"`
	Age             int    `json:"age,omitempty"`
	Diagnosis       string `json:"diagnosis,omitempty"`
	Category        string `json:"category,omitempty"`
	OriginalSummary string `json:"original_summary,omitempty"`
	GeneratedAt     string `json:"generated_at,omitempty"`
}

// ToolCall records one dispatched tool lookup within a conversation.
type ToolCall struct {
	ToolName string          `json:"tool_name"`
	Result   json.RawMessage `json:"result"`
	Turn     int             `json:"turn"`
}

// ConversationState is the transcript and tool-call log of one driver run.
// It is owned by a single driver invocation and never shared across
// goroutines while being written.
type ConversationState struct {
	PatientID     string     `json:"patient_id"`
	Transcript    []Message  `json:"conversation_history"`
	ToolCalls     []ToolCall `json:"tool_calls_made"`
	FinalResponse string     `json:"final_response"`
	Turns         int        `json:"turns_used"`
	Truncated     bool       `json:"truncated,omitempty"`
}

// CriterionScore is the judge's verdict on a single rubric criterion.
type CriterionScore struct {
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
	Weight    float64 `json:"weight"`
	Comment   string  `json:"comment"`
}

// Score is the parsed output of one judge call.
type Score struct {
	DetailedScores []CriterionScore `json:"detailed_scores"`
	TotalScore     float64          `json:"total_score"`
	OverallComment string           `json:"overall_comment"`
}

type ResultMetadata struct {
	EvaluationTime float64 `json:"evaluation_time"`
	ModelUsed      string  `json:"model_used"`
	Timestamp      string  `json:"timestamp"`
}

// EvaluationResult is the final record for one patient case. Failed cases
// keep their Error and Status fields instead of being dropped.
type EvaluationResult struct {
	PatientID     string             `json:"patient_id"`
	ModelResponse *ConversationState `json:"model_response,omitempty"`
	Evaluation    *Score             `json:"evaluation,omitempty"`
	Error         string             `json:"error,omitempty"`
	Status        string             `json:"status,omitempty"`
	Metadata      ResultMetadata     `json:"metadata"`
}

// Failed reports whether the case produced no usable evaluation.
func (r *EvaluationResult) Failed() bool {
	return r.Evaluation == nil
}

type Summary struct {
	TotalCases            int     `json:"total_cases"`
	SuccessfulEvaluations int     `json:"successful_evaluations"`
	FailedEvaluations     int     `json:"failed_evaluations"`
	AverageScore          float64 `json:"average_score"`
	MinScore              float64 `json:"min_score"`
	MaxScore              float64 `json:"max_score"`
	ModelUsed             string  `json:"model_used"`
	EvaluationDate        string  `json:"evaluation_date"`
}

// Report is the persisted output of a full batch run.
type Report struct {
	Summary Summary            `json:"summary"`
	Results []EvaluationResult `json:"results"`
}
