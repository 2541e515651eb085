// Package detect decides whether a free-text model turn asks for a tool.
// The model under test expresses tool intent in prose, not in a structured
// tool-call payload, so detection is an ordered rule table evaluated once
// per turn with the first match winning. At most one tool is matched per
// turn even when several are mentioned; the driver re-prompts on later
// turns for additional data.
package detect

import (
	"strings"

	"github.com/qimed/medbench/internal/bench/store"
)

// Request identifies the single tool a turn asked for.
type Request struct {
	ToolID   string
	ToolName string
}

// Detector maps a model turn to at most one tool request.
type Detector interface {
	Detect(text string) (Request, bool)
}

// NameDetector scans a turn for canonical tool names, case-insensitively
// and tolerating underscore/space substitution, in fixed catalogue order.
// This is the authoritative strategy; see KeywordDetector for the
// alternative. The two disagree on ambiguous input and are never merged.
type NameDetector struct {
	rules []Rule
}

// Rule binds one recognizable mention to a tool id.
type Rule struct {
	Pattern  string
	ToolID   string
	ToolName string
}

// NewNameDetector builds a detector over the catalogue's tool names,
// preserving catalogue order as match priority.
func NewNameDetector(catalog *store.Catalog) *NameDetector {
	rules := make([]Rule, 0, len(catalog.Tools))
	for _, t := range catalog.Tools {
		rules = append(rules, Rule{
			Pattern:  strings.ToLower(t.ToolName),
			ToolID:   t.ToolID,
			ToolName: t.ToolName,
		})
	}
	return &NameDetector{rules: rules}
}

// Detect returns the first catalogue tool mentioned in the turn.
func (d *NameDetector) Detect(text string) (Request, bool) {
	lower := strings.ToLower(text)
	for _, r := range d.rules {
		if strings.Contains(lower, r.Pattern) ||
			strings.Contains(lower, strings.ReplaceAll(r.Pattern, "_", " ")) {
			return Request{ToolID: r.ToolID, ToolName: r.ToolName}, true
		}
	}
	return Request{}, false
}

// KeywordDetector matches a small table of natural-language keywords
// (e.g. "胸部CT") against the turn, in table order. Kept behind the same
// interface as an explicitly selectable alternative strategy.
type KeywordDetector struct {
	rules []Rule
}

// NewKeywordDetector builds a detector from an ordered keyword table.
func NewKeywordDetector(rules []Rule) *KeywordDetector {
	return &KeywordDetector{rules: rules}
}

// DefaultKeywordRules is the keyword table used by the keyword strategy.
func DefaultKeywordRules() []Rule {
	return []Rule{
		{Pattern: "胸部CT", ToolID: "LC001", ToolName: "get_chest_ct_metrics"},
		{Pattern: "肿瘤标志物", ToolID: "LC002", ToolName: "get_tumor_markers"},
		{Pattern: "病理", ToolID: "LC003", ToolName: "get_pathology_data"},
		{Pattern: "基因检测", ToolID: "LC004", ToolName: "get_genetic_mutations"},
		{Pattern: "肺功能", ToolID: "LC008", ToolName: "get_pulmonary_function"},
	}
}

// Detect returns the first keyword found in the turn.
func (d *KeywordDetector) Detect(text string) (Request, bool) {
	for _, r := range d.rules {
		if strings.Contains(text, r.Pattern) {
			return Request{ToolID: r.ToolID, ToolName: r.ToolName}, true
		}
	}
	return Request{}, false
}

// terminalKeywords mark a turn as a final answer when no tool was
// requested.
var terminalKeywords = []string{
	"建议", "推荐", "方案", "治疗", "诊断", "结论",
	"recommendation", "diagnosis", "plan", "conclusion",
}

// IsTerminal reports whether the turn reads like a final diagnosis or
// recommendation.
func IsTerminal(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range terminalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
