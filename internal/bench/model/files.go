package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSON saves any value as pretty-printed UTF-8 JSON, creating parent
// directories as needed.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

// LoadPatients loads the patient source records. A missing or unreadable
// file is a hard error: evaluation cannot proceed without it.
func LoadPatients(path string) ([]Patient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read patient data: %w", err)
	}

	var patients []Patient
	if err := json.Unmarshal(data, &patients); err != nil {
		return nil, fmt.Errorf("failed to parse patient data: %w", err)
	}

	return patients, nil
}

// LoadEvalItems loads the reference-answer dataset keyed by patient id.
func LoadEvalItems(path string) (map[string]EvalItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read eval dataset: %w", err)
	}

	var items []EvalItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse eval dataset: %w", err)
	}

	byID := make(map[string]EvalItem, len(items))
	for _, item := range items {
		byID[item.ID.String()] = item
	}
	return byID, nil
}

// LoadQueries loads generated initial queries keyed by patient id. A missing
// file is not an error: generation may not have run yet.
func LoadQueries(path string) (map[string]InitialQuery, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]InitialQuery{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read initial queries: %w", err)
	}

	var queries []InitialQuery
	if err := json.Unmarshal(data, &queries); err != nil {
		return nil, fmt.Errorf("failed to parse initial queries: %w", err)
	}

	byID := make(map[string]InitialQuery, len(queries))
	for _, q := range queries {
		byID[q.PatientID] = q
	}
	return byID, nil
}

// SaveQueries writes generated initial queries.
func SaveQueries(path string, queries []InitialQuery) error {
	return WriteJSON(path, queries)
}

// LoadCases loads patient cases from a combined cases file.
func LoadCases(path string) ([]PatientCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cases file: %w", err)
	}

	var cases []PatientCase
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("failed to parse cases file: %w", err)
	}

	return cases, nil
}

// SaveCases writes a combined patient cases file.
func SaveCases(path string, cases []PatientCase) error {
	return WriteJSON(path, cases)
}

// SaveReport writes a final evaluation report.
func SaveReport(path string, report *Report) error {
	return WriteJSON(path, report)
}

// LoadReport loads a previously saved evaluation report.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report file: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report JSON: %w", err)
	}

	return &report, nil
}
