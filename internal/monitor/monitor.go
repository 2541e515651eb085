// Package monitor inspects the benchmark data directory and reports how far
// offline generation and evaluation have progressed.
package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qimed/medbench/internal/bench/store"
)

// DefaultExpectedPatients is the size of the source cohort.
const DefaultExpectedPatients = 86

// DefaultExpectedTools is the size of the tool catalogue.
const DefaultExpectedTools = 15

// FileProgress describes one generated artifact.
type FileProgress struct {
	Status   string  `json:"status"`
	Count    int     `json:"count"`
	Expected int     `json:"expected,omitempty"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

// DatabaseProgress describes the per-tool database directory.
type DatabaseProgress struct {
	Status          string                 `json:"status"`
	CompletedTools  int                    `json:"completed_tools"`
	TotalTools      int                    `json:"total_tools"`
	Progress        float64                `json:"progress"`
	GenerationStats *store.GenerationStats `json:"generation_stats,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// CasesProgress describes the patient case artifacts.
type CasesProgress struct {
	SummaryFile     FileProgress `json:"summary_file"`
	IndividualFiles FileProgress `json:"individual_files"`
}

// ResultsProgress counts saved evaluation reports.
type ResultsProgress struct {
	Reports int `json:"reports"`
}

// Progress is the full snapshot served by the monitor.
type Progress struct {
	ElapsedSeconds float64          `json:"elapsed_seconds"`
	Queries        FileProgress     `json:"queries"`
	Databases      DatabaseProgress `json:"databases"`
	Cases          CasesProgress    `json:"cases"`
	Results        ResultsProgress  `json:"results"`
	Complete       bool             `json:"complete"`
}

// Checker reads generation artifacts from a data directory tree.
type Checker struct {
	dataDir          string
	expectedPatients int
	expectedTools    int
	start            time.Time
}

type Option func(*Checker)

func WithExpectedPatients(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.expectedPatients = n
		}
	}
}

func WithExpectedTools(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.expectedTools = n
		}
	}
}

func NewChecker(dataDir string, opts ...Option) *Checker {
	c := &Checker{
		dataDir:          dataDir,
		expectedPatients: DefaultExpectedPatients,
		expectedTools:    DefaultExpectedTools,
		start:            time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check assembles a progress snapshot from the current directory state.
func (c *Checker) Check() Progress {
	p := Progress{
		ElapsedSeconds: time.Since(c.start).Seconds(),
		Queries:        c.checkFile(filepath.Join(c.dataDir, "initial_queries.json"), c.expectedPatients),
		Databases:      c.checkDatabases(),
		Cases:          c.checkCases(),
		Results:        c.checkResults(),
	}
	p.Complete = p.Databases.Progress >= 100 && p.Cases.IndividualFiles.Progress >= 100
	return p
}

// checkFile counts entries in a top-level JSON array or object.
func (c *Checker) checkFile(path string, expected int) FileProgress {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return FileProgress{Status: "not_found"}
	}
	if err != nil {
		return FileProgress{Status: "error", Error: err.Error()}
	}

	count := countEntries(data)
	progress := 0.0
	if expected > 0 {
		progress = min(float64(count)/float64(expected)*100, 100)
	}
	return FileProgress{Status: "exists", Count: count, Expected: expected, Progress: progress}
}

func countEntries(data []byte) int {
	var asList []json.RawMessage
	if err := json.Unmarshal(data, &asList); err == nil {
		return len(asList)
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &asMap); err == nil {
		return len(asMap)
	}
	return 1
}

func (c *Checker) checkDatabases() DatabaseProgress {
	dbDir := filepath.Join(c.dataDir, "medical_databases")
	indexPath := filepath.Join(dbDir, store.IndexFile)

	data, err := os.ReadFile(indexPath)
	if os.IsNotExist(err) {
		// Index is written last, so count finished per-tool files instead.
		completed := countMatching(dbDir, func(name string) bool {
			return strings.HasSuffix(name, "_database.json")
		})
		return DatabaseProgress{
			Status:         "in_progress",
			CompletedTools: completed,
			TotalTools:     c.expectedTools,
			Progress:       float64(completed) / float64(c.expectedTools) * 100,
		}
	}
	if err != nil {
		return DatabaseProgress{Status: "error", Error: err.Error()}
	}

	var index store.Index
	if err := json.Unmarshal(data, &index); err != nil {
		return DatabaseProgress{Status: "error", Error: err.Error()}
	}

	return DatabaseProgress{
		Status:          "completed",
		CompletedTools:  len(index.DatabaseFiles),
		TotalTools:      len(index.Tools),
		Progress:        100,
		GenerationStats: index.GenerationStats,
	}
}

func (c *Checker) checkCases() CasesProgress {
	summary := c.checkFile(filepath.Join(c.dataDir, "all_patient_cases.json"), c.expectedPatients)

	count := countMatching(filepath.Join(c.dataDir, "patient_cases"), func(name string) bool {
		return strings.HasPrefix(name, "patient_") && strings.HasSuffix(name, ".json")
	})

	return CasesProgress{
		SummaryFile: summary,
		IndividualFiles: FileProgress{
			Status:   "exists",
			Count:    count,
			Expected: c.expectedPatients,
			Progress: min(float64(count)/float64(c.expectedPatients)*100, 100),
		},
	}
}

func (c *Checker) checkResults() ResultsProgress {
	count := countMatching(filepath.Join(c.dataDir, "eval_results"), func(name string) bool {
		return strings.HasSuffix(name, ".json")
	})
	return ResultsProgress{Reports: count}
}

func countMatching(dir string, match func(string) bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && match(e.Name()) {
			count++
		}
	}
	return count
}

// EstimateRemaining projects remaining time from progress so far. Returns
// false when progress is zero and no estimate is possible.
func EstimateRemaining(progress float64, elapsed time.Duration) (time.Duration, bool) {
	if progress <= 0 {
		return 0, false
	}
	total := time.Duration(float64(elapsed) / (progress / 100))
	remaining := total - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
