// Package runner fans the conversation driver and rubric scorer out over
// many patient cases on a bounded worker pool.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qimed/medbench/internal/bench/driver"
	"github.com/qimed/medbench/internal/bench/model"
	"github.com/qimed/medbench/internal/bench/scorer"
)

// DefaultMaxWorkers bounds case-level concurrency.
const DefaultMaxWorkers = 4

// flushEvery is how many completed cases trigger a partial-results
// snapshot, so a crash loses at most a few cases of progress.
const flushEvery = 5

// Runner drives one evaluation pipeline per case. Cases are independent;
// the only mutable shared state is the results collector behind a single
// mutex.
type Runner struct {
	driver    *driver.Driver
	scorer    *scorer.Scorer
	modelName string
	workers   int
	snapshot  string
}

type Option func(*Runner)

// WithMaxWorkers sets the worker-pool size.
func WithMaxWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithSnapshotPath enables periodic partial-results flushes to the given
// file.
func WithSnapshotPath(path string) Option {
	return func(r *Runner) { r.snapshot = path }
}

func New(d *driver.Driver, s *scorer.Scorer, modelName string, opts ...Option) *Runner {
	r := &Runner{
		driver:    d,
		scorer:    s,
		modelName: modelName,
		workers:   DefaultMaxWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run evaluates all cases and aggregates a report. Per-case failures are
// recorded as failed result entries and never abort the batch. Results
// arrive in completion order; callers needing stable ordering sort by
// patient id afterwards. Cancelling the context stops submission of new
// cases while in-flight ones finish on their own timeouts.
func (r *Runner) Run(ctx context.Context, cases []model.PatientCase) (*model.Report, error) {
	slog.InfoContext(ctx, "Starting batch evaluation",
		"total_cases", len(cases), "max_workers", r.workers, "model", r.modelName)

	var (
		mu        sync.Mutex
		results   = make([]model.EvaluationResult, 0, len(cases))
		completed int
	)

	var g errgroup.Group
	g.SetLimit(r.workers)

	for i := range cases {
		if ctx.Err() != nil {
			slog.WarnContext(ctx, "Cancellation requested, stopping submission",
				"submitted", i, "total", len(cases))
			break
		}

		pc := cases[i]
		g.Go(func() error {
			result := r.evaluateCase(ctx, &pc)

			mu.Lock()
			results = append(results, result)
			completed++
			if r.snapshot != "" && completed%flushEvery == 0 {
				if err := model.WriteJSON(r.snapshot, results); err != nil {
					slog.ErrorContext(ctx, "Failed to write partial results", "error", err)
				}
			}
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	report := &model.Report{
		Summary: summarize(results, len(cases), r.modelName),
		Results: results,
	}

	slog.InfoContext(ctx, "Batch evaluation completed",
		"successful", report.Summary.SuccessfulEvaluations,
		"failed", report.Summary.FailedEvaluations,
		"average_score", report.Summary.AverageScore)

	return report, ctx.Err()
}

// evaluateCase runs one driver+scorer pipeline. Panics are captured into a
// failed result entry so a single bad case cannot take the batch down.
func (r *Runner) evaluateCase(ctx context.Context, pc *model.PatientCase) (result model.EvaluationResult) {
	start := time.Now()

	finish := func(res *model.EvaluationResult) {
		res.Metadata = model.ResultMetadata{
			EvaluationTime: time.Since(start).Seconds(),
			ModelUsed:      r.modelName,
			Timestamp:      time.Now().Format(time.RFC3339),
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "Case evaluation panicked",
				"patient_id", pc.PatientID, "panic", rec)
			result = model.EvaluationResult{
				PatientID: pc.PatientID,
				Status:    "failed",
				Error:     fmt.Sprintf("panic: %v", rec),
			}
			finish(&result)
		}
	}()

	slog.InfoContext(ctx, "Evaluating patient case", "patient_id", pc.PatientID)

	state := r.driver.Run(ctx, pc)
	if state.FinalResponse == "" {
		result = model.EvaluationResult{
			PatientID:     pc.PatientID,
			ModelResponse: state,
			Status:        "failed",
			Error:         "model produced no response",
		}
		finish(&result)
		return result
	}

	score := r.scorer.Score(ctx, pc, state)

	result = model.EvaluationResult{
		PatientID:     pc.PatientID,
		ModelResponse: state,
		Evaluation:    score,
	}
	finish(&result)

	slog.InfoContext(ctx, "Patient case completed",
		"patient_id", pc.PatientID, "total_score", score.TotalScore)
	return result
}

func summarize(results []model.EvaluationResult, total int, modelName string) model.Summary {
	summary := model.Summary{
		TotalCases:     total,
		ModelUsed:      modelName,
		EvaluationDate: time.Now().Format(time.RFC3339),
	}

	sum := 0.0
	for i := range results {
		if results[i].Failed() {
			summary.FailedEvaluations++
			continue
		}
		score := results[i].Evaluation.TotalScore
		if summary.SuccessfulEvaluations == 0 || score < summary.MinScore {
			summary.MinScore = score
		}
		if summary.SuccessfulEvaluations == 0 || score > summary.MaxScore {
			summary.MaxScore = score
		}
		sum += score
		summary.SuccessfulEvaluations++
	}
	if summary.SuccessfulEvaluations > 0 {
		summary.AverageScore = sum / float64(summary.SuccessfulEvaluations)
	}
	return summary
}

// PrintSummary prints a human-readable report of a batch run.
func PrintSummary(report *model.Report) {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Evaluation Report")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Model:          %s\n", report.Summary.ModelUsed)
	fmt.Printf("Total cases:    %d\n", report.Summary.TotalCases)
	fmt.Printf("Successful:     %d\n", report.Summary.SuccessfulEvaluations)
	fmt.Printf("Failed:         %d\n", report.Summary.FailedEvaluations)
	fmt.Printf("Average score:  %.2f\n", report.Summary.AverageScore)
	fmt.Printf("Score range:    %.2f - %.2f\n", report.Summary.MinScore, report.Summary.MaxScore)
	fmt.Println()

	if report.Summary.FailedEvaluations > 0 {
		fmt.Println("Failed Cases:")
		fmt.Println(strings.Repeat("-", 60))
		for i := range report.Results {
			if report.Results[i].Failed() {
				fmt.Printf("  [%s] %s\n", report.Results[i].PatientID, report.Results[i].Error)
			}
		}
		fmt.Println()
	}

	for i := range report.Results {
		if !report.Results[i].Failed() {
			fmt.Printf("✓ [%s] score %.2f (%d turns, %d tool calls)\n",
				report.Results[i].PatientID,
				report.Results[i].Evaluation.TotalScore,
				report.Results[i].ModelResponse.Turns,
				len(report.Results[i].ModelResponse.ToolCalls))
		}
	}
	fmt.Println(strings.Repeat("=", 60))
}
