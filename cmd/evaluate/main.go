package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/qimed/medbench/internal/bench/driver"
	"github.com/qimed/medbench/internal/bench/model"
	"github.com/qimed/medbench/internal/bench/runner"
	"github.com/qimed/medbench/internal/bench/scorer"
	"github.com/qimed/medbench/internal/bench/store"
	"github.com/qimed/medbench/internal/llm"
)

func main() {
	var (
		modelName   = flag.String("model", "", "Model to evaluate (defaults to OPENROUTER_MODEL or the built-in default)")
		casesPath   = flag.String("cases", "all_patient_cases.json", "Path to the combined patient cases file")
		dbDir       = flag.String("databases", "medical_databases", "Directory holding the per-tool database files")
		outputPath  = flag.String("output", "", "Path to save the evaluation report (auto-generated if empty)")
		workers     = flag.Int("workers", runner.DefaultMaxWorkers, "Number of cases evaluated concurrently")
		maxTurns    = flag.Int("max-turns", driver.DefaultMaxTurns, "Turn budget per conversation")
		rpm         = flag.Int("rpm", 200, "API requests per minute across all workers")
		startIdx    = flag.Int("start", 0, "Index of the first case to evaluate")
		endIdx      = flag.Int("end", 0, "Index one past the last case to evaluate (0 = all)")
		limitCases  = flag.Int("limit", 0, "Evaluate only the first N selected cases (0 = all)")
		verbose     = flag.Bool("v", false, "Verbose logging")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Evaluate a model on the multi-turn medical tool-calling benchmark.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Evaluate the default model on all cases:\n")
		fmt.Fprintf(os.Stderr, "  %s\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Quick iteration on the first 3 cases:\n")
		fmt.Fprintf(os.Stderr, "  %s -limit 3\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Evaluate a slice of the cohort:\n")
		fmt.Fprintf(os.Stderr, "  %s -start 10 -end 20 -model openai/gpt-4o\n\n", os.Args[0])
	}

	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	slog.InfoContext(ctx, "Starting evaluation run", "run_id", runID)

	cases, err := model.LoadCases(*casesPath)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load patient cases", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "Loaded patient cases", "count", len(cases))

	cases = sliceCases(cases, *startIdx, *endIdx, *limitCases)
	if len(cases) == 0 {
		slog.ErrorContext(ctx, "No cases selected", "start", *startIdx, "end", *endIdx, "limit", *limitCases)
		os.Exit(1)
	}

	fallback, err := store.Load(*dbDir)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load tool databases", "error", err)
		os.Exit(1)
	}

	// One rolling rate-limit window shared by the conversation and judge
	// clients, matching the per-minute API quota.
	limiter := llm.NewRateLimiter(*rpm)

	convClient := llm.New(llm.Config{
		Model:       *modelName,
		Temperature: 0.1,
		Timeout:     240 * time.Second,
	}, limiter)

	judgeClient := llm.New(llm.Config{
		Temperature: 0.1,
		Timeout:     120 * time.Second,
	}, limiter)

	drv := driver.New(convClient,
		driver.WithMaxTurns(*maxTurns),
		driver.WithFallbackStore(fallback),
	)
	scr := scorer.New(judgeClient)

	outputFile := *outputPath
	if outputFile == "" {
		timestamp := time.Now().Format("20060102_150405")
		outputFile = filepath.Join("eval_results", fmt.Sprintf("medbench_%s.json", timestamp))
	}

	run := runner.New(drv, scr, convClient.Model(),
		runner.WithMaxWorkers(*workers),
		runner.WithSnapshotPath(outputFile+".temp"),
	)

	report, err := run.Run(ctx, cases)
	if err != nil {
		slog.WarnContext(ctx, "Run interrupted", "error", err)
	}

	slog.InfoContext(ctx, "Saving evaluation report", "path", outputFile)
	if err := model.SaveReport(outputFile, report); err != nil {
		slog.ErrorContext(ctx, "Failed to save report", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	runner.PrintSummary(report)
	fmt.Println()
	fmt.Printf("Full report saved to: %s\n", outputFile)

	if report.Summary.FailedEvaluations > 0 {
		os.Exit(1)
	}
}

// sliceCases applies start/end/limit selection in that order.
func sliceCases(cases []model.PatientCase, start, end, limit int) []model.PatientCase {
	if start < 0 || start > len(cases) {
		return nil
	}
	if end <= 0 || end > len(cases) {
		end = len(cases)
	}
	if start >= end {
		return nil
	}
	cases = cases[start:end]
	if limit > 0 && limit < len(cases) {
		cases = cases[:limit]
	}
	return cases
}
