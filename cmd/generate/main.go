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

	"github.com/qimed/medbench/internal/bench/model"
	"github.com/qimed/medbench/internal/bench/store"
	"github.com/qimed/medbench/internal/gen"
	"github.com/qimed/medbench/internal/llm"
)

func main() {
	var (
		component = flag.String("component", "all", "What to generate: queries, databases, cases or all")
		dataDir   = flag.String("data-dir", ".", "Directory holding source data and generated artifacts")
		workers   = flag.Int("workers", gen.DefaultDatabaseWorkers, "Concurrent generation calls")
		rpm       = flag.Int("rpm", 200, "API requests per minute across all workers")
		limit     = flag.Int("limit", 0, "Generate for only the first N patients (0 = all)")
		verbose   = flag.Bool("v", false, "Verbose logging")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generate benchmark artifacts from the patient cohort.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Generate everything:\n")
		fmt.Fprintf(os.Stderr, "  %s\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Regenerate only the initial queries for 5 patients:\n")
		fmt.Fprintf(os.Stderr, "  %s -component queries -limit 5\n\n", os.Args[0])
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

	patients, err := model.LoadPatients(filepath.Join(*dataDir, "data.json"))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load patient data", "error", err)
		os.Exit(1)
	}
	if *limit > 0 && *limit < len(patients) {
		patients = patients[:*limit]
	}
	slog.InfoContext(ctx, "Loaded patients", "count", len(patients))

	catalog, err := loadCatalog(*dataDir)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load tool catalogue", "error", err)
		os.Exit(1)
	}

	limiter := llm.NewRateLimiter(*rpm)
	client := llm.New(llm.Config{
		Temperature: 0.2,
		Timeout:     300 * time.Second,
		Retry:       llm.RetryPolicy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, BackoffFactor: 2},
	}, limiter)

	dbDir := filepath.Join(*dataDir, "medical_databases")

	switch *component {
	case "queries":
		runQueries(ctx, client, patients, *dataDir)
	case "databases":
		runDatabases(ctx, client, catalog, patients, *workers, dbDir)
	case "cases":
		runCases(ctx, client, catalog, patients, *dataDir, dbDir)
	case "all":
		runQueries(ctx, client, patients, *dataDir)
		runDatabases(ctx, client, catalog, patients, *workers, dbDir)
		runCases(ctx, client, catalog, patients, *dataDir, dbDir)
	default:
		slog.ErrorContext(ctx, "Unknown component", "component", *component)
		flag.Usage()
		os.Exit(1)
	}
}

// loadCatalog prefers a catalogue file in the data dir and falls back to
// the built-in tool set.
func loadCatalog(dataDir string) (*store.Catalog, error) {
	path := filepath.Join(dataDir, "qi_med_tools.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("Catalogue file not found, using built-in tools", "path", path)
		return store.DefaultCatalog(), nil
	}
	return store.LoadCatalog(path)
}

func runQueries(ctx context.Context, client *llm.Client, patients []model.Patient, dataDir string) {
	slog.InfoContext(ctx, "Generating initial queries")

	queries := gen.NewQueryGenerator(client).Generate(ctx, patients)

	path := filepath.Join(dataDir, "initial_queries.json")
	if err := model.SaveQueries(path, queries); err != nil {
		slog.ErrorContext(ctx, "Failed to save initial queries", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "Saved initial queries", "count", len(queries), "path", path)
}

func runDatabases(ctx context.Context, client *llm.Client, catalog *store.Catalog,
	patients []model.Patient, workers int, dbDir string) {

	slog.InfoContext(ctx, "Generating tool databases")

	generator := gen.NewDatabaseGenerator(client, catalog, workers)
	databases := generator.Generate(ctx, patients)

	if err := generator.Save(dbDir, databases); err != nil {
		slog.ErrorContext(ctx, "Failed to save tool databases", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "Saved tool databases", "dir", dbDir)
}

func runCases(ctx context.Context, client *llm.Client, catalog *store.Catalog,
	patients []model.Patient, dataDir, dbDir string) {

	slog.InfoContext(ctx, "Generating patient cases")

	evalItems, err := model.LoadEvalItems(filepath.Join(dataDir, "eval_dataset.json"))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load eval dataset", "error", err)
		os.Exit(1)
	}

	queries, err := model.LoadQueries(filepath.Join(dataDir, "initial_queries.json"))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load initial queries", "error", err)
		os.Exit(1)
	}

	st, err := store.Load(dbDir)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load tool databases", "error", err)
		os.Exit(1)
	}

	generator := gen.NewCaseGenerator(client, catalog, st)
	cases := generator.Generate(ctx, patients, evalItems, queries)

	err = generator.Save(
		filepath.Join(dataDir, "patient_cases"),
		filepath.Join(dataDir, "all_patient_cases.json"),
		filepath.Join(dataDir, "patient_cases_index.json"),
		cases,
	)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to save patient cases", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "Saved patient cases", "count", len(cases))
}
