package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/qimed/medbench/internal/httpx"
	"github.com/qimed/medbench/internal/monitor"
)

// initMeterProvider wires a stdout metric exporter with a periodic reader
// so request metrics show up in the server log.
func initMeterProvider() (*metric.MeterProvider, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(provider)
	return provider, nil
}

func main() {
	var (
		addr     = flag.String("addr", ":8080", "Listen address")
		dataDir  = flag.String("data-dir", ".", "Directory holding generated benchmark artifacts")
		patients = flag.Int("patients", monitor.DefaultExpectedPatients, "Expected patient count")
		tools    = flag.Int("tools", monitor.DefaultExpectedTools, "Expected tool count")
		verbose  = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	meterProvider, err := initMeterProvider()
	if err != nil {
		slog.Error("Failed to initialize meter provider", "error", err)
		panic(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(ctx); err != nil {
			slog.Error("Failed to shutdown meter provider", "error", err)
		}
	}()

	checker := monitor.NewChecker(*dataDir,
		monitor.WithExpectedPatients(*patients),
		monitor.WithExpectedTools(*tools),
	)

	handler := mux.NewRouter()
	handler.Use(
		httpx.Logger(),
		httpx.Recovery(),
		httpx.Tracing(),
		httpx.Metrics(),
	)

	handler.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "medbench progress monitor")
	})

	handler.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(checker.Check()); err != nil {
			slog.ErrorContext(r.Context(), "Failed to encode progress", "error", err)
		}
	})

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: handler,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("Starting the monitor server...", "addr", *addr, "data_dir", *dataDir)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			panic(err)
		}
	}()

	<-shutdown
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}
