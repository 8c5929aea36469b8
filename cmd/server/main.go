package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/config"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/logging"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/openaiclient"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/pdfstub"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/pipeline"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/server"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/store"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/task"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/vision"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/webhook"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "create data dir:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.DataDir, os.Stdout, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logging:", err)
		os.Exit(1)
	}

	log.Info("starting", "env", cfg.Env, "data_dir", cfg.DataDir)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("open store", "error", err)
		os.Exit(1)
	}

	// describer is kept as the pipeline.Describer interface from the
	// start: assigning a nil *vision.Describer to it would produce a
	// non-nil interface wrapping a nil pointer, and pipeline.Convert's
	// "describer == nil" check exists specifically to detect an
	// unconfigured vision backend.
	var describer pipeline.Describer
	if d := buildDescriber(cfg, log); d != nil {
		describer = d
	} else {
		log.Warn("OPENAI_API_KEY/OPENAI_API_TOKEN not set, image description disabled")
	}

	var extractor pipeline.Extractor = pdfstub.Extractor{}

	pipelineCfg := pipeline.Config{DataDir: cfg.DataDir}
	convert := func(ctx context.Context, t *task.Task) ([]string, error) {
		return pipeline.Convert(ctx, log, pipelineCfg, t, extractor, describer)
	}

	notifier := webhook.New(st, webhook.Config{
		Timeout:    cfg.WebhookTimeout,
		MaxRetries: cfg.WebhookMaxRetries,
		RetryDelay: cfg.WebhookRetryDelay,
	}, log)

	lifecycle := server.New(cfg, log, st, convert, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := lifecycle.Start(ctx); err != nil {
		log.Error("start failed", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("signal received, shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer shutdownCancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("exited cleanly")
}

// buildDescriber wires C5 against the OpenAI-compatible vision endpoint
// when an API key is configured; otherwise tasks with describe_images
// set get a warning instead of descriptions (spec.md §4.4 step 6).
func buildDescriber(cfg *config.Config, log *slog.Logger) *vision.Describer {
	if cfg.VisionAPIKey == "" {
		return nil
	}
	client := openaiclient.New(cfg.VisionAPIKey, 30*time.Second)
	return vision.New(client, vision.Config{
		MaxConcurrent:  cfg.MaxConcurrentDescriptions,
		MaxRetries:     cfg.DescriptionMaxRetries,
		RetryDelay:     cfg.DescriptionRetryDelay,
		CallsPerSecond: cfg.DescriptionCallsPerSecond,
	}, log)
}
