package main

import (
	"context"
	"fmt"

	"github.com/kalambet/inciq/internal/config"
	"github.com/kalambet/inciq/internal/engine"
	"github.com/kalambet/inciq/internal/extract"
	"github.com/kalambet/inciq/internal/inci"
	"github.com/kalambet/inciq/internal/pipeline"
	"github.com/kalambet/inciq/internal/source"
	"github.com/kalambet/inciq/internal/storage"
)

// buildRunner assembles the extraction client, processor, linker and source
// scanner over an open store. The scanner is omitted when no sources file
// is configured.
func buildRunner(cfg config.Config, eng engine.Engine, store *storage.Store) (*pipeline.Runner, error) {
	client := extract.NewClient(eng, extract.Config{
		ExtractModel:   cfg.Extraction.ExtractModel,
		EnrichModel:    cfg.Extraction.EnrichModel,
		CallTimeout:    cfg.Extraction.CallTimeoutDuration(),
		MaxRetries:     cfg.Extraction.MaxRetries,
		RatePerSecond:  cfg.Extraction.RatePerSecond,
		InitialBackoff: cfg.Extraction.InitialBackoffDuration(),
		Pricing: extract.Pricing{
			InputPer1K:  cfg.Extraction.InputPricePer1K,
			OutputPer1K: cfg.Extraction.OutputPricePer1K,
		},
	})

	processor := pipeline.NewProcessor(store, client, pipeline.ProcessorConfig{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Concurrency: cfg.Pipeline.Concurrency,
	})
	linker := pipeline.NewLinker(store, client, pipeline.LinkerConfig{
		Match: inci.MatchOptions{
			MaxDistance: cfg.Linker.FuzzyMaxDistance,
			MinLength:   cfg.Linker.FuzzyMinLength,
		},
		MaxEnrichmentCalls: cfg.Linker.MaxEnrichmentCalls,
	})

	var scanner pipeline.Scanner
	if cfg.Sources.File != "" {
		registry, err := source.LoadRegistry(cfg.Sources.File)
		if err != nil {
			return nil, fmt.Errorf("loading sources: %w", err)
		}
		scanner = source.NewScanner(store, registry, cfg.Pipeline.ScanConcurrency)
	}

	return pipeline.NewRunner(store, processor, linker, scanner, pipeline.RunnerConfig{
		Budget:               cfg.Pipeline.BudgetDuration(),
		SafetyMargin:         cfg.Pipeline.SafetyMarginDuration(),
		ExtractBatch:         cfg.Pipeline.ExtractBatch,
		CombinedExtractBatch: cfg.Pipeline.CombinedExtractBatch,
		LinkBatch:            cfg.Pipeline.LinkBatch,
		StaleAfter:           cfg.Pipeline.StaleAfterDuration(),
	}), nil
}

func detectEngine(ctx context.Context, cfg config.Config) (engine.Engine, error) {
	return engine.Detect(ctx, engine.DetectConfig{
		Backend:       cfg.Extraction.Backend,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		GeminiAPIKey:  cfg.Gemini.APIKey,
		GeminiBaseURL: cfg.Gemini.BaseURL,

		OpenRouterAPIKey:  cfg.OpenRouter.APIKey,
		OpenRouterBaseURL: cfg.OpenRouter.BaseURL,
	})
}
