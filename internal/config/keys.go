package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "boolean"
	case kFloat:
		return "number"
	}
	return "string"
}

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// account names a secret in the secrets file.
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "INCIQ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "api.secret", typ: kString, env: "INCIQ_API_SECRET",
		secret: true, account: "api_secret",
		apply:   func(cfg *Config, v any) { cfg.API.Secret = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Secret },
	},
	{
		key: "storage.data_dir", typ: kString, env: "INCIQ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "INCIQ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "INCIQ_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "extraction.backend", typ: kString, env: "INCIQ_EXTRACTION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Extraction.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.Backend },
	},
	{
		key: "extraction.extract_model", typ: kString, env: "INCIQ_EXTRACTION_EXTRACT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Extraction.ExtractModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.ExtractModel },
	},
	{
		key: "extraction.enrich_model", typ: kString, env: "INCIQ_EXTRACTION_ENRICH_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Extraction.EnrichModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.EnrichModel },
	},
	{
		key: "extraction.call_timeout", typ: kString, env: "INCIQ_EXTRACTION_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Extraction.CallTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.CallTimeout },
	},
	{
		key: "extraction.max_retries", typ: kInt, env: "INCIQ_EXTRACTION_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Extraction.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Extraction.MaxRetries },
	},
	{
		key: "extraction.rate_per_second", typ: kFloat, env: "INCIQ_EXTRACTION_RATE_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Extraction.RatePerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Extraction.RatePerSecond },
	},
	{
		key: "extraction.initial_backoff", typ: kString, env: "INCIQ_EXTRACTION_INITIAL_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Extraction.InitialBackoff = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.InitialBackoff },
	},
	{
		key: "extraction.input_price_per_1k", typ: kFloat, env: "INCIQ_EXTRACTION_INPUT_PRICE_PER_1K",
		apply:   func(cfg *Config, v any) { cfg.Extraction.InputPricePer1K = v.(float64) },
		extract: func(cfg Config) any { return cfg.Extraction.InputPricePer1K },
	},
	{
		key: "extraction.output_price_per_1k", typ: kFloat, env: "INCIQ_EXTRACTION_OUTPUT_PRICE_PER_1K",
		apply:   func(cfg *Config, v any) { cfg.Extraction.OutputPricePer1K = v.(float64) },
		extract: func(cfg Config) any { return cfg.Extraction.OutputPricePer1K },
	},
	{
		key: "ollama.base_url", typ: kString, env: "INCIQ_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "gemini.api_key", typ: kString, env: "INCIQ_GEMINI_API_KEY",
		secret: true, account: "gemini_api_key",
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.base_url", typ: kString, env: "INCIQ_GEMINI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.BaseURL },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "INCIQ_OPENROUTER_API_KEY",
		secret: true, account: "openrouter_api_key",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "openrouter.base_url", typ: kString, env: "INCIQ_OPENROUTER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.BaseURL },
	},
	{
		key: "pipeline.budget", typ: kString, env: "INCIQ_PIPELINE_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Budget = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Budget },
	},
	{
		key: "pipeline.safety_margin", typ: kString, env: "INCIQ_PIPELINE_SAFETY_MARGIN",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.SafetyMargin = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.SafetyMargin },
	},
	{
		key: "pipeline.extract_batch", typ: kInt, env: "INCIQ_PIPELINE_EXTRACT_BATCH",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ExtractBatch = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.ExtractBatch },
	},
	{
		key: "pipeline.combined_extract_batch", typ: kInt, env: "INCIQ_PIPELINE_COMBINED_EXTRACT_BATCH",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.CombinedExtractBatch = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.CombinedExtractBatch },
	},
	{
		key: "pipeline.link_batch", typ: kInt, env: "INCIQ_PIPELINE_LINK_BATCH",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.LinkBatch = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.LinkBatch },
	},
	{
		key: "pipeline.max_attempts", typ: kInt, env: "INCIQ_PIPELINE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxAttempts },
	},
	{
		key: "pipeline.concurrency", typ: kInt, env: "INCIQ_PIPELINE_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Concurrency },
	},
	{
		key: "pipeline.stale_after", typ: kString, env: "INCIQ_PIPELINE_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StaleAfter = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.StaleAfter },
	},
	{
		key: "pipeline.schedule_interval", typ: kString, env: "INCIQ_PIPELINE_SCHEDULE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ScheduleInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.ScheduleInterval },
	},
	{
		key: "pipeline.scan_interval", typ: kString, env: "INCIQ_PIPELINE_SCAN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ScanInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.ScanInterval },
	},
	{
		key: "pipeline.scan_concurrency", typ: kInt, env: "INCIQ_PIPELINE_SCAN_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ScanConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.ScanConcurrency },
	},
	{
		key: "linker.fuzzy_max_distance", typ: kInt, env: "INCIQ_LINKER_FUZZY_MAX_DISTANCE",
		apply:   func(cfg *Config, v any) { cfg.Linker.FuzzyMaxDistance = v.(int) },
		extract: func(cfg Config) any { return cfg.Linker.FuzzyMaxDistance },
	},
	{
		key: "linker.fuzzy_min_length", typ: kInt, env: "INCIQ_LINKER_FUZZY_MIN_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Linker.FuzzyMinLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Linker.FuzzyMinLength },
	},
	{
		key: "linker.max_enrichment_calls", typ: kInt, env: "INCIQ_LINKER_MAX_ENRICHMENT_CALLS",
		apply:   func(cfg *Config, v any) { cfg.Linker.MaxEnrichmentCalls = v.(int) },
		extract: func(cfg Config) any { return cfg.Linker.MaxEnrichmentCalls },
	},
	{
		key: "sources.file", typ: kString, env: "INCIQ_SOURCES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Sources.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.File },
	},
}

// parse converts raw text into the value type apply expects.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		return i, err
	case kBool:
		b, err := strconv.ParseBool(raw)
		return b, err
	case kFloat:
		f, err := strconv.ParseFloat(raw, 64)
		return f, err
	}
	return raw, nil
}

// applyFile copies non-secret keys present in the config file into cfg.
func applyFile(cfg *Config, f *jsonFile) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := f.lookup(s.key)
		if !ok {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("config %s: want %s, got %q", s.key, s.typ, raw)
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides applies INCIQ_* variables. Unparsable values are
// reported and skipped.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring %s=%q: want %s\n", s.env, raw, s.typ)
			continue
		}
		s.apply(cfg, v)
	}
}
