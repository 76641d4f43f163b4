package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	API        APIConfig
	Storage    StorageConfig
	Log        LogConfig
	Extraction ExtractionConfig
	Ollama     OllamaConfig
	Gemini     GeminiConfig
	OpenRouter OpenRouterConfig
	Pipeline   PipelineConfig
	Linker     LinkerConfig
	Sources    SourcesConfig
}

type ServerConfig struct {
	Port int
}

type APIConfig struct {
	Secret string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
	// Format is "text" or "json".
	Format string
}

// ExtractionConfig configures calls to the model backend. Durations are
// strings in time.ParseDuration syntax.
type ExtractionConfig struct {
	Backend          string
	ExtractModel     string
	EnrichModel      string
	CallTimeout      string
	MaxRetries       int
	RatePerSecond    float64
	InitialBackoff   string
	InputPricePer1K  float64
	OutputPricePer1K float64
}

type OllamaConfig struct {
	BaseURL string
}

type GeminiConfig struct {
	APIKey  string
	BaseURL string
}

// OpenRouterConfig selects an OpenAI-compatible endpoint. An empty BaseURL
// means OpenRouter itself.
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
}

type PipelineConfig struct {
	Budget               string
	SafetyMargin         string
	ExtractBatch         int
	CombinedExtractBatch int
	LinkBatch            int
	MaxAttempts          int
	Concurrency          int
	StaleAfter           string
	ScheduleInterval     string
	ScanInterval         string
	ScanConcurrency      int
}

type LinkerConfig struct {
	FuzzyMaxDistance   int
	FuzzyMinLength     int
	MaxEnrichmentCalls int
}

type SourcesConfig struct {
	File string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Extraction: ExtractionConfig{
			Backend:        "",
			ExtractModel:   "qwen2.5:7b",
			EnrichModel:    "qwen2.5:7b",
			CallTimeout:    "30s",
			MaxRetries:     2,
			RatePerSecond:  2,
			InitialBackoff: "500ms",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Pipeline: PipelineConfig{
			Budget:               "60s",
			SafetyMargin:         "15s",
			ExtractBatch:         50,
			CombinedExtractBatch: 10,
			LinkBatch:            50,
			MaxAttempts:          3,
			Concurrency:          2,
			StaleAfter:           "15m",
			ScheduleInterval:     "5m",
			ScanInterval:         "",
			ScanConcurrency:      4,
		},
		Linker: LinkerConfig{
			FuzzyMaxDistance:   2,
			FuzzyMinLength:     6,
			MaxEnrichmentCalls: 20,
		},
	}
}

// Load reads configuration from the JSON config file, environment
// variables and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/inciq/config.json unless
// INCIQ_CONFIG names another path. Environment variables (INCIQ_*) override
// file values. Secrets (api.secret, gemini.api_key, openrouter.api_key)
// come from the environment or, failing that, from the 0600 secrets file.
func Load() (Config, error) {
	file, err := openJSONFile(configFilePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v. Using default values.\n", err)
	}
	secrets, err := openJSONFile(secretsFilePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v. Secrets not loaded.\n", err)
	}
	return loadWith(file, secrets)
}

// secretSource looks up a secret by account name.
type secretSource interface {
	lookup(account string) (string, bool)
}

func loadWith(file *jsonFile, secrets secretSource) (Config, error) {
	cfg := defaults()
	if err := applyFile(&cfg, file); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	// Environment wins; the secrets file fills what is still empty.
	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, ok := secrets.lookup(s.account); ok && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks durations, ranges and backend-specific requirements.
func (c Config) Validate() error {
	var errs []error
	for _, d := range []struct{ key, val string }{
		{"extraction.call_timeout", c.Extraction.CallTimeout},
		{"extraction.initial_backoff", c.Extraction.InitialBackoff},
		{"pipeline.budget", c.Pipeline.Budget},
		{"pipeline.safety_margin", c.Pipeline.SafetyMargin},
		{"pipeline.stale_after", c.Pipeline.StaleAfter},
		{"pipeline.schedule_interval", c.Pipeline.ScheduleInterval},
		{"pipeline.scan_interval", c.Pipeline.ScanInterval},
	} {
		if d.val == "" {
			continue
		}
		if v, err := time.ParseDuration(d.val); err != nil || v < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", d.key, d.val))
		}
	}

	if budget, margin := duration(c.Pipeline.Budget), duration(c.Pipeline.SafetyMargin); budget > 0 && margin >= budget {
		errs = append(errs, fmt.Errorf("pipeline.safety_margin %s must be shorter than pipeline.budget %s", c.Pipeline.SafetyMargin, c.Pipeline.Budget))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q (want text or json)", c.Log.Format))
	}

	switch strings.ToLower(c.Extraction.Backend) {
	case "", "ollama":
	case "gemini":
		if c.Gemini.APIKey == "" {
			errs = append(errs, errors.New("missing required config: Gemini API key. "+
				"Set it via environment variable INCIQ_GEMINI_API_KEY or `inciq config set-secret gemini.api_key`"))
		}
	case "openrouter":
		if c.OpenRouter.APIKey == "" {
			errs = append(errs, errors.New("missing required config: OpenRouter API key. "+
				"Set it via environment variable INCIQ_OPENROUTER_API_KEY or `inciq config set-secret openrouter.api_key`"))
		}
	default:
		errs = append(errs, fmt.Errorf("extraction.backend: unknown backend %q (want ollama, gemini or openrouter)", c.Extraction.Backend))
	}
	return errors.Join(errs...)
}

func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (e ExtractionConfig) CallTimeoutDuration() time.Duration    { return duration(e.CallTimeout) }
func (e ExtractionConfig) InitialBackoffDuration() time.Duration { return duration(e.InitialBackoff) }

func (p PipelineConfig) BudgetDuration() time.Duration           { return duration(p.Budget) }
func (p PipelineConfig) SafetyMarginDuration() time.Duration     { return duration(p.SafetyMargin) }
func (p PipelineConfig) StaleAfterDuration() time.Duration       { return duration(p.StaleAfter) }
func (p PipelineConfig) ScheduleIntervalDuration() time.Duration { return duration(p.ScheduleInterval) }
func (p PipelineConfig) ScanIntervalDuration() time.Duration     { return duration(p.ScanInterval) }
