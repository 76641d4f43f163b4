package engine

import (
	"context"
	"fmt"
	"strings"
)

// Backend names accepted by Detect.
const (
	BackendOllama     = "ollama"
	BackendGemini     = "gemini"
	BackendOpenRouter = "openrouter"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend       string
	OllamaBaseURL string
	GeminiAPIKey  string
	GeminiBaseURL string

	OpenRouterAPIKey  string
	OpenRouterBaseURL string
}

// Detect returns the configured backend. An empty backend name selects Ollama.
func Detect(ctx context.Context, cfg DetectConfig) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case BackendGemini:
		return NewGeminiEngine(ctx, GeminiConfig{APIKey: cfg.GeminiAPIKey, BaseURL: cfg.GeminiBaseURL})
	case BackendOpenRouter:
		return NewOpenRouterEngine(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL)
	default:
		return nil, fmt.Errorf("unknown extraction backend %q", cfg.Backend)
	}
}
