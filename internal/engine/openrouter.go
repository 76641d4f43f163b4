package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/kalambet/inciq/internal/proxy"
)

// OpenRouterEngine serves chat requests through an OpenAI-compatible API.
type OpenRouterEngine struct {
	client *proxy.Client
}

// NewOpenRouterEngine creates an engine for OpenRouter, or for any
// OpenAI-compatible endpoint when baseURL is set.
func NewOpenRouterEngine(apiKey, baseURL string) (*OpenRouterEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter api key is required")
	}
	return &OpenRouterEngine{client: proxy.NewClient(apiKey, baseURL)}, nil
}

func (e *OpenRouterEngine) Name() string { return BackendOpenRouter }

func (e *OpenRouterEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (Reply, error) {
	temp := 0.0
	req := proxy.ChatRequest{
		Model:       model,
		Messages:    make([]proxy.Message, len(messages)),
		Temperature: &temp,
	}
	for i, m := range messages {
		req.Messages[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}
	if jsonSchema != nil {
		raw, err := json.Marshal(jsonSchema)
		if err != nil {
			return Reply{}, fmt.Errorf("encoding schema: %w", err)
		}
		req.ResponseFormat = &proxy.ResponseFormat{
			Type:       "json_schema",
			JSONSchema: &proxy.JSONSchema{Name: "response", Schema: raw},
		}
	}

	resp, err := e.client.Chat(ctx, req)
	if err != nil {
		var se *proxy.StatusError
		if errors.As(err, &se) {
			return Reply{}, &StatusError{Backend: BackendOpenRouter, Code: se.Code, Err: err}
		}
		return Reply{}, err
	}
	reply := Reply{
		Content:      resp.Content(),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if resp.Choices[0].FinishReason == "length" {
		return reply, fmt.Errorf("%s: %w", BackendOpenRouter, ErrTruncated)
	}
	return reply, nil
}

func (e *OpenRouterEngine) IsRunning(ctx context.Context) bool {
	_, err := e.client.ListModels(ctx)
	return err == nil
}

func (e *OpenRouterEngine) ListModels(ctx context.Context) ([]string, error) {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.ID
	}
	return names, nil
}

func (e *OpenRouterEngine) HasModel(ctx context.Context, name string) bool {
	names, err := e.ListModels(ctx)
	return err == nil && slices.Contains(names, name)
}

func (e *OpenRouterEngine) PullModel(context.Context, string, func(PullProgress)) error {
	return ErrPullUnsupported
}
