package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiConfig configures the hosted Gemini backend.
type GeminiConfig struct {
	APIKey string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string
}

// GeminiEngine serves chat requests through the Gemini API.
type GeminiEngine struct {
	client *genai.Client
}

func NewGeminiEngine(ctx context.Context, cfg GeminiConfig) (*GeminiEngine, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiEngine{client: client}, nil
}

func (e *GeminiEngine) Name() string { return BackendGemini }

func (e *GeminiEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (Reply, error) {
	cfg := &genai.GenerateContentConfig{
		CandidateCount: 1,
		Temperature:    genai.Ptr[float32](0),
	}
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if jsonSchema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toGenaiSchema(jsonSchema)
	}

	resp, err := e.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return Reply{}, classifyGeminiErr(err)
	}

	reply := Reply{Content: resp.Text()}
	if u := resp.UsageMetadata; u != nil {
		reply.InputTokens = int(u.PromptTokenCount)
		reply.OutputTokens = int(u.CandidatesTokenCount)
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		return reply, fmt.Errorf("%s: %w", BackendGemini, ErrTruncated)
	}
	return reply, nil
}

func classifyGeminiErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Backend: BackendGemini, Code: apiErr.Code, Err: err}
	}
	return err
}

func toGenaiSchema(s *Schema) *genai.Schema {
	out := &genai.Schema{
		Type:       genaiType(s.Type),
		Required:   s.Required,
		Properties: make(map[string]*genai.Schema, len(s.Properties)),
	}
	for k, v := range s.Properties {
		out.Properties[k] = toGenaiProperty(v)
	}
	return out
}

func toGenaiProperty(p SchemaProperty) *genai.Schema {
	out := &genai.Schema{
		Type:        genaiType(p.Type),
		Description: p.Description,
		Enum:        p.Enum,
	}
	if p.Items != nil {
		out.Items = toGenaiProperty(*p.Items)
	}
	return out
}

func genaiType(t string) genai.Type {
	switch t {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

// IsRunning lists a single model as a reachability and credentials check.
func (e *GeminiEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	return err == nil
}

// ListModels returns the first page of models visible to the API key.
func (e *GeminiEngine) ListModels(ctx context.Context) ([]string, error) {
	page, err := e.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 100})
	if err != nil {
		return nil, classifyGeminiErr(err)
	}
	names := make([]string, 0, len(page.Items))
	for _, m := range page.Items {
		names = append(names, strings.TrimPrefix(m.Name, "models/"))
	}
	return names, nil
}

func (e *GeminiEngine) HasModel(ctx context.Context, name string) bool {
	_, err := e.client.Models.Get(ctx, name, nil)
	return err == nil
}

// PullModel is not available for hosted models.
func (e *GeminiEngine) PullModel(_ context.Context, name string, _ func(PullProgress)) error {
	return fmt.Errorf("model %s: %w", name, ErrPullUnsupported)
}
