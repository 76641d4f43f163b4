package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestGemini(t *testing.T, h http.HandlerFunc) *GeminiEngine {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	e, err := NewGeminiEngine(context.Background(), GeminiConfig{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewGeminiEngine: %v", err)
	}
	return e
}

func TestGeminiEngine_Chat(t *testing.T) {
	var body map[string]any
	e := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": `{"name":"Cica Balm"}`}},
				},
			}},
			"usageMetadata": map[string]any{"promptTokenCount": 120, "candidatesTokenCount": 18},
		})
	})

	reply, err := e.Chat(context.Background(), "gemini-2.5-flash", []Message{
		{Role: "system", Content: "extract"},
		{Role: "user", Content: "listing"},
	}, &Schema{
		Type:       "object",
		Properties: map[string]SchemaProperty{"name": {Type: "string"}},
		Required:   []string{"name"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.Content != `{"name":"Cica Balm"}` {
		t.Errorf("content = %q", reply.Content)
	}
	if reply.InputTokens != 120 || reply.OutputTokens != 18 {
		t.Errorf("tokens = %d/%d, want 120/18", reply.InputTokens, reply.OutputTokens)
	}
	if _, ok := body["systemInstruction"]; !ok {
		t.Error("system message was not sent as systemInstruction")
	}
}

func TestGeminiEngine_ChatStatusError(t *testing.T) {
	e := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`))
	})

	_, err := e.Chat(context.Background(), "gemini-2.5-flash", []Message{{Role: "user", Content: "hi"}}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != 503 || !se.Retryable() {
		t.Errorf("status = %d retryable = %v, want 503 true", se.Code, se.Retryable())
	}
}

func TestGeminiEngine_PullUnsupported(t *testing.T) {
	e := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {})
	if err := e.PullModel(context.Background(), "gemini-2.5-flash", nil); !errors.Is(err, ErrPullUnsupported) {
		t.Errorf("err = %v, want ErrPullUnsupported", err)
	}
}

func TestToGenaiSchema(t *testing.T) {
	s := toGenaiSchema(&Schema{
		Type: "object",
		Properties: map[string]SchemaProperty{
			"price":    {Type: "number"},
			"category": {Type: "string", Enum: []string{"serum"}},
			"tags":     {Type: "array", Items: &SchemaProperty{Type: "string"}},
		},
	})
	if s.Properties["tags"].Items == nil {
		t.Fatal("array items were dropped")
	}
	if len(s.Properties["category"].Enum) != 1 {
		t.Error("enum was dropped")
	}
}
