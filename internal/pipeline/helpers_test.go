package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/inciq/internal/extract"
	"github.com/kalambet/inciq/internal/storage"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type listingFields struct {
	Title       string `json:"title,omitempty"`
	Brand       string `json:"brand,omitempty"`
	Ingredients string `json:"ingredients,omitempty"`
}

// seed stages one pending row per listing, one millisecond apart so that
// claim order follows slice order.
func seed(t *testing.T, s *storage.Store, listings ...listingFields) []string {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	ids := make([]string, len(listings))
	for i, l := range listings {
		payload, _ := json.Marshal(l)
		id := "staged-" + string(rune('a'+i))
		ok, err := s.InsertStagedIfNew(storage.StagedProduct{
			ID:        id,
			Source:    "test",
			SourceID:  id,
			Payload:   string(payload),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil || !ok {
			t.Fatalf("seeding %s: inserted=%v err=%v", id, ok, err)
		}
		ids[i] = id
	}
	return ids
}

// stubService implements extract.Service with a replaceable function.
type stubService struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, l extract.Listing) (extract.Extraction, extract.Usage, error)
}

func (s *stubService) Extract(ctx context.Context, l extract.Listing) (extract.Extraction, extract.Usage, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, l)
	}
	return echoExtraction(l), extract.Usage{Calls: 1, InputTokens: 100, OutputTokens: 20, CostUSD: 0.01}, nil
}

func (s *stubService) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func echoExtraction(l extract.Listing) extract.Extraction {
	return extract.Extraction{Name: l.Title, Brand: l.Brand, Category: "serum", Ingredients: l.Ingredients}
}

// stubEnricher implements extract.Enricher.
type stubEnricher struct {
	calls int
	err   error
}

func (e *stubEnricher) Enrich(_ context.Context, name string) (extract.IngredientInfo, extract.Usage, error) {
	e.calls++
	if e.err != nil {
		return extract.IngredientInfo{}, extract.Usage{Calls: 1}, e.err
	}
	return extract.IngredientInfo{
		INCIName:    name,
		Functions:   []string{"humectant"},
		SafetyLevel: "low",
	}, extract.Usage{Calls: 1, InputTokens: 10, OutputTokens: 10}, nil
}

func emptyResult(r ExtractResult) bool {
	return r.Processed == 0 && r.Failed == 0 && r.Duplicates == 0 && r.Released == 0 && r.Cost.Calls == 0
}
