package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/inciq/internal/extract"
	"github.com/kalambet/inciq/internal/pipeline"
	"github.com/kalambet/inciq/internal/storage"
)

const testSecret = "test-secret-12345"

type rejectingService struct {
	reject string
}

func (s rejectingService) Extract(_ context.Context, l extract.Listing) (extract.Extraction, extract.Usage, error) {
	if l.Title == s.reject {
		return extract.Extraction{}, extract.Usage{Calls: 1}, errors.New("extraction service rejected record")
	}
	return extract.Extraction{Name: l.Title, Brand: l.Brand, Ingredients: l.Ingredients}, extract.Usage{Calls: 1, CostUSD: 0.001}, nil
}

func setupHandler(t *testing.T, secret string) (http.Handler, *storage.Store, *pipeline.Runner) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	runner := pipeline.NewRunner(store,
		pipeline.NewProcessor(store, rejectingService{reject: "Rejected"}, pipeline.ProcessorConfig{}),
		pipeline.NewLinker(store, nil, pipeline.LinkerConfig{}),
		nil,
		pipeline.RunnerConfig{Budget: 10 * time.Second, SafetyMargin: time.Second},
	)
	return NewHandler(Deps{Runner: runner, Health: store, Secret: secret}), store, runner
}

func seedStaged(t *testing.T, store *storage.Store, titles ...string) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i, title := range titles {
		payload, _ := json.Marshal(map[string]string{"title": title, "brand": "Brand", "ingredients": "Aqua, Glycerin"})
		id := fmt.Sprintf("row-%d", i)
		if _, err := store.InsertStagedIfNew(storage.StagedProduct{
			ID: id, Source: "test", SourceID: id, Payload: string(payload),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("InsertStagedIfNew: %v", err)
		}
	}
}

func secretReq(method, url, secret string) *http.Request {
	req := httptest.NewRequest(method, url, nil)
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestAuth(t *testing.T) {
	h, _, _ := setupHandler(t, testSecret)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong secret", SecretHeader, "nope", http.StatusUnauthorized},
		{"secret header", SecretHeader, testSecret, http.StatusOK},
		{"bearer", "Authorization", "Bearer " + testSecret, http.StatusOK},
		{"bearer wrong", "Authorization", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/pipeline/status", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestAuth_UnconfiguredSecretRejects(t *testing.T) {
	h, _, _ := setupHandler(t, "")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/extract", "anything"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	h, _, _ := setupHandler(t, testSecret)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if body := decode[map[string]string](t, rr); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestExtract_ThreeRowScenario(t *testing.T) {
	h, store, _ := setupHandler(t, testSecret)
	seedStaged(t, store, "Serum", "Rejected", "Cream")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/extract?batch_size=3", testSecret))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	res := decode[pipeline.ExtractPhase](t, rr)
	if res.Processed != 2 || res.Failed != 1 || res.Duplicates != 0 || res.Remaining != 0 {
		t.Errorf("result = %+v, want {processed:2 failed:1 duplicates:0 remaining:0}", res)
	}
	if res.Cost.Calls != 3 || res.RunID == "" {
		t.Errorf("cost = %+v run = %q", res.Cost, res.RunID)
	}
	if n, _ := store.CountProducts(); n != 2 {
		t.Errorf("products = %d, want 2", n)
	}
}

func TestExtract_BatchSizeClamped(t *testing.T) {
	h, store, _ := setupHandler(t, testSecret)
	seedStaged(t, store, "A", "B", "C")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/extract?batch_size=0", testSecret))
	res := decode[pipeline.ExtractPhase](t, rr)
	if res.Processed != 1 || res.Remaining != 2 {
		t.Errorf("batch_size=0 result = %+v, want 1 processed", res)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/extract?batch_size=5000", testSecret))
	res = decode[pipeline.ExtractPhase](t, rr)
	if res.Processed != 2 || res.Remaining != 0 {
		t.Errorf("batch_size=5000 result = %+v", res)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/extract?batch_size=lots", testSecret))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("non-numeric batch_size status = %d, want 400", rr.Code)
	}
}

func TestExtract_Reprocess(t *testing.T) {
	h, store, _ := setupHandler(t, testSecret)
	seedStaged(t, store, "Rejected")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/extract", testSecret))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/extract?reprocess=true", testSecret))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	res := decode[pipeline.ExtractPhase](t, rr)
	if res.Failed != 1 || res.Cost.Calls != 1 {
		t.Errorf("reprocess = %+v, want the transient failure retried once", res)
	}
	row, _ := store.GetStaged("row-0")
	if row.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", row.Attempts)
	}
}

func TestLinkAndRun(t *testing.T) {
	h, store, _ := setupHandler(t, testSecret)
	seedStaged(t, store, "A", "B")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/run?extract_batch=1", testSecret))
	if rr.Code != http.StatusOK {
		t.Fatalf("run status = %d; body = %s", rr.Code, rr.Body.String())
	}
	combined := decode[pipeline.CombinedResult](t, rr)
	if combined.Extraction.Processed != 1 || combined.Extraction.Remaining != 1 || combined.Linking.ProductsLinked != 1 {
		t.Errorf("combined = %+v", combined)
	}

	h.ServeHTTP(httptest.NewRecorder(), secretReq(http.MethodPost, "/pipeline/extract", testSecret))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/link", testSecret))
	link := decode[pipeline.LinkPhase](t, rr)
	if link.ProductsLinked != 1 || link.IngredientsMatched != 2 || link.Remaining != 0 {
		t.Errorf("link = %+v", link)
	}
}

func TestRecover(t *testing.T) {
	h, store, _ := setupHandler(t, testSecret)
	seedStaged(t, store, "A")
	store.ClaimPending(1, "dead-run")
	time.Sleep(5 * time.Millisecond)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/recover?older_than=1ms", testSecret))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if res := decode[pipeline.RecoverResult](t, rr); res.Released != 1 {
		t.Errorf("released = %d, want 1", res.Released)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/recover?older_than=soon", testSecret))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad duration status = %d, want 400", rr.Code)
	}
}

func TestScan_NoSources(t *testing.T) {
	h, _, _ := setupHandler(t, testSecret)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/scan", testSecret))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	body := decode[map[string]map[string]string](t, rr)
	if body["error"]["type"] != "not_found" {
		t.Errorf("error envelope = %v", body)
	}
}

func TestStatus(t *testing.T) {
	h, store, _ := setupHandler(t, testSecret)
	seedStaged(t, store, "A", "Rejected")
	h.ServeHTTP(httptest.NewRecorder(), secretReq(http.MethodPost, "/pipeline/extract", testSecret))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodGet, "/pipeline/status?runs=1", testSecret))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	st := decode[pipeline.Status](t, rr)
	if st.Staged[storage.StatusProcessed] != 1 || st.Staged[storage.StatusFailed] != 1 {
		t.Errorf("staged = %v", st.Staged)
	}
	if st.LinkBacklog != 1 || len(st.RecentRuns) != 1 || st.RecentRuns[0].Phase != pipeline.PhaseExtract {
		t.Errorf("status = %+v", st)
	}
}

func TestStorageFailureReturnsEnvelope(t *testing.T) {
	h, store, _ := setupHandler(t, testSecret)
	store.Close()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/extract", testSecret))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	body := decode[map[string]map[string]string](t, rr)
	if body["error"]["type"] != "api_error" || body["error"]["message"] == "" {
		t.Errorf("envelope = %v", body)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503", rr.Code)
	}
}

// failingRunner fails the combined run after skipping the link phase.
type failingRunner struct {
	PipelineRunner
}

func (failingRunner) RunCombined(context.Context, pipeline.CombinedOptions) (pipeline.CombinedResult, error) {
	res := pipeline.CombinedResult{
		ExtractionError: "claiming rows: database is locked",
		LinkSkipped:     true,
		SkipReason:      "1s of budget left, linking needs at least 15s",
		ElapsedMS:       59000,
	}
	res.Linking.Remaining = 7
	return res, errors.New("claiming rows: database is locked")
}

func TestRun_FailureKeepsPartialResult(t *testing.T) {
	h := NewHandler(Deps{Runner: failingRunner{}, Secret: testSecret})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, secretReq(http.MethodPost, "/pipeline/run", testSecret))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var body struct {
		pipeline.CombinedResult
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error.Type != "api_error" || body.Error.Message == "" {
		t.Errorf("error envelope = %+v", body.Error)
	}
	if !body.LinkSkipped || body.SkipReason == "" || body.Linking.Remaining != 7 || body.ElapsedMS != 59000 {
		t.Errorf("partial result = %+v, want skip reason and backlog of 7", body.CombinedResult)
	}
}
