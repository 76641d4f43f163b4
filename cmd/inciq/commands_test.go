package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/inciq/internal/config"
	"github.com/kalambet/inciq/internal/engine"
	"github.com/kalambet/inciq/internal/extract"
	"github.com/kalambet/inciq/internal/pipeline"
	"github.com/kalambet/inciq/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestTriggerRemote_Extract(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /pipeline/extract": `{"run_id":"run-1","processed":3,"failed":1}`,
	})

	res, err := triggerRemote(ctx, ts.client(), "/pipeline/extract", map[string]string{
		"batch_size": "5",
		"reprocess":  "",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var phase pipeline.ExtractPhase
	if err := json.Unmarshal(res, &phase); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if phase.RunID != "run-1" || phase.Processed != 3 || phase.Failed != 1 {
		t.Errorf("phase = %+v", phase)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Path != "/pipeline/extract?batch_size=5" {
		t.Errorf("path = %q, want /pipeline/extract?batch_size=5", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.Body != "" {
		t.Errorf("body = %q, want empty", r.Body)
	}
}

func TestTriggerRemote_ErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid pipeline secret","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "bad", httpClient: ts.Client()}
	_, err := triggerRemote(ctx, client, "/pipeline/run", nil)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	for _, want := range []string{"401", "authentication_error", "invalid pipeline secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to contain %q", err.Error(), want)
		}
	}
}

func TestDecodeJSON_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	resp, err := client.get(ctx, "/pipeline/status")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "bad gateway") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestAPIClient_UnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := &apiClient{baseURL: url, token: "t", httpClient: &http.Client{Timeout: time.Second}}
	_, err := client.post(ctx, "/pipeline/run")
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if !strings.Contains(err.Error(), "is inciq running") {
		t.Errorf("error = %q, want a hint to start the server", err.Error())
	}
}

func TestWithQuery(t *testing.T) {
	tests := []struct {
		params map[string]string
		want   string
	}{
		{nil, "/pipeline/run"},
		{map[string]string{"extract_batch": "", "link_batch": ""}, "/pipeline/run"},
		{map[string]string{"link_batch": "20", "extract_batch": "5"}, "/pipeline/run?extract_batch=5&link_batch=20"},
		{map[string]string{"source": "shop a"}, "/pipeline/run?source=shop+a"},
	}
	for _, tt := range tests {
		if got := withQuery("/pipeline/run", tt.params); got != tt.want {
			t.Errorf("withQuery(%v) = %q, want %q", tt.params, got, tt.want)
		}
	}
}

func TestItoa(t *testing.T) {
	if got := itoa(0); got != "" {
		t.Errorf("itoa(0) = %q, want empty", got)
	}
	if got := itoa(25); got != "25" {
		t.Errorf("itoa(25) = %q, want 25", got)
	}
}

func TestTrimNewline(t *testing.T) {
	if got := string(trimNewline([]byte("s3cret\r\n"))); got != "s3cret" {
		t.Errorf("trimNewline = %q, want s3cret", got)
	}
}

func TestFetchAndPrintStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /pipeline/status": `{
			"staged": {"pending": 4, "processed": 10, "failed": 2},
			"permanent_failures": 1,
			"products": 9,
			"ingredients": 31,
			"link_backlog": 3,
			"recent_runs": [{"id":"r1","phase":"extract","status":"completed","processed":5,"failed":1,"cost_usd":0.0125,"started_at":"2026-01-02T03:04:05Z"}]
		}`,
	})

	st, err := fetchStatus(ctx, ts.client(), 5)
	if err != nil {
		t.Fatalf("fetchStatus: %v", err)
	}
	if ts.requests[0].Path != "/pipeline/status?runs=5" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
	if st.Staged["pending"] != 4 || st.LinkBacklog != 3 || len(st.RecentRuns) != 1 {
		t.Errorf("status = %+v", st)
	}

	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var buf bytes.Buffer
	printPipelineStatus(&buf, st)
	out := buf.String()
	for _, want := range []string{"failed       2", "pending      4", "permanent    1", "to link      3", "extract", "cost=$0.0125"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "failed") > strings.Index(out, "pending") {
		t.Errorf("staged states not sorted:\n%s", out)
	}
}

func TestColorize_NoColor(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorRed, "x"); got != "x" {
		t.Errorf("colorize with noColor = %q, want x", got)
	}
	noColor = false
	if got := colorize(colorRed, "x"); got != colorRed+"x"+colorReset {
		t.Errorf("colorize = %q", got)
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(buf.String(), "inciq version "+version) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"start", "stop", "status", "scan", "extract", "link", "run", "recover", "config", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
	for _, c := range []string{"scan", "extract", "link", "run", "recover"} {
		cmd, _, _ := rootCmd.Find([]string{c})
		if cmd.Flags().Lookup("local") == nil {
			t.Errorf("%s has no --local flag", c)
		}
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.API.Secret = "hidden"

	found := false
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
		if k.Value == "hidden" {
			t.Errorf("secret shown under %s", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}

// scriptedEngine answers extraction prompts by echoing the listing and
// enrichment prompts with fixed reference data.
type scriptedEngine struct {
	mu    sync.Mutex
	calls map[string]int
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) Chat(_ context.Context, model string, messages []engine.Message, _ *engine.Schema) (engine.Reply, error) {
	e.mu.Lock()
	if e.calls == nil {
		e.calls = make(map[string]int)
	}
	e.calls[model]++
	e.mu.Unlock()

	user := messages[len(messages)-1].Content
	var content any
	switch model {
	case "extract-model":
		var l extract.Listing
		if err := json.Unmarshal([]byte(strings.TrimPrefix(user, "Listing:\n")), &l); err != nil {
			return engine.Reply{}, err
		}
		content = map[string]any{"name": l.Title, "brand": l.Brand, "category": "serum"}
	default:
		content = map[string]any{"inci_name": user, "functions": []string{"solvent"}, "safety_level": "low"}
	}
	data, _ := json.Marshal(content)
	return engine.Reply{Content: string(data), InputTokens: 100, OutputTokens: 10}, nil
}

func (e *scriptedEngine) IsRunning(context.Context) bool               { return true }
func (e *scriptedEngine) ListModels(context.Context) ([]string, error) { return nil, nil }
func (e *scriptedEngine) HasModel(context.Context, string) bool        { return true }
func (e *scriptedEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	var cfg config.Config
	cfg.Extraction.ExtractModel = "extract-model"
	cfg.Extraction.EnrichModel = "enrich-model"
	cfg.Extraction.CallTimeout = "5s"
	cfg.Extraction.InitialBackoff = "10ms"
	cfg.Extraction.InputPricePer1K = 0.1
	cfg.Pipeline.Budget = "10s"
	cfg.Pipeline.SafetyMargin = "1s"
	cfg.Pipeline.ExtractBatch = 10
	cfg.Pipeline.CombinedExtractBatch = 10
	cfg.Pipeline.LinkBatch = 10
	cfg.Pipeline.MaxAttempts = 3
	cfg.Pipeline.Concurrency = 2
	cfg.Pipeline.StaleAfter = "15m"
	cfg.Pipeline.ScanConcurrency = 2
	cfg.Linker.FuzzyMaxDistance = 2
	cfg.Linker.FuzzyMinLength = 6
	cfg.Linker.MaxEnrichmentCalls = 10
	return cfg
}

func TestBuildRunner_ScanExtractLink(t *testing.T) {
	dir := t.TempDir()
	listings := `[
		{"id": "a1", "title": "Hydra Serum", "brand": "Aqualis", "ingredients": "Aqua, Glycerin, Niacinamide"},
		{"id": "a2", "title": "Hydra Serum 50ml", "brand": "Aqualis", "ingredients": "Aqua, Glycerin"}
	]`
	if err := os.WriteFile(filepath.Join(dir, "listings.json"), []byte(listings), 0o644); err != nil {
		t.Fatal(err)
	}
	sources := "sources:\n  - name: shop\n    kind: file\n    path: listings.json\n"
	if err := os.WriteFile(filepath.Join(dir, "sources.yaml"), []byte(sources), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.Sources.File = filepath.Join(dir, "sources.yaml")

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	eng := &scriptedEngine{}
	runner, err := buildRunner(cfg, eng, store)
	if err != nil {
		t.Fatalf("buildRunner: %v", err)
	}
	if got := runner.Config().Budget; got != 10*time.Second {
		t.Errorf("budget = %v, want 10s", got)
	}

	phases, err := runner.RunScan(ctx, "", 0)
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if len(phases) != 1 || phases[0].NewProducts != 2 {
		t.Fatalf("scan phases = %+v", phases)
	}

	res, err := runner.RunCombined(ctx, pipeline.CombinedOptions{})
	if err != nil {
		t.Fatalf("RunCombined: %v", err)
	}
	if res.Extraction.Processed != 2 {
		t.Errorf("processed = %d, want 2", res.Extraction.Processed)
	}
	if res.LinkSkipped {
		t.Fatalf("linking skipped: %s", res.SkipReason)
	}
	if res.Linking.ProductsLinked != 2 {
		t.Errorf("products linked = %d, want 2", res.Linking.ProductsLinked)
	}
	if res.Linking.IngredientsCreated != 3 {
		t.Errorf("ingredients created = %d, want 3", res.Linking.IngredientsCreated)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.calls["extract-model"] != 2 {
		t.Errorf("extract calls = %d, want 2", eng.calls["extract-model"])
	}
	if eng.calls["enrich-model"] != 3 {
		t.Errorf("enrich calls = %d, want 3", eng.calls["enrich-model"])
	}
}

func TestBuildRunner_NoSources(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	runner, err := buildRunner(testConfig(t), &scriptedEngine{}, store)
	if err != nil {
		t.Fatalf("buildRunner: %v", err)
	}
	if _, err := runner.RunScan(ctx, "", 0); !errors.Is(err, pipeline.ErrNoSources) {
		t.Errorf("RunScan error = %v, want ErrNoSources", err)
	}
}

func TestBuildRunner_MissingSourcesFile(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	cfg := testConfig(t)
	cfg.Sources.File = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := buildRunner(cfg, &scriptedEngine{}, store); err == nil {
		t.Fatal("expected error for missing sources file")
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}
