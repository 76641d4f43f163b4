package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/inciq/internal/pipeline"
	"github.com/kalambet/inciq/internal/source"
)

const (
	minBatchSize = 1
	maxBatchSize = 200
	maxRunsShown = 100
)

// PipelineRunner is the orchestrator surface exposed over HTTP and MCP.
type PipelineRunner interface {
	RunScan(ctx context.Context, name string, maxPages int) ([]pipeline.ScanPhase, error)
	RunExtract(ctx context.Context, size int) (pipeline.ExtractPhase, error)
	RunReprocess(ctx context.Context, size int) (pipeline.ExtractPhase, error)
	RunLink(ctx context.Context, size int) (pipeline.LinkPhase, error)
	RunCombined(ctx context.Context, opts pipeline.CombinedOptions) (pipeline.CombinedResult, error)
	Recover(ctx context.Context, olderThan time.Duration) (pipeline.RecoverResult, error)
	Status(recent int) (pipeline.Status, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping() error
}

type Deps struct {
	Runner PipelineRunner
	Health Pinger // optional
	Secret string
}

// NewHandler returns the trigger API: unauthenticated /health and the
// secret-protected /pipeline routes.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Route("/pipeline", func(r chi.Router) {
		r.Use(SecretAuth(deps.Secret))
		r.Post("/scan", handleScan(deps))
		r.Post("/extract", handleExtract(deps))
		r.Post("/link", handleLink(deps))
		r.Post("/run", handleRun(deps))
		r.Post("/recover", handleRecover(deps))
		r.Get("/status", handleStatus(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Ping(); err != nil {
				httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleScan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxPages, err := intParam(r, "max_pages", 0, 0, 100)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		phases, err := deps.Runner.RunScan(r.Context(), r.URL.Query().Get("source"), maxPages)
		switch {
		case errors.Is(err, source.ErrUnknownSource), errors.Is(err, pipeline.ErrNoSources):
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		case err != nil && len(phases) == 0:
			httpError(w, http.StatusInternalServerError, "api_error", "scan failed: %v", err)
			return
		}
		if phases == nil {
			phases = []pipeline.ScanPhase{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"sources": phases})
	}
}

func handleExtract(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		size, err := batchSize(r, "batch_size")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		reprocess, err := boolParam(r, "reprocess")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		var res pipeline.ExtractPhase
		if reprocess {
			res, err = deps.Runner.RunReprocess(r.Context(), size)
		} else {
			res, err = deps.Runner.RunExtract(r.Context(), size)
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "extraction failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleLink(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		size, err := batchSize(r, "batch_size")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		res, err := deps.Runner.RunLink(r.Context(), size)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "linking failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var opts pipeline.CombinedOptions
		var err error
		if opts.ExtractBatch, err = batchSize(r, "extract_batch"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if opts.LinkBatch, err = batchSize(r, "link_batch"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		// A failure in one phase is carried in the result next to the other
		// phase's counts; an error here means neither phase completed. The
		// partial result (skip reason, link backlog) still goes out with it.
		res, err := deps.Runner.RunCombined(r.Context(), opts)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, struct {
				pipeline.CombinedResult
				Error errorBody `json:"error"`
			}{res, errorBody{Message: fmt.Sprintf("combined run failed: %v", err), Type: "api_error"}})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleRecover(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var olderThan time.Duration
		if v := r.URL.Query().Get("older_than"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "older_than must be a positive duration such as 15m")
				return
			}
			olderThan = d
		}
		res, err := deps.Runner.Recover(r.Context(), olderThan)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "recovery failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := intParam(r, "runs", 10, 0, maxRunsShown)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		st, err := deps.Runner.Status(runs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// batchSize reads an optional batch size clamped to [minBatchSize, maxBatchSize].
// Zero means the configured default.
func batchSize(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return min(max(n, minBatchSize), maxBatchSize), nil
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return min(max(n, lo), hi), nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", name)
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]errorBody{
		"error": {Message: fmt.Sprintf(format, args...), Type: errType},
	})
}
