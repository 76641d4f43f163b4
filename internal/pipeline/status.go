package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/inciq/internal/storage"
)

// RunSummary is the reporting view of a pipeline run.
type RunSummary struct {
	ID           string          `json:"id"`
	Phase        string          `json:"phase"`
	Source       string          `json:"source,omitempty"`
	Status       string          `json:"status"`
	Scraped      int             `json:"scraped"`
	Created      int             `json:"created"`
	Processed    int             `json:"processed"`
	Linked       int             `json:"linked"`
	Skipped      int             `json:"skipped"`
	Failed       int             `json:"failed"`
	Duplicates   int             `json:"duplicates"`
	Calls        int             `json:"calls"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CostUSD      float64         `json:"cost_usd"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

func summarize(r storage.PipelineRun) RunSummary {
	s := RunSummary{
		ID: r.ID, Phase: r.Phase, Source: r.Source, Status: r.Status,
		Scraped: r.Scraped, Created: r.Created, Processed: r.Processed, Linked: r.Linked,
		Skipped: r.Skipped, Failed: r.Failed, Duplicates: r.Duplicates,
		Calls: r.Calls, InputTokens: r.InputTokens, OutputTokens: r.OutputTokens, CostUSD: r.CostUSD,
		Error: r.Error, StartedAt: r.StartedAt,
	}
	if json.Valid([]byte(r.Metadata)) {
		s.Metadata = json.RawMessage(r.Metadata)
	}
	if !r.FinishedAt.IsZero() {
		f := r.FinishedAt
		s.FinishedAt = &f
	}
	return s
}

// Status is a snapshot of pipeline backlogs and recent activity.
type Status struct {
	Staged            map[string]int `json:"staged"`
	PermanentFailures int            `json:"permanent_failures"`
	Products          int            `json:"products"`
	Ingredients       int            `json:"ingredients"`
	LinkBacklog       int            `json:"link_backlog"`
	RecentRuns        []RunSummary   `json:"recent_runs"`
}

// Status reports counts by state and the latest runs, newest first.
func (r *Runner) Status(recent int) (Status, error) {
	var st Status
	var err error
	if st.Staged, err = r.store.CountStagedByStatus(); err != nil {
		return st, fmt.Errorf("counting staged rows: %w", err)
	}
	if st.PermanentFailures, err = r.store.CountPermanentFailures(); err != nil {
		return st, fmt.Errorf("counting permanent failures: %w", err)
	}
	if st.Products, err = r.store.CountProducts(); err != nil {
		return st, fmt.Errorf("counting products: %w", err)
	}
	if st.Ingredients, err = r.store.CountIngredients(); err != nil {
		return st, fmt.Errorf("counting ingredients: %w", err)
	}
	if st.LinkBacklog, err = r.store.CountProductsAwaitingLinks(); err != nil {
		return st, fmt.Errorf("counting link backlog: %w", err)
	}
	if recent > 0 {
		runs, err := r.store.RecentRuns(recent)
		if err != nil {
			return st, fmt.Errorf("listing runs: %w", err)
		}
		for _, run := range runs {
			st.RecentRuns = append(st.RecentRuns, summarize(run))
		}
	}
	if st.RecentRuns == nil {
		st.RecentRuns = []RunSummary{}
	}
	return st, nil
}
