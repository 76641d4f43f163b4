package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/inciq/internal/extract"
	"github.com/kalambet/inciq/internal/source"
	"github.com/kalambet/inciq/internal/storage"
)

// Phases recorded on pipeline runs.
const (
	PhaseScan      = "scan"
	PhaseExtract   = "extract"
	PhaseReprocess = "reprocess"
	PhaseLink      = "link"
	PhaseRecover   = "recover"
)

// ErrNoSources is returned by RunScan when no scanner is configured.
var ErrNoSources = errors.New("no sources configured")

// Scanner stages listings from configured sources.
type Scanner interface {
	Sources() []string
	Scan(ctx context.Context, name string, opts source.ScanOptions) (source.ScanResult, error)
}

type RunnerConfig struct {
	// Budget is the hard wall-clock limit of one invocation.
	Budget time.Duration
	// SafetyMargin is reserved at the end of the budget for writes in flight.
	SafetyMargin time.Duration

	ExtractBatch         int
	CombinedExtractBatch int
	LinkBatch            int

	// StaleAfter is the default grace period for Recover.
	StaleAfter time.Duration
}

func (c *RunnerConfig) applyDefaults() {
	if c.Budget <= 0 {
		c.Budget = 60 * time.Second
	}
	if c.SafetyMargin < 0 || c.SafetyMargin >= c.Budget {
		c.SafetyMargin = c.Budget / 4
	}
	if c.ExtractBatch <= 0 {
		c.ExtractBatch = 50
	}
	if c.CombinedExtractBatch <= 0 {
		c.CombinedExtractBatch = 10
	}
	if c.LinkBatch <= 0 {
		c.LinkBatch = 50
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
}

// Runner runs pipeline phases under the time budget and records every phase
// as a pipeline run.
type Runner struct {
	store     *storage.Store
	processor *Processor
	linker    *Linker
	scanner   Scanner
	cfg       RunnerConfig
	logger    *slog.Logger
}

// NewRunner wires the phases together. scanner may be nil when no sources are configured.
func NewRunner(store *storage.Store, processor *Processor, linker *Linker, scanner Scanner, cfg RunnerConfig) *Runner {
	cfg.applyDefaults()
	return &Runner{
		store:     store,
		processor: processor,
		linker:    linker,
		scanner:   scanner,
		cfg:       cfg,
		logger:    slog.Default().With("component", "runner"),
	}
}

func (r *Runner) Config() RunnerConfig { return r.cfg }

// ExtractPhase is the extraction result together with its run.
type ExtractPhase struct {
	RunID string `json:"run_id"`
	ExtractResult
}

// LinkPhase is the linking result together with its run.
type LinkPhase struct {
	RunID string `json:"run_id,omitempty"`
	LinkResult
}

// RunExtract processes one batch of pending rows within the budget.
func (r *Runner) RunExtract(ctx context.Context, size int) (ExtractPhase, error) {
	if size <= 0 {
		size = r.cfg.ExtractBatch
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Budget)
	defer cancel()
	return r.extractPhase(ctx, PhaseExtract, size, start.Add(r.cfg.Budget-r.cfg.SafetyMargin))
}

// RunReprocess retries one batch of retryable failures within the budget.
func (r *Runner) RunReprocess(ctx context.Context, size int) (ExtractPhase, error) {
	if size <= 0 {
		size = r.cfg.ExtractBatch
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Budget)
	defer cancel()
	return r.extractPhase(ctx, PhaseReprocess, size, start.Add(r.cfg.Budget-r.cfg.SafetyMargin))
}

// RunLink links one batch of products within the budget.
func (r *Runner) RunLink(ctx context.Context, size int) (LinkPhase, error) {
	if size <= 0 {
		size = r.cfg.LinkBatch
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Budget)
	defer cancel()
	return r.linkPhase(ctx, size, start.Add(r.cfg.Budget-r.cfg.SafetyMargin))
}

func (r *Runner) extractPhase(ctx context.Context, phase string, size int, deadline time.Time) (ExtractPhase, error) {
	run, err := r.startRun(phase, "")
	if err != nil {
		return ExtractPhase{}, err
	}
	opts := BatchOptions{Size: size, RunID: run.ID, Deadline: deadline}

	var res ExtractResult
	if phase == PhaseReprocess {
		res, err = r.processor.ReprocessFailed(ctx, opts)
	} else {
		res, err = r.processor.ProcessBatch(ctx, opts)
	}

	run.Processed = res.Processed
	run.Failed = res.Failed
	run.Duplicates = res.Duplicates
	run.Skipped = res.Released
	setCost(&run, res.Cost)
	run.Metadata = metadata(map[string]any{
		"batch_size": size,
		"released":   res.Released,
		"remaining":  res.Remaining,
		"errors":     res.Errors,
	})
	r.finishRun(run, err)
	return ExtractPhase{RunID: run.ID, ExtractResult: res}, err
}

func (r *Runner) linkPhase(ctx context.Context, size int, deadline time.Time) (LinkPhase, error) {
	run, err := r.startRun(PhaseLink, "")
	if err != nil {
		return LinkPhase{}, err
	}
	res, err := r.linker.LinkBatch(ctx, BatchOptions{Size: size, RunID: run.ID, Deadline: deadline})

	run.Linked = res.ProductsLinked
	run.Skipped = res.ProductsSkipped
	run.Failed = res.ProductsFailed
	run.Created = res.IngredientsCreated
	setCost(&run, res.Cost)
	run.Metadata = metadata(map[string]any{
		"batch_size":          size,
		"links_created":       res.LinksCreated,
		"ingredients_matched": res.IngredientsMatched,
		"ingredients_fuzzy":   res.IngredientsFuzzy,
		"tokens_unresolved":   res.TokensUnresolved,
		"remaining":           res.Remaining,
		"errors":              res.Errors,
	})
	r.finishRun(run, err)
	return LinkPhase{RunID: run.ID, LinkResult: res}, err
}

// CombinedOptions overrides batch sizes of a combined run. Zero keeps the configured size.
type CombinedOptions struct {
	ExtractBatch int
	LinkBatch    int
}

// CombinedResult reports both phases of a combined run. A phase error is
// reported alongside the other phase's result.
type CombinedResult struct {
	Extraction      ExtractPhase `json:"extraction"`
	ExtractionError string       `json:"extraction_error,omitempty"`
	Linking         LinkPhase    `json:"linking"`
	LinkingError    string       `json:"linking_error,omitempty"`
	LinkSkipped     bool         `json:"link_skipped"`
	SkipReason      string       `json:"skip_reason,omitempty"`
	ElapsedMS       int64        `json:"elapsed_ms"`
}

// RunCombined runs extraction then linking under one hard budget.
// Extraction gets a reduced batch and a soft deadline of budget minus the
// safety margin. Linking runs only when at least the safety margin is left;
// otherwise linking.remaining reports the untouched backlog.
// The returned result carries ElapsedMS on every path, including errors.
func (r *Runner) RunCombined(ctx context.Context, opts CombinedOptions) (res CombinedResult, err error) {
	extractBatch := opts.ExtractBatch
	if extractBatch <= 0 {
		extractBatch = r.cfg.CombinedExtractBatch
	}
	linkBatch := opts.LinkBatch
	if linkBatch <= 0 {
		linkBatch = r.cfg.LinkBatch
	}

	start := time.Now()
	end := start.Add(r.cfg.Budget)
	ctx, cancel := context.WithDeadline(ctx, end)
	defer cancel()

	defer func() { res.ElapsedMS = time.Since(start).Milliseconds() }()

	ext, extErr := r.extractPhase(ctx, PhaseExtract, extractBatch, end.Add(-r.cfg.SafetyMargin))
	res.Extraction = ext
	if extErr != nil {
		res.ExtractionError = extErr.Error()
		r.logger.Error("extraction phase failed", "error", extErr)
	}

	if left := time.Until(end); left < r.cfg.SafetyMargin {
		res.LinkSkipped = true
		res.SkipReason = fmt.Sprintf("%s of budget left, linking needs at least %s", left.Round(time.Millisecond), r.cfg.SafetyMargin)
		backlog, err := r.store.CountProductsAwaitingLinks()
		if err != nil {
			return res, errors.Join(extErr, fmt.Errorf("counting link backlog: %w", err))
		}
		res.Linking.Remaining = backlog
		r.logger.Info("link phase skipped", "reason", res.SkipReason, "remaining", backlog)
		return res, extErr
	}

	// Half the margin is kept for the product in flight when the soft deadline passes.
	link, linkErr := r.linkPhase(ctx, linkBatch, end.Add(-r.cfg.SafetyMargin/2))
	res.Linking = link
	if linkErr != nil {
		res.LinkingError = linkErr.Error()
		r.logger.Error("link phase failed", "error", linkErr)
	}
	if extErr != nil && linkErr != nil {
		return res, errors.Join(extErr, linkErr)
	}
	return res, nil
}

// RecoverResult reports a stale-claim sweep.
type RecoverResult struct {
	RunID    string `json:"run_id"`
	Released int    `json:"released"`
}

// Recover returns rows claimed longer than olderThan ago to pending. A zero
// olderThan uses the configured grace period.
func (r *Runner) Recover(ctx context.Context, olderThan time.Duration) (RecoverResult, error) {
	if olderThan <= 0 {
		olderThan = r.cfg.StaleAfter
	}
	if err := ctx.Err(); err != nil {
		return RecoverResult{}, err
	}
	run, err := r.startRun(PhaseRecover, "")
	if err != nil {
		return RecoverResult{}, err
	}
	n, err := r.store.ResetStaleProcessing(time.Now().Add(-olderThan))
	run.Skipped = n
	run.Metadata = metadata(map[string]any{"older_than": olderThan.String(), "released": n})
	r.finishRun(run, err)
	if err != nil {
		return RecoverResult{RunID: run.ID}, fmt.Errorf("resetting stale claims: %w", err)
	}
	if n > 0 {
		r.logger.Warn("released stale claims", "count", n, "older_than", olderThan)
	}
	return RecoverResult{RunID: run.ID, Released: n}, nil
}

// ScanPhase is one source's scan together with its run.
type ScanPhase struct {
	RunID  string `json:"run_id"`
	Source string `json:"source"`
	source.ScanResult
	Error string `json:"error,omitempty"`
}

// RunScan scans one source, or every configured source when name is empty.
// Each source is its own run; a failing source does not stop the others.
func (r *Runner) RunScan(ctx context.Context, name string, maxPages int) ([]ScanPhase, error) {
	if r.scanner == nil {
		return nil, ErrNoSources
	}
	names := []string{name}
	if name == "" {
		names = r.scanner.Sources()
	}
	if len(names) == 0 {
		return nil, ErrNoSources
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Budget)
	defer cancel()

	var (
		out  []ScanPhase
		errs []error
	)
	for _, n := range names {
		if ctx.Err() != nil {
			break
		}
		run, err := r.startRun(PhaseScan, n)
		if err != nil {
			return out, err
		}
		res, scanErr := r.scanner.Scan(ctx, n, source.ScanOptions{MaxPages: maxPages})
		run.Scraped = res.ProductsScraped
		run.Created = res.NewProducts
		run.Duplicates = res.Duplicates
		run.Failed = res.Failed
		run.Metadata = metadata(map[string]any{"pages": res.Pages, "errors": res.Errors})
		r.finishRun(run, scanErr)

		phase := ScanPhase{RunID: run.ID, Source: n, ScanResult: res}
		if scanErr != nil {
			phase.Error = scanErr.Error()
			errs = append(errs, fmt.Errorf("source %s: %w", n, scanErr))
		}
		out = append(out, phase)
	}
	if len(names) == 1 {
		return out, errors.Join(errs...)
	}
	return out, nil
}

func (r *Runner) startRun(phase, src string) (storage.PipelineRun, error) {
	run := storage.PipelineRun{
		ID:        uuid.NewString(),
		Phase:     phase,
		Source:    src,
		Status:    storage.RunRunning,
		StartedAt: time.Now(),
	}
	if err := r.store.StartRun(run); err != nil {
		return run, fmt.Errorf("starting %s run: %w", phase, err)
	}
	return run, nil
}

func (r *Runner) finishRun(run storage.PipelineRun, phaseErr error) {
	run.Status = storage.RunCompleted
	if phaseErr != nil {
		run.Status = storage.RunFailed
		run.Error = phaseErr.Error()
	}
	run.FinishedAt = time.Now()
	if err := r.store.FinishRun(run); err != nil {
		r.logger.Error("recording run", "run_id", run.ID, "phase", run.Phase, "error", err)
	}
}

func setCost(run *storage.PipelineRun, u extract.Usage) {
	run.Calls = u.Calls
	run.InputTokens = u.InputTokens
	run.OutputTokens = u.OutputTokens
	run.CostUSD = u.CostUSD
}

func metadata(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
