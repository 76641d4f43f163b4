package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/inciq/internal/pipeline"
)

// PipelineRunner is the subset of pipeline.Runner the scheduler drives.
type PipelineRunner interface {
	Recover(ctx context.Context, olderThan time.Duration) (pipeline.RecoverResult, error)
	RunCombined(ctx context.Context, opts pipeline.CombinedOptions) (pipeline.CombinedResult, error)
	RunScan(ctx context.Context, name string, maxPages int) ([]pipeline.ScanPhase, error)
}

type SchedulerConfig struct {
	// Interval is the pause between combined runs when there is no backlog.
	Interval time.Duration
	// ScanInterval triggers a scan of every source. Zero disables scanning.
	ScanInterval time.Duration
}

// Scheduler invokes the pipeline periodically, the way an external cron
// would call the trigger endpoints.
type Scheduler struct {
	runner   PipelineRunner
	cfg      SchedulerConfig
	lastScan time.Time
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. If cfg.Interval is <= 0 it defaults to one minute.
func NewScheduler(runner PipelineRunner, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		logger: slog.Default().With("component", "scheduler"),
	}
}

// Run ticks until ctx is cancelled. While a tick makes progress on a
// non-empty backlog the next one starts immediately.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		busy, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
		if busy {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.Interval):
		}
	}
}

// RunOnce performs one tick: release stale claims, scan when due, then one
// combined run. It returns true if the tick made progress and work remains.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	if _, err := s.runner.Recover(ctx, 0); err != nil {
		return false, fmt.Errorf("recovering stale claims: %w", err)
	}

	if s.cfg.ScanInterval > 0 && time.Since(s.lastScan) >= s.cfg.ScanInterval {
		s.lastScan = time.Now()
		phases, err := s.runner.RunScan(ctx, "", 0)
		switch {
		case errors.Is(err, pipeline.ErrNoSources):
		case err != nil:
			s.logger.Warn("scan failed", "error", err)
		default:
			for _, p := range phases {
				s.logger.Info("source scanned", "source", p.Source, "new", p.NewProducts, "duplicates", p.Duplicates, "error", p.Error)
			}
		}
	}

	res, err := s.runner.RunCombined(ctx, pipeline.CombinedOptions{})
	if err != nil {
		return false, fmt.Errorf("combined run: %w", err)
	}

	ext, link := res.Extraction, res.Linking
	progress := ext.Processed+ext.Duplicates+ext.Failed+link.ProductsLinked+link.ProductsSkipped+link.ProductsFailed > 0
	backlog := ext.Remaining+link.Remaining > 0
	if progress {
		s.logger.Info("combined run",
			"processed", ext.Processed, "failed", ext.Failed, "duplicates", ext.Duplicates,
			"linked", link.ProductsLinked, "extract_remaining", ext.Remaining, "link_remaining", link.Remaining,
			"link_skipped", res.LinkSkipped, "elapsed_ms", res.ElapsedMS)
	}
	return progress && backlog, nil
}
