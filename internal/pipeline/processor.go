package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/inciq/internal/extract"
	"github.com/kalambet/inciq/internal/storage"
)

// ProcessorConfig tunes the extraction processor.
type ProcessorConfig struct {
	// MaxAttempts turns a transient failure permanent once reached.
	MaxAttempts int
	// Concurrency is the number of rows extracted at once within a batch.
	Concurrency int
}

// Processor moves claimed staged rows to canonical products.
type Processor struct {
	store  *storage.Store
	svc    extract.Service
	cfg    ProcessorConfig
	logger *slog.Logger
}

func NewProcessor(store *storage.Store, svc extract.Service, cfg ProcessorConfig) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Processor{
		store:  store,
		svc:    svc,
		cfg:    cfg,
		logger: slog.Default().With("component", "processor"),
	}
}

// ProcessBatch claims up to opts.Size pending rows, oldest first, and
// extracts each one independently. Per-row failures are recorded on the row
// and never abort the batch; only storage errors are returned.
func (p *Processor) ProcessBatch(ctx context.Context, opts BatchOptions) (ExtractResult, error) {
	rows, err := p.store.ClaimPending(opts.Size, opts.RunID)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("claiming pending rows: %w", err)
	}
	return p.run(ctx, rows, opts)
}

// ReprocessFailed requeues up to opts.Size retryable failures and runs them
// through the same algorithm. Permanent failures are never retried.
func (p *Processor) ReprocessFailed(ctx context.Context, opts BatchOptions) (ExtractResult, error) {
	ids, err := p.store.RequeueFailed(opts.Size, p.cfg.MaxAttempts)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("requeueing failed rows: %w", err)
	}
	rows, err := p.store.ClaimByIDs(ids, opts.RunID)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("claiming requeued rows: %w", err)
	}
	return p.run(ctx, rows, opts)
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeDuplicate
	outcomeFailed
	outcomeReleased
)

type rowResult struct {
	outcome outcome
	usage   extract.Usage
	errMsg  string
}

func (p *Processor) run(ctx context.Context, rows []storage.StagedProduct, opts BatchOptions) (ExtractResult, error) {
	var (
		mu  sync.Mutex
		res ExtractResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, row := range rows {
		g.Go(func() error {
			rr, err := p.processRow(gctx, row, opts)
			if err != nil {
				return fmt.Errorf("staged product %s: %w", row.ID, err)
			}

			mu.Lock()
			defer mu.Unlock()
			res.Cost.Add(rr.usage)
			switch rr.outcome {
			case outcomeProcessed:
				res.Processed++
			case outcomeDuplicate:
				res.Duplicates++
			case outcomeFailed:
				res.Failed++
				res.Errors = appendSample(res.Errors, fmt.Sprintf("%s: %s", row.ID, rr.errMsg))
			case outcomeReleased:
				res.Released++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	remaining, err := p.store.CountPending()
	if err != nil {
		return res, fmt.Errorf("counting pending rows: %w", err)
	}
	res.Remaining = remaining
	return res, nil
}

// processRow handles one claimed row. The returned error is reserved for
// storage failures; extraction failures are recorded on the row.
func (p *Processor) processRow(ctx context.Context, row storage.StagedProduct, opts BatchOptions) (rowResult, error) {
	if ctx.Err() != nil || opts.expired() {
		return p.release(row)
	}

	// A crash between product insert and status update leaves a product for
	// this row already in place; finish the row without another call.
	if existing, err := p.store.FindProductByStagedID(row.ID); err == nil {
		return rowResult{outcome: outcomeProcessed}, p.store.MarkProcessed(row.ID, existing.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return rowResult{}, err
	}

	listing, err := extract.ParseListing(row.Payload)
	if err != nil {
		return p.fail(row, err)
	}

	ext, usage, err := p.svc.Extract(ctx, listing)
	if err != nil {
		if ctx.Err() != nil {
			rr, relErr := p.release(row)
			rr.usage = usage
			return rr, relErr
		}
		rr, failErr := p.fail(row, err)
		rr.usage = usage
		return rr, failErr
	}

	rr, err := p.finalize(row, ext)
	rr.usage = usage
	return rr, err
}

func (p *Processor) finalize(row storage.StagedProduct, ext extract.Extraction) (rowResult, error) {
	key := ext.IdentityKey()
	existing, err := p.store.FindProductByIdentity(key)
	if err == nil {
		p.logger.Info("duplicate listing", "staged_id", row.ID, "product_id", existing.ID, "identity", key)
		return rowResult{outcome: outcomeDuplicate}, p.store.MarkDuplicate(row.ID, existing.ID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return rowResult{}, err
	}

	product := storage.Product{
		ID:              uuid.NewString(),
		StagedProductID: row.ID,
		Source:          row.Source,
		SourceID:        row.SourceID,
		IdentityKey:     key,
		Name:            ext.Name,
		Brand:           ext.Brand,
		Category:        ext.Category,
		Price:           ext.Price,
		Currency:        ext.Currency,
		Size:            ext.Size,
		Description:     ext.Description,
		Metadata:        productMetadata(row, ext),
	}
	if ext.Ingredients != "" {
		ingredients := ext.Ingredients
		product.IngredientsRaw = &ingredients
	}

	inserted, err := p.store.InsertProduct(product)
	if err != nil {
		return rowResult{}, fmt.Errorf("inserting product: %w", err)
	}
	if inserted {
		return rowResult{outcome: outcomeProcessed}, p.store.MarkProcessed(row.ID, product.ID)
	}

	// Lost a race on one of the unique keys.
	if prior, err := p.store.FindProductByStagedID(row.ID); err == nil {
		return rowResult{outcome: outcomeProcessed}, p.store.MarkProcessed(row.ID, prior.ID)
	}
	prior, err := p.store.FindProductByIdentity(key)
	if err != nil {
		return rowResult{}, fmt.Errorf("resolving product conflict for %q: %w", key, err)
	}
	return rowResult{outcome: outcomeDuplicate}, p.store.MarkDuplicate(row.ID, prior.ID)
}

func (p *Processor) fail(row storage.StagedProduct, cause error) (rowResult, error) {
	kind, err := p.store.FailStaged(row.ID, cause.Error(), extract.IsPermanent(cause), p.cfg.MaxAttempts)
	if err != nil {
		return rowResult{}, fmt.Errorf("recording failure: %w", err)
	}
	p.logger.Warn("extraction failed", "staged_id", row.ID, "source", row.Source, "failure_kind", kind, "error", cause)
	return rowResult{outcome: outcomeFailed, errMsg: cause.Error()}, nil
}

func (p *Processor) release(row storage.StagedProduct) (rowResult, error) {
	if err := p.store.ReleaseClaim(row.ID); err != nil {
		return rowResult{}, fmt.Errorf("releasing claim: %w", err)
	}
	return rowResult{outcome: outcomeReleased}, nil
}

func productMetadata(row storage.StagedProduct, ext extract.Extraction) string {
	meta := map[string]any{}
	if row.URL != "" {
		meta["url"] = row.URL
	}
	if len(ext.Concerns) > 0 {
		meta["concerns"] = ext.Concerns
	}
	if len(ext.SkinTypes) > 0 {
		meta["skin_types"] = ext.SkinTypes
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(b)
}
