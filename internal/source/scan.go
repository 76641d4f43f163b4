package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"

	"github.com/kalambet/inciq/internal/storage"
)

const (
	defaultMaxPages    = 5
	maxScanErrorSample = 10
)

type ScanOptions struct {
	// MaxPages overrides the source's page limit when positive.
	MaxPages int
}

// ScanResult summarizes one scan of one source.
type ScanResult struct {
	ProductsScraped int      `json:"products_scraped"`
	NewProducts     int      `json:"new_products"`
	Duplicates      int      `json:"duplicates"`
	Failed          int      `json:"failed"`
	Pages           int      `json:"pages"`
	Errors          []string `json:"errors,omitempty"`
}

func (r *ScanResult) addError(msg string) {
	r.Failed++
	if len(r.Errors) < maxScanErrorSample {
		r.Errors = append(r.Errors, msg)
	}
}

// Scanner pages through a source and stages every listing it has not seen.
type Scanner struct {
	store       *storage.Store
	registry    *Registry
	concurrency int
	logger      *slog.Logger
}

func NewScanner(store *storage.Store, registry *Registry, concurrency int) *Scanner {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Scanner{
		store:       store,
		registry:    registry,
		concurrency: concurrency,
		logger:      slog.Default().With("component", "scanner"),
	}
}

func (s *Scanner) Sources() []string { return s.registry.Names() }

type fetched struct {
	ref ListingRef
	rec Record
	err error
}

// Scan walks pages until an empty page, a page of only known listings, or
// the page limit. Detail pages are fetched concurrently; only storage
// errors abort the scan.
func (s *Scanner) Scan(ctx context.Context, name string, opts ScanOptions) (ScanResult, error) {
	var res ScanResult
	conn, sc, ok := s.registry.Get(name)
	if !ok {
		return res, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = sc.MaxPages
	}
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	pool := pond.NewResultPool[fetched](s.concurrency, pond.WithContext(ctx))
	defer pool.StopAndWait()

	for page := 1; page <= maxPages; page++ {
		if ctx.Err() != nil {
			break
		}
		refs, err := conn.ListPage(ctx, page)
		if err != nil {
			if page == 1 {
				return res, fmt.Errorf("listing page 1 of %s: %w", name, err)
			}
			res.addError(fmt.Sprintf("page %d: %v", page, err))
			break
		}
		if len(refs) == 0 {
			break
		}
		res.Pages++
		res.ProductsScraped += len(refs)

		var fresh []ListingRef
		for _, ref := range refs {
			exists, err := s.store.StagedExists(name, ref.ID)
			if err != nil {
				return res, fmt.Errorf("checking staged listing: %w", err)
			}
			if exists {
				res.Duplicates++
				continue
			}
			fresh = append(fresh, ref)
		}
		if len(fresh) == 0 {
			s.logger.Info("reached already staged listings", "source", name, "page", page)
			break
		}

		tasks := make([]pond.Result[fetched], 0, len(fresh))
		for _, ref := range fresh {
			tasks = append(tasks, pool.Submit(func() fetched {
				rec, err := conn.FetchDetail(ctx, ref)
				return fetched{ref: ref, rec: rec, err: err}
			}))
		}
		for _, task := range tasks {
			f, err := task.Wait()
			if err != nil {
				return res, fmt.Errorf("fetching details: %w", err)
			}
			if f.err != nil {
				s.logger.Warn("listing fetch failed", "source", name, "listing", f.ref.ID, "error", f.err)
				res.addError(fmt.Sprintf("%s: %v", f.ref.ID, f.err))
				continue
			}
			inserted, err := s.store.InsertStagedIfNew(storage.StagedProduct{
				ID:       uuid.NewString(),
				Source:   name,
				SourceID: f.rec.SourceID,
				URL:      f.rec.URL,
				Payload:  string(f.rec.Payload),
			})
			if err != nil {
				return res, fmt.Errorf("staging %s: %w", f.rec.SourceID, err)
			}
			if inserted {
				res.NewProducts++
			} else {
				res.Duplicates++
			}
		}
	}
	return res, nil
}
