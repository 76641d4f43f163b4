package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/inciq/internal/extract"
	"github.com/kalambet/inciq/internal/inci"
	"github.com/kalambet/inciq/internal/storage"
)

// maxTokenRunes bounds a single ingredient token. Longer tokens are usually
// marketing copy that slipped into the declaration and are left unresolved.
const maxTokenRunes = 120

var errInterrupted = errors.New("link pass interrupted")

type LinkerConfig struct {
	Match inci.MatchOptions
	// MaxEnrichmentCalls caps enrichment calls per batch.
	MaxEnrichmentCalls int
}

// Linker parses ingredient declarations of canonical products and links
// them to ingredient entities.
type Linker struct {
	store    *storage.Store
	enricher extract.Enricher
	cfg      LinkerConfig
	logger   *slog.Logger
}

// NewLinker creates a Linker. enricher may be nil to create ingredients
// without reference data.
func NewLinker(store *storage.Store, enricher extract.Enricher, cfg LinkerConfig) *Linker {
	return &Linker{
		store:    store,
		enricher: enricher,
		cfg:      cfg,
		logger:   slog.Default().With("component", "linker"),
	}
}

// linkBatch carries per-batch state across products.
type linkBatch struct {
	matcher     *inci.Matcher
	enrichCalls int
	res         *LinkResult
}

// LinkBatch links up to opts.Size products awaiting a link pass, oldest
// first. A product interrupted mid-pass keeps no link status and is picked up
// again by a later batch; links it already has are not written twice.
func (l *Linker) LinkBatch(ctx context.Context, opts BatchOptions) (LinkResult, error) {
	var res LinkResult

	products, err := l.store.ProductsAwaitingLinks(opts.Size)
	if err != nil {
		return res, fmt.Errorf("selecting products to link: %w", err)
	}

	if len(products) > 0 {
		known, err := l.store.IngredientKeys()
		if err != nil {
			return res, fmt.Errorf("loading ingredient index: %w", err)
		}
		b := &linkBatch{matcher: inci.NewMatcher(known, l.cfg.Match), res: &res}

		for _, p := range products {
			if ctx.Err() != nil || opts.expired() {
				break
			}
			err := l.linkProduct(ctx, p, b)
			if errors.Is(err, errInterrupted) {
				break
			}
			if err != nil {
				return res, fmt.Errorf("linking product %s: %w", p.ID, err)
			}
		}
	}

	remaining, err := l.store.CountProductsAwaitingLinks()
	if err != nil {
		return res, fmt.Errorf("counting link backlog: %w", err)
	}
	res.Remaining = remaining
	return res, nil
}

func (l *Linker) linkProduct(ctx context.Context, p storage.Product, b *linkBatch) error {
	res := b.res

	tokens, err := inci.Parse(*p.IngredientsRaw)
	if err != nil {
		res.ProductsFailed++
		res.Errors = appendSample(res.Errors, fmt.Sprintf("%s: %v", p.ID, err))
		l.logger.Warn("ingredient declaration rejected", "product_id", p.ID, "error", err)
		return l.store.SetLinkOutcome(p.ID, storage.LinkFailed, err.Error())
	}

	linked, err := l.store.LinkedIngredientIDs(p.ID)
	if err != nil {
		return err
	}

	resolved := 0
	for _, tok := range tokens {
		if ctx.Err() != nil {
			return errInterrupted
		}
		if utf8.RuneCountInString(tok.Key) > maxTokenRunes {
			res.TokensUnresolved++
			l.logger.Debug("ingredient token unresolved", "product_id", p.ID, "token", tok.Raw)
			continue
		}

		id, kind, err := l.resolve(ctx, tok, b)
		if err != nil {
			return err
		}
		resolved++
		if linked[id] {
			continue
		}

		inserted, err := l.store.InsertLink(storage.ProductIngredient{
			ProductID:    p.ID,
			IngredientID: id,
			Position:     tok.Position,
			MatchKind:    kind,
			RawToken:     tok.Raw,
		})
		if err != nil {
			return fmt.Errorf("inserting link for %q: %w", tok.Key, err)
		}
		linked[id] = true
		if inserted {
			res.LinksCreated++
		}
	}

	if resolved == 0 {
		res.ProductsSkipped++
		return l.store.SetLinkOutcome(p.ID, storage.LinkSkipped, "")
	}
	res.ProductsLinked++
	return l.store.SetLinkOutcome(p.ID, storage.LinkLinked, "")
}

// resolve returns the ingredient id for a token and how it was matched,
// creating the ingredient when nothing close enough is known.
func (l *Linker) resolve(ctx context.Context, tok inci.Token, b *linkBatch) (string, string, error) {
	res := b.res
	d := b.matcher.Resolve(tok.Key)
	switch d.Kind {
	case inci.MatchExact:
		res.IngredientsMatched++
		return d.ID, d.Kind, nil
	case inci.MatchFuzzy:
		res.IngredientsMatched++
		res.IngredientsFuzzy++
		l.logger.Debug("fuzzy ingredient match", "token", tok.Key, "matched", d.Key, "distance", d.Distance)
		return d.ID, d.Kind, nil
	}

	ing := storage.Ingredient{
		ID:             uuid.NewString(),
		NormalizedName: tok.Key,
		INCIName:       tok.Raw,
	}
	if l.enricher != nil && b.enrichCalls < l.cfg.MaxEnrichmentCalls {
		b.enrichCalls++
		info, usage, err := l.enricher.Enrich(ctx, tok.Raw)
		res.Cost.Add(usage)
		if err != nil {
			l.logger.Warn("ingredient enrichment failed", "ingredient", tok.Key, "error", err)
		} else {
			applyEnrichment(&ing, info)
		}
	}

	stored, created, err := l.store.InsertIngredientIfNew(ing)
	if err != nil {
		return "", "", fmt.Errorf("creating ingredient %q: %w", tok.Key, err)
	}
	if created {
		res.IngredientsCreated++
	} else {
		res.IngredientsMatched++
	}
	b.matcher.Add(stored.NormalizedName, stored.ID)
	return stored.ID, inci.MatchCreate, nil
}

func applyEnrichment(ing *storage.Ingredient, info extract.IngredientInfo) {
	if info.INCIName != "" {
		ing.INCIName = info.INCIName
	}
	ing.CommonName = info.CommonName
	ing.SafetyLevel = info.SafetyLevel
	ing.SafetyNotes = info.SafetyNotes
	if b, err := json.Marshal(info.Functions); err == nil && len(info.Functions) > 0 {
		ing.Functions = string(b)
	}
	ing.Enriched = true
}
