package pipeline

import (
	"time"

	"github.com/kalambet/inciq/internal/extract"
)

// maxErrorSamples bounds the error messages carried in a result.
const maxErrorSamples = 10

// BatchOptions bounds one batch of work.
type BatchOptions struct {
	Size  int
	RunID string
	// Deadline is checked between records. Zero means no soft deadline.
	Deadline time.Time
}

func (o BatchOptions) expired() bool {
	return !o.Deadline.IsZero() && !time.Now().Before(o.Deadline)
}

// ExtractResult summarizes one extraction batch.
type ExtractResult struct {
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Duplicates int           `json:"duplicates"`
	Released   int           `json:"released"`
	Remaining  int           `json:"remaining"`
	Cost       extract.Usage `json:"cost"`
	Errors     []string      `json:"errors,omitempty"`
}

// LinkResult summarizes one linking batch.
type LinkResult struct {
	ProductsLinked     int           `json:"products_linked"`
	ProductsSkipped    int           `json:"products_skipped"`
	ProductsFailed     int           `json:"products_failed"`
	IngredientsCreated int           `json:"ingredients_created"`
	IngredientsMatched int           `json:"ingredients_matched"`
	IngredientsFuzzy   int           `json:"ingredients_fuzzy"`
	LinksCreated       int           `json:"links_created"`
	TokensUnresolved   int           `json:"tokens_unresolved"`
	Remaining          int           `json:"remaining"`
	Cost               extract.Usage `json:"cost"`
	Errors             []string      `json:"errors,omitempty"`
}

func appendSample(samples []string, msg string) []string {
	if len(samples) >= maxErrorSamples {
		return samples
	}
	return append(samples, msg)
}
