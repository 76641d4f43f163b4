package extract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/kalambet/inciq/internal/engine"
)

// Service converts a validated listing into normalized product fields.
type Service interface {
	Extract(ctx context.Context, l Listing) (Extraction, Usage, error)
}

// Enricher classifies a newly seen ingredient.
type Enricher interface {
	Enrich(ctx context.Context, name string) (IngredientInfo, Usage, error)
}

// Config controls model selection and the per-call budget.
type Config struct {
	ExtractModel string
	EnrichModel  string

	// CallTimeout bounds a single model call. Each retry gets a fresh timeout.
	CallTimeout time.Duration
	MaxRetries  int

	// RatePerSecond caps model calls across extraction and enrichment. Zero disables the cap.
	RatePerSecond float64

	// InitialBackoff is the first retry delay; later delays grow exponentially.
	InitialBackoff time.Duration

	Pricing Pricing
}

// Client implements Service and Enricher on top of an inference Engine.
type Client struct {
	eng     engine.Engine
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewClient(eng engine.Engine, cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.EnrichModel == "" {
		cfg.EnrichModel = cfg.ExtractModel
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Client{
		eng:     eng,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  slog.Default().With("component", "extract", "backend", eng.Name()),
	}
}

// Extract normalizes a listing. Transient failures are retried in-call up to
// MaxRetries; the returned Usage covers every attempt, including failed ones.
func (c *Client) Extract(ctx context.Context, l Listing) (Extraction, Usage, error) {
	var out Extraction
	usage, err := c.call(ctx, c.cfg.ExtractModel, BuildExtractPrompt(l), extractionSchema(), func(content string) error {
		e, err := decodeExtraction(content, l)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return Extraction{}, usage, err
	}
	return out, usage, nil
}

// Enrich asks the model for reference data on one ingredient.
func (c *Client) Enrich(ctx context.Context, name string) (IngredientInfo, Usage, error) {
	var out IngredientInfo
	usage, err := c.call(ctx, c.cfg.EnrichModel, BuildEnrichPrompt(name), enrichmentSchema(), func(content string) error {
		info, err := decodeIngredientInfo(content)
		if err != nil {
			return err
		}
		out = info
		return nil
	})
	if err != nil {
		return IngredientInfo{}, usage, err
	}
	return out, usage, nil
}

// call runs one structured chat request with rate limiting, a per-attempt
// timeout and exponential backoff on transient errors. decode failures count
// as malformed model output and are retried.
func (c *Client) call(ctx context.Context, model string, msgs []engine.Message, schema *engine.Schema, decode func(string) error) (Usage, error) {
	var usage Usage

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		usage.Calls++
		reply, err := c.eng.Chat(callCtx, model, msgs, schema)
		// Truncated replies are billed like complete ones.
		usage.InputTokens += reply.InputTokens
		usage.OutputTokens += reply.OutputTokens
		usage.CostUSD += c.cfg.Pricing.cost(reply.InputTokens, reply.OutputTokens)
		if err != nil {
			err = classify(ctx, err)
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := decode(reply.Content); err != nil {
			return &TransientError{Err: fmt.Errorf("malformed model output: %w", err)}
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = 10 * c.cfg.InitialBackoff
	b.MaxElapsedTime = 0
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5

	notify := func(err error, next time.Duration) {
		c.logger.Warn("model call failed, retrying", "model", model, "error", err, "next_retry_in", next)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx), notify)
	return usage, err
}
