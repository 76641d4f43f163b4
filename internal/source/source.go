// Package source fetches raw listings from retailers and stages them.
//
// Connectors only fix the output contract: a page of listing references and
// a raw JSON payload per listing. Payloads are stored verbatim; all
// normalization happens later in extraction.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ListingRef identifies one listing on a listing page.
type ListingRef struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Record is a raw listing ready for staging.
type Record struct {
	SourceID string
	URL      string
	Payload  json.RawMessage
}

// Connector adapts one retailer.
type Connector interface {
	Name() string
	// ListPage returns the refs on a 1-based page. An empty page ends the listing.
	ListPage(ctx context.Context, page int) ([]ListingRef, error)
	FetchDetail(ctx context.Context, ref ListingRef) (Record, error)
}

// ErrUnknownSource is returned for a source name missing from the registry.
var ErrUnknownSource = errors.New("unknown source")

const (
	defaultTimeout   = 20 * time.Second
	defaultUserAgent = "inciq-ingest/1.0"
	maxBodyBytes     = 4 << 20
)

// StatusError reports a non-200 response from a retailer.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

func httpGet(ctx context.Context, client *http.Client, userAgent, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return body, nil
}
