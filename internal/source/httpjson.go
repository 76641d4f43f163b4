package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPJSONConnector reads a retailer JSON API:
//
//	GET {base}/api/search?q=...&page=...   -> [...] or {"listings":[...]}
//	GET {base}/api/listings/{id}           -> {...} or {"listing":{...}}
type HTTPJSONConnector struct {
	name      string
	baseURL   string
	query     string
	client    *http.Client
	userAgent string
}

type HTTPJSONOptions struct {
	Name      string
	BaseURL   string
	Query     string
	UserAgent string
	Timeout   time.Duration
}

func NewHTTPJSONConnector(opts HTTPJSONOptions) (*HTTPJSONConnector, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("base_url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid base_url: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = defaultTimeout
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	return &HTTPJSONConnector{
		name:      opts.Name,
		baseURL:   strings.TrimRight(base, "/"),
		query:     strings.TrimSpace(opts.Query),
		client:    &http.Client{Timeout: to},
		userAgent: ua,
	}, nil
}

func (c *HTTPJSONConnector) Name() string { return c.name }

type summary struct {
	ID        string `json:"id"`
	ListingID string `json:"listing_id"`
	URL       string `json:"url"`
}

func (c *HTTPJSONConnector) ListPage(ctx context.Context, page int) ([]ListingRef, error) {
	q := url.Values{}
	q.Set("q", c.query)
	q.Set("page", strconv.Itoa(page))
	body, err := httpGet(ctx, c.client, c.userAgent, c.baseURL+"/api/search?"+q.Encode(), "application/json")
	if err != nil {
		return nil, err
	}

	// Accept both object-wrapped and bare-array payloads.
	var items []summary
	var wrapped struct {
		Listings []summary `json:"listings"`
	}
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("search payload parse: %w", err)
		}
		items = wrapped.Listings
	} else if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("search payload parse: %w", err)
	}

	refs := make([]ListingRef, 0, len(items))
	for _, it := range items {
		id := strings.TrimSpace(it.ListingID)
		if id == "" {
			id = strings.TrimSpace(it.ID)
		}
		if id == "" {
			continue
		}
		refs = append(refs, ListingRef{ID: id, URL: strings.TrimSpace(it.URL)})
	}
	return refs, nil
}

func (c *HTTPJSONConnector) FetchDetail(ctx context.Context, ref ListingRef) (Record, error) {
	body, err := httpGet(ctx, c.client, c.userAgent, c.baseURL+"/api/listings/"+url.PathEscape(ref.ID), "application/json")
	if err != nil {
		return Record{}, err
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return Record{}, fmt.Errorf("detail payload parse: %w", err)
	}
	payload := json.RawMessage(body)
	if inner, ok := obj["listing"]; ok && bytes.HasPrefix(bytes.TrimSpace(inner), []byte("{")) {
		payload = inner
	}

	u := ref.URL
	if u == "" {
		u = c.baseURL + "/listings/" + url.PathEscape(ref.ID)
	}
	return Record{SourceID: ref.ID, URL: u, Payload: payload}, nil
}
