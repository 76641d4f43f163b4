package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// JSONLDConnector scrapes storefront HTML. Listing pages are walked for
// product links; each product page's schema.org Product JSON-LD block is
// the payload.
type JSONLDConnector struct {
	name       string
	listURL    string // contains {page}
	linkPrefix string
	client     *http.Client
	userAgent  string
}

type JSONLDOptions struct {
	Name       string
	ListURL    string
	LinkPrefix string
	UserAgent  string
	Timeout    time.Duration
}

var errNoProduct = errors.New("no Product JSON-LD on page")

func NewJSONLDConnector(opts JSONLDOptions) (*JSONLDConnector, error) {
	if !strings.Contains(opts.ListURL, "{page}") {
		return nil, errors.New("list_url must contain {page}")
	}
	if _, err := url.ParseRequestURI(strings.ReplaceAll(opts.ListURL, "{page}", "1")); err != nil {
		return nil, fmt.Errorf("invalid list_url: %w", err)
	}
	if strings.TrimSpace(opts.LinkPrefix) == "" {
		return nil, errors.New("link_prefix is required")
	}
	to := opts.Timeout
	if to <= 0 {
		to = defaultTimeout
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	return &JSONLDConnector{
		name:       opts.Name,
		listURL:    opts.ListURL,
		linkPrefix: opts.LinkPrefix,
		client:     &http.Client{Timeout: to},
		userAgent:  ua,
	}, nil
}

func (c *JSONLDConnector) Name() string { return c.name }

func (c *JSONLDConnector) ListPage(ctx context.Context, page int) ([]ListingRef, error) {
	pageURL := strings.ReplaceAll(c.listURL, "{page}", strconv.Itoa(page))
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	body, err := httpGet(ctx, c.client, c.userAgent, pageURL, "text/html")
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing listing page: %w", err)
	}

	var refs []ListingRef
	seen := make(map[string]bool)
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		href := attr(n, "href")
		if href == "" {
			return
		}
		u, err := base.Parse(href)
		if err != nil || u.Host != base.Host || !strings.HasPrefix(u.Path, c.linkPrefix) {
			return
		}
		u.RawQuery, u.Fragment = "", ""
		id := path.Base(strings.TrimSuffix(u.Path, "/"))
		if id == "" || id == "." || id == "/" || seen[id] {
			return
		}
		seen[id] = true
		refs = append(refs, ListingRef{ID: id, URL: u.String()})
	})
	return refs, nil
}

func (c *JSONLDConnector) FetchDetail(ctx context.Context, ref ListingRef) (Record, error) {
	body, err := httpGet(ctx, c.client, c.userAgent, ref.URL, "text/html")
	if err != nil {
		return Record{}, err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Record{}, fmt.Errorf("parsing product page: %w", err)
	}

	var product map[string]any
	walk(doc, func(n *html.Node) {
		if product != nil || n.Type != html.ElementNode || n.Data != "script" || attr(n, "type") != "application/ld+json" {
			return
		}
		if n.FirstChild == nil {
			return
		}
		var v any
		if err := json.Unmarshal([]byte(n.FirstChild.Data), &v); err != nil {
			return
		}
		product = findProduct(v)
	})
	if product == nil {
		return Record{}, fmt.Errorf("%s: %w", ref.URL, errNoProduct)
	}
	if _, ok := product["url"]; !ok {
		product["url"] = ref.URL
	}
	payload, err := json.Marshal(product)
	if err != nil {
		return Record{}, err
	}
	return Record{SourceID: ref.ID, URL: ref.URL, Payload: payload}, nil
}

// findProduct locates a schema.org Product in a JSON-LD value, which may
// be a single object, an array or an @graph container.
func findProduct(v any) map[string]any {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if p := findProduct(item); p != nil {
				return p
			}
		}
	case map[string]any:
		if isProductType(t["@type"]) {
			return t
		}
		if g, ok := t["@graph"]; ok {
			return findProduct(g)
		}
	}
	return nil
}

func isProductType(v any) bool {
	switch t := v.(type) {
	case string:
		return t == "Product"
	case []any:
		for _, s := range t {
			if s == "Product" {
				return true
			}
		}
	}
	return false
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
