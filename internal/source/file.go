package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// FileConnector serves listings from a JSON array on disk. Each element
// needs an "id" or "source_id"; the element itself is the payload.
type FileConnector struct {
	name    string
	refs    []ListingRef
	records map[string]Record
}

func NewFileConnector(name, path string) (*FileConnector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	c := &FileConnector{name: name, records: make(map[string]Record, len(items))}
	for i, raw := range items {
		var head struct {
			ID       any    `json:"id"`
			SourceID any    `json:"source_id"`
			URL      string `json:"url"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("%s: item %d: %w", path, i, err)
		}
		id := idString(head.SourceID)
		if id == "" {
			id = idString(head.ID)
		}
		if id == "" {
			return nil, fmt.Errorf("%s: item %d has no id", path, i)
		}
		if _, dup := c.records[id]; dup {
			continue
		}
		c.refs = append(c.refs, ListingRef{ID: id, URL: head.URL})
		c.records[id] = Record{SourceID: id, URL: head.URL, Payload: raw}
	}
	return c, nil
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	}
	return ""
}

func (c *FileConnector) Name() string { return c.name }

// ListPage returns every record on page 1.
func (c *FileConnector) ListPage(_ context.Context, page int) ([]ListingRef, error) {
	if page != 1 {
		return nil, nil
	}
	return c.refs, nil
}

func (c *FileConnector) FetchDetail(_ context.Context, ref ListingRef) (Record, error) {
	r, ok := c.records[ref.ID]
	if !ok {
		return Record{}, fmt.Errorf("listing %s not in %s", ref.ID, c.name)
	}
	return r, nil
}
