package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Listing is a scraped payload that passed schema validation.
type Listing struct {
	Title       string   `json:"title"`
	Brand       string   `json:"brand,omitempty"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	Size        string   `json:"size,omitempty"`
	Ingredients string   `json:"ingredients,omitempty"`
	URL         string   `json:"url,omitempty"`
}

const maxPayloadBytes = 256 << 10

// ParseListing validates a raw staged payload. Any failure is a PermanentError:
// the payload is stored verbatim and will never change on retry.
//
// Accepted shapes cover both retailer JSON APIs and schema.org Product
// objects: title or name; brand as a string or {"name": ...}; price as a
// number, numeric string or offers object/array; ingredients as a string or
// an array of strings.
func ParseListing(payload string) (Listing, error) {
	if len(payload) > maxPayloadBytes {
		return Listing{}, &PermanentError{Err: fmt.Errorf("payload exceeds %d bytes", maxPayloadBytes)}
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Listing{}, &PermanentError{Err: fmt.Errorf("payload is not a JSON object: %w", err)}
	}

	var l Listing
	l.Title = firstString(raw, "title", "name")
	if l.Title == "" {
		return Listing{}, &PermanentError{Err: errors.New("payload has no title or name")}
	}
	l.Brand = nameOf(raw["brand"])
	l.Description = firstString(raw, "description")
	l.Category = firstString(raw, "category")
	l.Currency = firstString(raw, "currency", "priceCurrency")
	l.Size = firstString(raw, "size", "volume")
	l.URL = firstString(raw, "url")

	price, currency, err := priceOf(raw)
	if err != nil {
		return Listing{}, &PermanentError{Err: err}
	}
	l.Price = price
	if l.Currency == "" {
		l.Currency = currency
	}

	switch v := raw["ingredients"].(type) {
	case nil:
	case string:
		l.Ingredients = strings.TrimSpace(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return Listing{}, &PermanentError{Err: errors.New("ingredients array must contain strings")}
			}
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		l.Ingredients = strings.Join(parts, ", ")
	default:
		return Listing{}, &PermanentError{Err: fmt.Errorf("ingredients has unsupported type %T", v)}
	}
	return l, nil
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func nameOf(v any) string {
	switch b := v.(type) {
	case string:
		return strings.TrimSpace(b)
	case map[string]any:
		return firstString(b, "name")
	}
	return ""
}

func priceOf(raw map[string]any) (*float64, string, error) {
	if v, ok := raw["price"]; ok && v != nil {
		p, err := toPrice(v)
		return p, "", err
	}
	var offer map[string]any
	switch o := raw["offers"].(type) {
	case map[string]any:
		offer = o
	case []any:
		if len(o) > 0 {
			offer, _ = o[0].(map[string]any)
		}
	}
	if offer == nil || offer["price"] == nil {
		return nil, "", nil
	}
	p, err := toPrice(offer["price"])
	return p, firstString(offer, "priceCurrency"), err
}

func toPrice(v any) (*float64, error) {
	var f float64
	switch p := v.(type) {
	case float64:
		f = p
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(p, ",", "."))
		if s == "" {
			return nil, nil
		}
		var err error
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return nil, fmt.Errorf("price %q is not numeric", p)
		}
	default:
		return nil, fmt.Errorf("price has unsupported type %T", v)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("price %v is out of range", f)
	}
	return &f, nil
}
