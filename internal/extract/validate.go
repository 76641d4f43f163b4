package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// Extraction is the validated, normalized result for one listing.
type Extraction struct {
	Name        string   `json:"name"`
	Brand       string   `json:"brand"`
	Category    string   `json:"category"`
	Price       *float64 `json:"price,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	Size        string   `json:"size,omitempty"`
	Description string   `json:"description,omitempty"`
	Ingredients string   `json:"ingredients,omitempty"`
	Concerns    []string `json:"concerns,omitempty"`
	SkinTypes   []string `json:"skin_types,omitempty"`
}

// IdentityKey is the canonical identity of a product: normalized brand and
// name joined by "|". Two listings with the same key describe one product.
func (e Extraction) IdentityKey() string {
	return NormalizeKey(e.Brand) + "|" + NormalizeKey(e.Name)
}

// NormalizeKey case-folds s and collapses runs of whitespace.
func NormalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

type modelExtraction struct {
	Name        string   `json:"name"`
	Brand       string   `json:"brand"`
	Category    string   `json:"category"`
	Price       *float64 `json:"price"`
	Currency    string   `json:"currency"`
	Size        string   `json:"size"`
	Description string   `json:"description"`
	Ingredients string   `json:"ingredients"`
	Concerns    []string `json:"concerns"`
	SkinTypes   []string `json:"skin_types"`
}

// decodeExtraction validates model output against the extraction schema and
// merges it with the listing. Fields scraped verbatim win over model output
// where the model could only paraphrase them (ingredients, price).
func decodeExtraction(content string, l Listing) (Extraction, error) {
	var m modelExtraction
	if err := json.Unmarshal([]byte(content), &m); err != nil {
		return Extraction{}, fmt.Errorf("decoding extraction: %w", err)
	}

	e := Extraction{
		Name:        strings.TrimSpace(m.Name),
		Brand:       strings.TrimSpace(m.Brand),
		Category:    normalizeCategory(m.Category),
		Currency:    strings.ToUpper(strings.TrimSpace(m.Currency)),
		Size:        strings.TrimSpace(m.Size),
		Description: strings.TrimSpace(m.Description),
		Ingredients: l.Ingredients,
		Concerns:    normalizeTags(m.Concerns),
		SkinTypes:   normalizeTags(m.SkinTypes),
	}
	if e.Name == "" {
		return Extraction{}, errors.New("extraction has empty name")
	}
	if e.Brand == "" {
		e.Brand = l.Brand
	}
	if e.Category == "other" && l.Category != "" {
		e.Category = normalizeCategory(l.Category)
	}
	if e.Ingredients == "" {
		e.Ingredients = strings.TrimSpace(m.Ingredients)
	}
	if e.Description == "" {
		e.Description = l.Description
	}
	if e.Size == "" {
		e.Size = l.Size
	}
	if e.Currency == "" {
		e.Currency = strings.ToUpper(l.Currency)
	}

	switch {
	case l.Price != nil:
		e.Price = l.Price
	case m.Price != nil:
		p := *m.Price
		if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return Extraction{}, fmt.Errorf("extraction has invalid price %v", p)
		}
		if p > 0 {
			e.Price = &p
		}
	}
	return e, nil
}

func normalizeCategory(c string) string {
	c = strings.ReplaceAll(NormalizeKey(c), " ", "_")
	if slices.Contains(Categories, c) {
		return c
	}
	return "other"
}

func normalizeTags(in []string) []string {
	var out []string
	for _, t := range in {
		t = NormalizeKey(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// IngredientInfo is reference data for one ingredient.
type IngredientInfo struct {
	INCIName    string   `json:"inci_name"`
	CommonName  string   `json:"common_name"`
	Functions   []string `json:"functions"`
	SafetyLevel string   `json:"safety_level"`
	SafetyNotes string   `json:"safety_notes"`
}

func decodeIngredientInfo(content string) (IngredientInfo, error) {
	var info IngredientInfo
	if err := json.Unmarshal([]byte(content), &info); err != nil {
		return IngredientInfo{}, fmt.Errorf("decoding ingredient info: %w", err)
	}
	info.INCIName = strings.TrimSpace(info.INCIName)
	info.CommonName = strings.TrimSpace(info.CommonName)
	info.SafetyNotes = strings.TrimSpace(info.SafetyNotes)
	info.Functions = normalizeTags(info.Functions)
	info.SafetyLevel = NormalizeKey(info.SafetyLevel)
	if !slices.Contains(SafetyLevels, info.SafetyLevel) {
		info.SafetyLevel = ""
	}
	return info, nil
}
