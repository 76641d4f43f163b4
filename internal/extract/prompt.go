package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/inciq/internal/engine"
)

// Categories is the closed set of product categories a normalized product may carry.
var Categories = []string{
	"cleanser", "toner", "essence", "serum", "moisturizer", "sunscreen", "mask",
	"exfoliant", "eye_care", "lip_care", "body_care", "hair_care", "makeup", "fragrance", "other",
}

const extractSystemPrompt = `You are a product data normalizer for a cosmetics catalog. You receive one scraped retailer listing as JSON. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- name: the product name without the brand, size or marketing claims.
- brand: the manufacturer brand as printed on the product.
- category: exactly one of the allowed categories; use "other" when unsure.
- price: the numeric retail price, or 0 when the listing has none.
- size: the net content such as "50 ml" or "1.7 oz"; empty when unknown.
- ingredients: the full INCI declaration copied verbatim from the listing; empty when absent. Never invent ingredients.
- concerns: short lowercase tags for skin concerns the product targets.
- skin_types: short lowercase tags such as "dry", "oily", "sensitive".`

// BuildExtractPrompt constructs the chat messages for normalizing one listing.
func BuildExtractPrompt(l Listing) []engine.Message {
	body, _ := json.Marshal(l)
	return []engine.Message{
		{Role: "system", Content: extractSystemPrompt + "\n\nAllowed categories: " + strings.Join(Categories, ", ")},
		{Role: "user", Content: fmt.Sprintf("Listing:\n%s", body)},
	}
}

func extractionSchema() *engine.Schema {
	tags := &engine.SchemaProperty{Type: "string"}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"name":        {Type: "string", Description: "Product name without brand"},
			"brand":       {Type: "string", Description: "Manufacturer brand"},
			"category":    {Type: "string", Enum: Categories},
			"price":       {Type: "number", Description: "Retail price, 0 when unknown"},
			"currency":    {Type: "string", Description: "ISO 4217 code"},
			"size":        {Type: "string"},
			"description": {Type: "string", Description: "One or two sentence summary"},
			"ingredients": {Type: "string", Description: "INCI declaration verbatim"},
			"concerns":    {Type: "array", Items: tags},
			"skin_types":  {Type: "array", Items: tags},
		},
		Required: []string{"name", "brand", "category"},
	}
}

const enrichSystemPrompt = `You are a cosmetic chemistry reference. You receive one INCI ingredient name. Your output must be ONLY a single valid JSON object that conforms to the provided schema.

Rules:
- inci_name: the canonical INCI spelling in uppercase-initial form.
- common_name: the everyday name, or empty when it equals the INCI name.
- functions: cosmetic functions such as "humectant", "emollient", "preservative".
- safety_level: one of "low", "moderate", "high" concern.
- safety_notes: one short sentence, empty when nothing notable.`

// BuildEnrichPrompt constructs the chat messages for classifying one ingredient.
func BuildEnrichPrompt(name string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: enrichSystemPrompt},
		{Role: "user", Content: name},
	}
}

func enrichmentSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"inci_name":    {Type: "string"},
			"common_name":  {Type: "string"},
			"functions":    {Type: "array", Items: &engine.SchemaProperty{Type: "string"}},
			"safety_level": {Type: "string", Enum: SafetyLevels},
			"safety_notes": {Type: "string"},
		},
		Required: []string{"inci_name", "functions", "safety_level"},
	}
}

// SafetyLevels lists the accepted ingredient concern levels.
var SafetyLevels = []string{"low", "moderate", "high"}
