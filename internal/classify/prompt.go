package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const baseSystemPrompt = `You classify consumer and industrial products for carbon accounting.
Respond with RAW JSON only: no code fences, no prose before or after the JSON.`

const categorySchema = `Assign each product a category and a subcategory.
Object shape: {"category": string, "subcategory": string}`

const bomSchema = `List each product's bill of materials. Use a broad material_class
(metal, plastic, wood, paper, textile, glass, rubber, ceramic, leather, electronic) and the
most specific_material you can infer. Weights are in kilograms. When a product declares
weight_kg, the material weights must add up to it.
Object shape: {"materials": [{"material_class": string, "specific_material": string, "weight": number}]}`

const processSchema = `List the manufacturing processes each product goes through
(e.g. injection molding, extrusion, casting, machining, stamping, welding, weaving, sewing,
dyeing, painting, assembly). weight is the kilograms of material the process is applied to.
Object shape: {"processes": [{"name": string, "material_class": string, "weight": number}]}`

// stage describes one of the three classification calls.
type stage struct {
	name   string
	schema string
}

var (
	stageCategory = stage{name: "category", schema: categorySchema}
	stageBOM      = stage{name: "bom", schema: bomSchema}
	stageProcess  = stage{name: "process", schema: processSchema}
)

func (s stage) systemPrompt(batch bool) string {
	var sb strings.Builder
	sb.WriteString(baseSystemPrompt)
	sb.WriteString("\n\n")
	sb.WriteString(s.schema)
	if batch {
		sb.WriteString("\n\nYou receive a JSON array of products. Return a JSON array with one object per product, " +
			`each also carrying the product's code as "product_code". Never skip a product.`)
	} else {
		sb.WriteString("\n\nYou receive one product. Return exactly one object.")
	}
	return sb.String()
}

func singlePrompt(d Descriptor) (string, error) {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode product: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("Product:\n")
	sb.Write(b)
	if d.ImageURL != "" {
		sb.WriteString("\n\nA photo of the product is available at ")
		sb.WriteString(d.ImageURL)
		sb.WriteString(". Use the visible materials and construction as evidence.")
	}
	return sb.String(), nil
}

func batchPrompt(ds []Descriptor) (string, error) {
	// Images are only sent through the single-product path.
	stripped := make([]Descriptor, len(ds))
	for i, d := range ds {
		d.ImageURL = ""
		stripped[i] = d
	}
	b, err := json.MarshalIndent(stripped, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode products: %w", err)
	}
	return "Products:\n" + string(b), nil
}

// stripCodeFences removes markdown code fences that LLMs sometimes add despite instructions.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		// Remove opening fence (```json, ```, etc.)
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		// Remove closing fence
		if strings.HasSuffix(s, "```") {
			s = s[:len(s)-3]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

func decodeObject(raw string, v any) error {
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// decodeList accepts a bare array or an object wrapping it under "results".
func decodeList[T any](raw string) ([]T, error) {
	body := []byte(stripCodeFences(raw))
	var list []T
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil || wrapped.Results == nil {
		if err == nil {
			err = errors.New("no result array")
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return wrapped.Results, nil
}
