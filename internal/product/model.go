package product

import (
	"errors"
	"time"
)

// Tenant identifies the data partition a product belongs to.
type Tenant string

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Material is one bill-of-materials line.
type Material struct {
	MaterialClass    string  `json:"material_class" dynamodbav:"material_class"`
	SpecificMaterial string  `json:"specific_material" dynamodbav:"specific_material"`
	Weight           float64 `json:"weight" dynamodbav:"weight"`
}

// Process is one manufacturing step applied to Weight kg of material.
type Process struct {
	Name          string  `json:"name" dynamodbav:"name"`
	MaterialClass string  `json:"material_class,omitempty" dynamodbav:"material_class,omitempty"`
	Weight        float64 `json:"weight" dynamodbav:"weight"`
}

type Product struct {
	ID                   string     `json:"id"`
	Tenant               Tenant     `json:"tenant"`
	Code                 string     `json:"code"`
	Name                 string     `json:"name"`
	Description          string     `json:"description,omitempty"`
	Weight               *float64   `json:"weight,omitempty"`
	CountryOfOrigin      string     `json:"country_of_origin,omitempty"`
	ImageURL             string     `json:"image_url,omitempty"`
	Status               Status     `json:"status"`
	Category             string     `json:"category,omitempty"`
	Subcategory          string     `json:"subcategory,omitempty"`
	Materials            []Material `json:"materials,omitempty"`
	Processes            []Process  `json:"processes,omitempty"`
	RawMaterialEmissions float64    `json:"raw_material_emissions"`
	ProcessEmissions     float64    `json:"process_emissions"`
	TotalEmissions       float64    `json:"total_emissions"`
	Error                string     `json:"error,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	LastProcessedAt      *time.Time `json:"last_processed_at,omitempty"`
}

// HasImage reports whether the product carries an image reference.
func (p *Product) HasImage() bool {
	return p.ImageURL != ""
}

// Classification is the field set written when a product completes.
type Classification struct {
	Category             string
	Subcategory          string
	Materials            []Material
	Processes            []Process
	RawMaterialEmissions float64
	ProcessEmissions     float64
	TotalEmissions       float64
	ProcessedAt          time.Time
}

// CreateRequest is the payload used to register a new product.
type CreateRequest struct {
	Code            string   `json:"code"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Weight          *float64 `json:"weight,omitempty"`
	CountryOfOrigin string   `json:"country_of_origin,omitempty"`
	ImageURL        string   `json:"image_url,omitempty"`
}

func (r *CreateRequest) Validate() error {
	if r.Code == "" {
		return errors.New("code must not be empty")
	}
	if r.Name == "" {
		return errors.New("name must not be empty")
	}
	if r.Weight != nil && *r.Weight < 0 {
		return errors.New("weight must not be negative")
	}
	return nil
}
