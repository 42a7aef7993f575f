// Package classify defines the contract of the AI classification capability and a
// CLI-backed implementation of it.
package classify

import (
	"context"
	"errors"

	"github.com/ecotrace/ecotrace/internal/product"
)

var (
	// ErrInvalidResponse means the model output could not be decoded or was incomplete.
	ErrInvalidResponse = errors.New("invalid classification response")
	// ErrMissingResult means a batched response omitted a requested product code.
	ErrMissingResult = errors.New("product missing from batch response")
)

// Descriptor is what the classifier sees of a product.
type Descriptor struct {
	Code            string   `json:"code"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Weight          *float64 `json:"weight_kg,omitempty"`
	CountryOfOrigin string   `json:"country_of_origin,omitempty"`
	ImageURL        string   `json:"image_url,omitempty"`
}

// DescriptorOf builds the classifier view of a persisted product.
func DescriptorOf(p *product.Product) Descriptor {
	return Descriptor{
		Code:            p.Code,
		Name:            p.Name,
		Description:     p.Description,
		Weight:          p.Weight,
		CountryOfOrigin: p.CountryOfOrigin,
		ImageURL:        p.ImageURL,
	}
}

type Category struct {
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
}

type CategoryResult struct {
	ProductCode string `json:"product_code"`
	Category
}

type BOMResult struct {
	ProductCode string             `json:"product_code"`
	Materials   []product.Material `json:"materials"`
}

type ProcessResult struct {
	ProductCode string            `json:"product_code"`
	Processes   []product.Process `json:"processes"`
}

// Service classifies products one at a time or in groups. Any call may fail as a
// whole; batched calls return at most one result per requested code, in any order.
type Service interface {
	ClassifyCategory(ctx context.Context, tenant product.Tenant, d Descriptor) (Category, error)
	ClassifyBOM(ctx context.Context, tenant product.Tenant, d Descriptor) ([]product.Material, error)
	ClassifyProcesses(ctx context.Context, tenant product.Tenant, d Descriptor) ([]product.Process, error)

	ClassifyCategoryBatch(ctx context.Context, tenant product.Tenant, ds []Descriptor) ([]CategoryResult, error)
	ClassifyBOMBatch(ctx context.Context, tenant product.Tenant, ds []Descriptor) ([]BOMResult, error)
	ClassifyProcessesBatch(ctx context.Context, tenant product.Tenant, ds []Descriptor) ([]ProcessResult, error)
}
