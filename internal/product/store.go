package product

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateCode is returned by Create when the tenant already has a product with the same code.
var ErrDuplicateCode = errors.New("product code already exists")

// Store persists and retrieves products, partitioned by tenant.
type Store interface {
	Create(ctx context.Context, p *Product) error
	// Get returns nil, nil when the product does not exist.
	Get(ctx context.Context, tenant Tenant, id string) (*Product, error)
	// List returns a page of products ordered by created_at DESC, plus the total count.
	List(ctx context.Context, tenant Tenant, limit, offset int) ([]*Product, int, error)
	FindPending(ctx context.Context, tenant Tenant) ([]*Product, error)
	// UpdateClassification writes the classification result and marks the product completed.
	UpdateClassification(ctx context.Context, tenant Tenant, id string, c Classification) error
	UpdateStatus(ctx context.Context, tenant Tenant, id string, status Status, errMsg string) error
	CountByStatus(ctx context.Context, tenant Tenant) (map[Status]int, error)
	// ResetStale moves products that entered "processing" before the cutoff back to
	// "pending" and returns them. Rows for which skip reports true are left alone;
	// skip may be nil. Called at startup and by the periodic sweep.
	ResetStale(ctx context.Context, before time.Time, skip func(*Product) bool) ([]*Product, error)
}

// ClampPage normalises pagination parameters the same way for every store.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
