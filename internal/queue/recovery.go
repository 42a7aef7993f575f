package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecotrace/ecotrace/internal/product"
)

// Recover resets every product left in "processing" by a previous process and
// admits it again. Call it once at startup, before serving traffic.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	stale, err := q.store.ResetStale(ctx, time.Now().UTC(), nil)
	if err != nil {
		return 0, fmt.Errorf("reset processing: %w", err)
	}
	return q.admitByTenant(stale), nil
}

// StartSweep periodically resets products stuck in "processing" for longer
// than staleAfter and admits them. Products the queue still holds are left
// untouched. A non-positive interval disables it.
func (q *Queue) StartSweep(ctx context.Context, staleAfter, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stale, err := q.store.ResetStale(ctx, time.Now().UTC().Add(-staleAfter), q.isTracked)
				if err != nil {
					slog.Warn("queue: stale sweep failed", "error", err)
					continue
				}
				if n := q.admitByTenant(stale); n > 0 {
					slog.Info("queue: stale products re-admitted", "count", n)
				}
			}
		}
	}()
}

func (q *Queue) isTracked(p *product.Product) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tracked[(&item{product: p, tenant: p.Tenant}).key()]
}

func (q *Queue) admitByTenant(products []*product.Product) int {
	byTenant := make(map[product.Tenant][]*product.Product)
	var order []product.Tenant
	for _, p := range products {
		if _, ok := byTenant[p.Tenant]; !ok {
			order = append(order, p.Tenant)
		}
		byTenant[p.Tenant] = append(byTenant[p.Tenant], p)
	}
	added := 0
	for _, t := range order {
		added += q.Enqueue(t, byTenant[t])
	}
	return added
}
