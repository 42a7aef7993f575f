package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/ecotrace/ecotrace/internal/product"
)

// Event types.
const (
	EventBatchStarted     = "batch_started"
	EventProductCompleted = "product_completed"
	EventProductRetry     = "product_retry"
	EventProductFailed    = "product_failed"
	EventRunFinished      = "run_finished"
)

// Event describes one step of a run. Tenant is empty for run-level events.
type Event struct {
	Type      string         `json:"type"`
	Tenant    product.Tenant `json:"tenant,omitempty"`
	ProductID string         `json:"product_id,omitempty"`
	Code      string         `json:"code,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Error     string         `json:"error,omitempty"`
	BatchSize int            `json:"batch_size,omitempty"`
	Processed int            `json:"processed,omitempty"`
	Failed    int            `json:"failed,omitempty"`
	Time      time.Time      `json:"time"`
}

// publishBuffer bounds the events waiting for the publisher. Events beyond it
// are dropped so a slow sink never holds up settling products.
const publishBuffer = 1024

// Publisher forwards events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscribe returns a buffered channel receiving the tenant's product events
// and every run-level event.
func (q *Queue) Subscribe(tenant product.Tenant) chan Event {
	ch := make(chan Event, 64)
	q.subMu.Lock()
	q.subs[tenant] = append(q.subs[tenant], ch)
	q.subMu.Unlock()
	return ch
}

// Unsubscribe removes ch. The channel is not closed.
func (q *Queue) Unsubscribe(tenant product.Tenant, ch chan Event) {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	chans := q.subs[tenant]
	for i, c := range chans {
		if c == ch {
			q.subs[tenant] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(q.subs[tenant]) == 0 {
		delete(q.subs, tenant)
	}
}

// emit fans ev out to subscribers and hands it to the publisher, never blocking.
func (q *Queue) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	q.subMu.RLock()
	var targets []chan Event
	if ev.Tenant == "" {
		for _, chans := range q.subs {
			targets = append(targets, chans...)
		}
	} else {
		targets = append(targets, q.subs[ev.Tenant]...)
	}
	q.subMu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
		}
	}

	if q.pubCh == nil {
		return
	}
	select {
	case q.pubCh <- ev:
	default:
		slog.Warn("queue: publish buffer full, event dropped", "type", ev.Type, "code", ev.Code)
	}
}

// publishLoop delivers events to the publisher in emission order.
func (q *Queue) publishLoop() {
	for ev := range q.pubCh {
		if err := q.pub.Publish(context.Background(), ev); err != nil {
			slog.Warn("queue: publish event failed", "type", ev.Type, "code", ev.Code, "error", err)
		}
	}
}
