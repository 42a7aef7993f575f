// Package queue schedules product classification against a rate-limited provider:
// it admits products, drains them in paced batches, fans sub-group calls out with
// bounded concurrency and retries failures a bounded number of times.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ecotrace/ecotrace/internal/batch"
	"github.com/ecotrace/ecotrace/internal/classify"
	"github.com/ecotrace/ecotrace/internal/pipeline"
	"github.com/ecotrace/ecotrace/internal/product"
	"github.com/ecotrace/ecotrace/internal/webhook"
)

// MaxAttempts is how many times an item is tried before it is marked failed.
const MaxAttempts = 3

// Processor runs the classification pipeline. *pipeline.Pipeline satisfies it.
type Processor interface {
	ProcessGroup(ctx context.Context, tenant product.Tenant, products []*product.Product) []pipeline.Outcome
	ProcessOne(ctx context.Context, tenant product.Tenant, p *product.Product) error
}

// Options holds the optional collaborators of a Queue.
type Options struct {
	Publisher Publisher
	// CallbackURL receives a RunSummary each time a run ends.
	CallbackURL string
	// Notify delivers the summary; defaults to a webhook.Notifier.
	Notify func(ctx context.Context, url string, payload []byte)
}

type item struct {
	product  *product.Product
	tenant   product.Tenant
	attempts int
	addedAt  time.Time
}

func (it *item) key() string { return string(it.tenant) + "/" + it.product.ID }

// Status is a point-in-time view of the queue.
type Status struct {
	QueueLength    int          `json:"queue_length"`
	InFlight       int          `json:"in_flight"`
	Running        bool         `json:"running"`
	Processed      int          `json:"processed"`
	Failed         int          `json:"failed"`
	Config         StatusConfig `json:"config"`
	RunStartedAt   *time.Time   `json:"run_started_at"`
	BatchStartedAt *time.Time   `json:"batch_started_at"`
}

type StatusConfig struct {
	BatchSize             int   `json:"batch_size"`
	BatchDelayMs          int64 `json:"batch_delay_ms"`
	MaxConcurrentRequests int   `json:"max_concurrent_requests"`
	TokenLimit            int   `json:"token_limit"`
}

// RunSummary is posted to the callback URL when a run ends.
type RunSummary struct {
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
	Remaining  int       `json:"remaining"`
	Stopped    bool      `json:"stopped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Queue owns the in-memory work list and the single drain loop.
type Queue struct {
	store  product.Store
	proc   Processor
	pub    Publisher
	pubCh  chan Event
	cbURL  string
	notify func(ctx context.Context, url string, payload []byte)

	mu         sync.Mutex
	cfg        Config
	ctx        context.Context
	items      []*item
	tracked    map[string]bool // queued or in flight
	running    bool
	loopActive bool
	stopCh     chan struct{}
	processed  int
	failed     int
	runStart   time.Time
	batchStart *time.Time

	subMu sync.RWMutex
	subs  map[product.Tenant][]chan Event
}

// New creates an idle Queue. cfg is used as given; bounds apply to UpdateConfig.
func New(cfg Config, store product.Store, proc Processor, opts Options) *Queue {
	notify := opts.Notify
	if notify == nil {
		notify = webhook.New(EventRunFinished).Send
	}
	q := &Queue{
		store:   store,
		proc:    proc,
		pub:     opts.Publisher,
		cbURL:   opts.CallbackURL,
		notify:  notify,
		cfg:     cfg,
		ctx:     context.Background(),
		tracked: make(map[string]bool),
		stopCh:  make(chan struct{}),
		subs:    make(map[product.Tenant][]chan Event),
	}
	if q.pub != nil {
		q.pubCh = make(chan Event, publishBuffer)
		go q.publishLoop()
	}
	return q
}

// Start binds the queue to ctx: cancelling it ends the drain loop after the
// current batch. Items admitted before Start are drained now.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx = ctx
	if len(q.items) > 0 {
		q.startRunLocked()
	}
}

// Enqueue admits products of one tenant and returns how many were added.
// Products already queued or in flight are skipped. If a run is active the
// items are appended to it; otherwise a new run starts in the background, which
// also resumes items left queued by Stop even when nothing new was added.
func (q *Queue) Enqueue(tenant product.Tenant, products []*product.Product) int {
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, p := range products {
		it := &item{product: p, tenant: tenant, addedAt: now}
		if q.tracked[it.key()] {
			continue
		}
		q.tracked[it.key()] = true
		q.items = append(q.items, it)
		added++
	}
	if !q.running && len(q.items) > 0 {
		q.startRunLocked()
	}
	return added
}

func (q *Queue) startRunLocked() {
	q.running = true
	q.processed, q.failed = 0, 0
	q.runStart = time.Now().UTC()
	if !q.loopActive {
		q.loopActive = true
		go q.run(q.ctx)
	}
	slog.Info("queue: run started", "queued", len(q.items))
}

// Stop ends the run once the in-flight batch settles. Queued items stay queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	q.running = false
	close(q.stopCh)
	q.stopCh = make(chan struct{})
	slog.Info("queue: stop requested", "queued", len(q.items))
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{
		QueueLength: len(q.items),
		InFlight:    len(q.tracked) - len(q.items),
		Running:     q.running,
		Processed:   q.processed,
		Failed:      q.failed,
		Config: StatusConfig{
			BatchSize:             q.cfg.BatchSize,
			BatchDelayMs:          q.cfg.BatchDelay.Milliseconds(),
			MaxConcurrentRequests: q.cfg.MaxConcurrentRequests,
			TokenLimit:            q.cfg.TokenLimit,
		},
	}
	if !q.runStart.IsZero() {
		t := q.runStart
		st.RunStartedAt = &t
	}
	if q.batchStart != nil {
		t := *q.batchStart
		st.BatchStartedAt = &t
	}
	return st
}

// UpdateConfig applies the in-range fields of u and returns the effective
// config. Changes take effect from the next batch.
func (q *Queue) UpdateConfig(u ConfigUpdate) Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = u.apply(q.cfg)
	return q.cfg
}

// run is the drain loop. Exactly one runs at a time, guarded by loopActive.
func (q *Queue) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue: drain loop panicked", "panic", r)
			q.mu.Lock()
			q.running = false
			q.loopActive = false
			q.batchStart = nil
			q.mu.Unlock()
		}
	}()

	for {
		q.mu.Lock()
		if !q.running || len(q.items) == 0 || ctx.Err() != nil {
			summary := RunSummary{
				Processed:  q.processed,
				Failed:     q.failed,
				Remaining:  len(q.items),
				Stopped:    len(q.items) > 0,
				StartedAt:  q.runStart,
				FinishedAt: time.Now().UTC(),
			}
			q.running = false
			q.loopActive = false
			q.batchStart = nil
			q.mu.Unlock()
			q.finishRun(ctx, summary)
			return
		}

		n := min(q.cfg.BatchSize, len(q.items))
		drained := make([]*item, n)
		copy(drained, q.items[:n])
		q.items = q.items[n:]
		cfg := q.cfg
		started := time.Now().UTC()
		q.batchStart = &started
		q.mu.Unlock()

		slog.Info("queue: batch started", "size", len(drained))
		q.emit(Event{Type: EventBatchStarted, BatchSize: len(drained), Time: started})
		q.processBatch(ctx, cfg, drained)

		q.mu.Lock()
		q.batchStart = nil
		more := q.running && len(q.items) > 0
		stop := q.stopCh
		delay := q.cfg.BatchDelay
		q.mu.Unlock()

		if !more {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
		}
	}
}

func (q *Queue) finishRun(ctx context.Context, s RunSummary) {
	slog.Info("queue: run finished",
		"processed", s.Processed, "failed", s.Failed, "remaining", s.Remaining, "stopped", s.Stopped)
	q.emit(Event{Type: EventRunFinished, Processed: s.Processed, Failed: s.Failed, Time: s.FinishedAt})

	if q.cbURL == "" {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		slog.Error("queue: encode run summary", "error", err)
		return
	}
	q.notify(context.WithoutCancel(ctx), q.cbURL, payload)
}

// task is one unit of concurrent dispatch: a token-bounded group or a single
// image-bearing item.
type task struct {
	tenant product.Tenant
	items  []*item
	single bool
}

func (q *Queue) processBatch(ctx context.Context, cfg Config, drained []*item) {
	var tasks []task
	for _, tg := range groupByTenant(drained) {
		withImage, withoutImage := batch.Partition(tg.items, func(it *item) bool {
			return it.product.HasImage()
		})
		for _, g := range batch.SizeGroups(withoutImage, describe, cfg.TokenLimit) {
			tasks = append(tasks, task{tenant: tg.tenant, items: g})
		}
		for _, it := range withImage {
			tasks = append(tasks, task{tenant: tg.tenant, items: []*item{it}, single: true})
		}
	}

	limit := max(cfg.MaxConcurrentRequests, 1)
	for start := 0; start < len(tasks); start += limit {
		if start > 0 && cfg.WavePause > 0 {
			select {
			case <-time.After(cfg.WavePause):
			case <-ctx.Done():
			}
		}
		wave := tasks[start:min(start+limit, len(tasks))]

		var g errgroup.Group
		g.SetLimit(limit)
		for _, t := range wave {
			g.Go(func() error {
				q.runTask(ctx, t)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func describe(it *item) classify.Descriptor {
	return classify.DescriptorOf(it.product)
}

type tenantGroup struct {
	tenant product.Tenant
	items  []*item
}

// groupByTenant keeps first-seen tenant order and FIFO order within a tenant.
func groupByTenant(items []*item) []tenantGroup {
	idx := make(map[product.Tenant]int)
	var groups []tenantGroup
	for _, it := range items {
		i, ok := idx[it.tenant]
		if !ok {
			i = len(groups)
			idx[it.tenant] = i
			groups = append(groups, tenantGroup{tenant: it.tenant})
		}
		groups[i].items = append(groups[i].items, it)
	}
	return groups
}

func (q *Queue) runTask(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("pipeline panic: %v", r)
			slog.Error("queue: task panicked", "tenant", t.tenant, "products", len(t.items), "panic", r)
			for _, it := range t.items {
				q.handleFailure(ctx, it, err)
			}
		}
	}()

	for _, it := range t.items {
		if err := q.store.UpdateStatus(ctx, t.tenant, it.product.ID, product.StatusProcessing, ""); err != nil {
			slog.Warn("queue: mark processing failed", "tenant", t.tenant, "code", it.product.Code, "error", err)
		}
	}

	if t.single {
		it := t.items[0]
		q.settle(ctx, it, q.proc.ProcessOne(ctx, t.tenant, it.product))
		return
	}

	products := make([]*product.Product, len(t.items))
	for i, it := range t.items {
		products[i] = it.product
	}
	outcomes := q.proc.ProcessGroup(ctx, t.tenant, products)
	if len(outcomes) != len(t.items) {
		err := errors.New("pipeline returned a mismatched outcome count")
		for _, it := range t.items {
			q.handleFailure(ctx, it, err)
		}
		return
	}
	for i, o := range outcomes {
		q.settle(ctx, t.items[i], o.Err)
	}
}

func (q *Queue) settle(ctx context.Context, it *item, err error) {
	if err != nil {
		q.handleFailure(ctx, it, err)
		return
	}
	q.mu.Lock()
	q.processed++
	delete(q.tracked, it.key())
	q.mu.Unlock()

	q.emit(Event{
		Type: EventProductCompleted, Tenant: it.tenant,
		ProductID: it.product.ID, Code: it.product.Code, Attempt: it.attempts + 1,
	})
}

// handleFailure requeues it at the front while attempts remain, otherwise
// records the terminal failure. A failed terminal write is logged only.
func (q *Queue) handleFailure(ctx context.Context, it *item, cause error) {
	q.mu.Lock()
	it.attempts++
	if it.attempts < MaxAttempts {
		q.items = append([]*item{it}, q.items...)
		q.mu.Unlock()

		slog.Warn("queue: product will be retried",
			"tenant", it.tenant, "code", it.product.Code, "attempt", it.attempts, "error", cause)
		q.emit(Event{
			Type: EventProductRetry, Tenant: it.tenant,
			ProductID: it.product.ID, Code: it.product.Code, Attempt: it.attempts, Error: cause.Error(),
		})
		return
	}
	q.failed++
	delete(q.tracked, it.key())
	q.mu.Unlock()

	slog.Error("queue: product failed",
		"tenant", it.tenant, "code", it.product.Code, "attempts", it.attempts,
		"queued_for", time.Since(it.addedAt), "error", cause)
	if err := q.store.UpdateStatus(context.WithoutCancel(ctx), it.tenant, it.product.ID, product.StatusFailed, cause.Error()); err != nil {
		slog.Error("queue: terminal status write failed", "tenant", it.tenant, "code", it.product.Code, "error", err)
	}
	q.emit(Event{
		Type: EventProductFailed, Tenant: it.tenant,
		ProductID: it.product.ID, Code: it.product.Code, Attempt: it.attempts, Error: cause.Error(),
	})
}
