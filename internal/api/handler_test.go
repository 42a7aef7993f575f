package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ecotrace/ecotrace/internal/pipeline"
	"github.com/ecotrace/ecotrace/internal/product"
	"github.com/ecotrace/ecotrace/internal/queue"
)

// stubProcessor completes every product with a fixed classification.
type stubProcessor struct {
	store product.Store
}

func (s stubProcessor) ProcessOne(ctx context.Context, tenant product.Tenant, p *product.Product) error {
	return s.store.UpdateClassification(ctx, tenant, p.ID, product.Classification{
		Category:       "Furniture",
		Subcategory:    "Chairs",
		TotalEmissions: 1.5,
		ProcessedAt:    time.Now().UTC(),
	})
}

func (s stubProcessor) ProcessGroup(ctx context.Context, tenant product.Tenant, products []*product.Product) []pipeline.Outcome {
	out := make([]pipeline.Outcome, len(products))
	for i, p := range products {
		out[i] = pipeline.Outcome{Product: p, Err: s.ProcessOne(ctx, tenant, p)}
	}
	return out
}

const testAPIKey = "test-api-key"

// newTestServer builds an httptest.Server with a real SQLiteStore, Queue and Handler.
func newTestServer(t *testing.T) (*httptest.Server, *product.SQLiteStore, *queue.Queue) {
	t.Helper()

	store, err := product.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	cfg := queue.DefaultConfig()
	cfg.BatchDelay = 5 * time.Millisecond
	cfg.WavePause = 0
	q := queue.New(cfg, store, stubProcessor{store: store}, queue.Options{})
	h := NewHandler(store, q)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	handler := Chain(mux, RequestID, Auth([]string{testAPIKey}), Tenant("default"))

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})
	return srv, store, q
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, tenant string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type createResponse struct {
	Created []product.Product `json:"created"`
	Errors  []createError     `json:"errors"`
}

func createProducts(t *testing.T, srv *httptest.Server, tenant string, reqs ...product.CreateRequest) createResponse {
	t.Helper()
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/products", tenant, map[string]any{"products": reqs})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, want 201", resp.StatusCode)
	}
	return decode[createResponse](t, resp)
}

func TestCreateProducts_ReportsPerItemErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)

	got := createProducts(t, srv, "acme",
		product.CreateRequest{Code: "SKU-1", Name: "Chair"},
		product.CreateRequest{Code: "", Name: "Nameless"},
		product.CreateRequest{Code: "SKU-1", Name: "Duplicate"},
	)
	if len(got.Created) != 1 || got.Created[0].Tenant != "acme" || got.Created[0].Status != product.StatusPending {
		t.Fatalf("created = %+v", got.Created)
	}
	if len(got.Errors) != 2 || got.Errors[0].Index != 1 || got.Errors[1].Index != 2 {
		t.Fatalf("errors = %+v", got.Errors)
	}
	if got.Errors[1].Error != product.ErrDuplicateCode.Error() {
		t.Errorf("duplicate error = %q", got.Errors[1].Error)
	}
}

func TestCreateProducts_BadBodies(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"not an object", []int{1, 2}, http.StatusBadRequest},
		{"empty list", map[string]any{"products": []any{}}, http.StatusBadRequest},
		{"all invalid", map[string]any{"products": []map[string]string{{"code": "X"}}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, srv, http.MethodPost, "/api/v1/products", "acme", tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestGetProduct_TenantScoped(t *testing.T) {
	srv, _, _ := newTestServer(t)
	id := createProducts(t, srv, "acme", product.CreateRequest{Code: "SKU-1", Name: "Chair"}).Created[0].ID

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/products/"+id, "acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("same tenant: status = %d, want 200", resp.StatusCode)
	}
	if p := decode[product.Product](t, resp); p.Code != "SKU-1" {
		t.Errorf("code = %q", p.Code)
	}

	other := doRequest(t, srv, http.MethodGet, "/api/v1/products/"+id, "globex", nil)
	other.Body.Close()
	if other.StatusCode != http.StatusNotFound {
		t.Errorf("other tenant: status = %d, want 404", other.StatusCode)
	}
}

func TestListProducts_DefaultTenantAndEmptyArray(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/products?limit=500", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if list, ok := body["products"].([]any); !ok || len(list) != 0 {
		t.Errorf("products = %v, want empty array", body["products"])
	}
	if body["limit"] != float64(100) {
		t.Errorf("limit = %v, want clamped to 100", body["limit"])
	}
}

func TestProcessPending_RunsToCompletion(t *testing.T) {
	srv, store, q := newTestServer(t)
	createProducts(t, srv, "acme",
		product.CreateRequest{Code: "A", Name: "Chair"},
		product.CreateRequest{Code: "B", Name: "Table", ImageURL: "https://img.example.com/b.jpg"},
	)

	resp := doRequest(t, srv, http.MethodPost, "/api/v1/queue/process", "acme", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["queued"] != float64(2) {
		t.Errorf("queued = %v, want 2", body["queued"])
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st := q.Status()
		if !st.Running && st.QueueLength == 0 && st.InFlight == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	counts, err := store.CountByStatus(context.Background(), "acme")
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[product.StatusCompleted] != 2 {
		t.Errorf("counts = %v, want 2 completed", counts)
	}

	stats := doRequest(t, srv, http.MethodGet, "/api/v1/products/stats", "acme", nil)
	body := decode[map[string]any](t, stats)
	if body["total"] != float64(2) {
		t.Errorf("stats total = %v", body["total"])
	}
}

func TestQueueConfig_RejectsOutOfRange(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodPut, "/api/v1/queue/config", "", map[string]int{
		"batch_size":              5000,
		"max_concurrent_requests": 5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[queue.StatusConfig](t, resp)
	if got.BatchSize != 500 || got.MaxConcurrentRequests != 5 {
		t.Errorf("config = %+v, want batch_size kept at 500 and concurrency 5", got)
	}

	status := decode[queue.Status](t, doRequest(t, srv, http.MethodGet, "/api/v1/queue/status", "", nil))
	if status.Config.BatchSize != 500 {
		t.Errorf("status batch_size = %d, want 500", status.Config.BatchSize)
	}
}

func TestStopQueue_Idle(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/queue/stop", "", nil)
	st := decode[queue.Status](t, resp)
	if resp.StatusCode != http.StatusOK || st.Running {
		t.Errorf("status = %d, running = %v", resp.StatusCode, st.Running)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestAuth_RejectsMissingKey(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/products")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestStreamEvents_SendsStatusSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/queue/events", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "event: status" {
		t.Errorf("first line = %q, want status event", line)
	}
}
