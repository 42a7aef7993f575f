package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ecotrace/ecotrace/internal/product"
	"github.com/ecotrace/ecotrace/internal/queue"
)

// maxCreateBatch caps the products accepted by one POST /api/v1/products.
const maxCreateBatch = 1000

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store product.Store
	queue *queue.Queue
}

func NewHandler(store product.Store, q *queue.Queue) *Handler {
	return &Handler{store: store, queue: q}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("POST /api/v1/products", h.CreateProducts)
	mux.HandleFunc("GET /api/v1/products", h.ListProducts)
	mux.HandleFunc("GET /api/v1/products/stats", h.ProductStats)
	mux.HandleFunc("GET /api/v1/products/{id}", h.GetProduct)
	mux.HandleFunc("POST /api/v1/queue/process", h.ProcessPending)
	mux.HandleFunc("GET /api/v1/queue/status", h.QueueStatus)
	mux.HandleFunc("POST /api/v1/queue/stop", h.StopQueue)
	mux.HandleFunc("PUT /api/v1/queue/config", h.UpdateQueueConfig)
	mux.HandleFunc("GET /api/v1/queue/events", h.StreamEvents)
}

type createProductsRequest struct {
	Products []product.CreateRequest `json:"products"`
}

type createError struct {
	Index int    `json:"index"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// CreateProducts handles POST /api/v1/products. Products are stored as pending;
// invalid or duplicate entries are reported per index without failing the rest.
func (h *Handler) CreateProducts(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req createProductsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Products) == 0 {
		writeError(w, http.StatusBadRequest, "products must not be empty")
		return
	}
	if len(req.Products) > maxCreateBatch {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d products per request", maxCreateBatch))
		return
	}

	tenant := TenantFrom(r.Context())
	created := make([]*product.Product, 0, len(req.Products))
	failures := []createError{}
	for i, cr := range req.Products {
		if err := cr.Validate(); err != nil {
			failures = append(failures, createError{Index: i, Code: cr.Code, Error: err.Error()})
			continue
		}
		p := &product.Product{
			ID:              uuid.New().String(),
			Tenant:          tenant,
			Code:            cr.Code,
			Name:            cr.Name,
			Description:     cr.Description,
			Weight:          cr.Weight,
			CountryOfOrigin: cr.CountryOfOrigin,
			ImageURL:        cr.ImageURL,
			Status:          product.StatusPending,
			CreatedAt:       time.Now().UTC(),
		}
		if err := h.store.Create(r.Context(), p); err != nil {
			msg := "failed to create product"
			if errors.Is(err, product.ErrDuplicateCode) {
				msg = product.ErrDuplicateCode.Error()
			} else {
				slog.Error("create product", "tenant", tenant, "code", cr.Code, "error", err)
			}
			failures = append(failures, createError{Index: i, Code: cr.Code, Error: msg})
			continue
		}
		created = append(created, p)
	}

	status := http.StatusCreated
	if len(created) == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"created": created,
		"errors":  failures,
	})
}

// ListProducts handles GET /api/v1/products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	limit, offset := product.ClampPage(
		parseIntParam(r.URL.Query().Get("limit"), 20),
		parseIntParam(r.URL.Query().Get("offset"), 0),
	)

	products, total, err := h.store.List(r.Context(), TenantFrom(r.Context()), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	if products == nil {
		products = []*product.Product{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"products": products,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// ProductStats handles GET /api/v1/products/stats with per-status counts.
func (h *Handler) ProductStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByStatus(r.Context(), TenantFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count products")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"by_status": counts,
		"total":     total,
	})
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Get(r.Context(), TenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get product")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ProcessPending handles POST /api/v1/queue/process: every pending product of
// the tenant is admitted and the call returns without waiting for the run.
func (h *Handler) ProcessPending(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	pending, err := h.store.FindPending(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load pending products")
		return
	}
	added := h.queue.Enqueue(tenant, pending)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"pending": len(pending),
		"queued":  added,
		"status":  h.queue.Status(),
	})
}

func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Status())
}

func (h *Handler) StopQueue(w http.ResponseWriter, r *http.Request) {
	h.queue.Stop()
	writeJSON(w, http.StatusOK, h.queue.Status())
}

// UpdateQueueConfig handles PUT /api/v1/queue/config. Out-of-range fields are
// ignored; the response carries the configuration in effect.
func (h *Handler) UpdateQueueConfig(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var u queue.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	h.queue.UpdateConfig(u)
	writeJSON(w, http.StatusOK, h.queue.Status().Config)
}

// Health handles GET /api/v1/health and responds 200.
// It also reports Claude OAuth token validity from ~/.claude/.credentials.json.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "claude_auth": "unknown"}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		data, err := os.ReadFile(filepath.Join(homeDir, ".claude", ".credentials.json"))
		if err == nil {
			var creds struct {
				ClaudeAiOauth struct {
					ExpiresAt int64 `json:"expiresAt"`
				} `json:"claudeAiOauth"`
			}
			if json.Unmarshal(data, &creds) == nil && creds.ClaudeAiOauth.ExpiresAt > 0 {
				expiresAt := time.UnixMilli(creds.ClaudeAiOauth.ExpiresAt).UTC()
				if time.Until(expiresAt) > 0 {
					resp["claude_auth"] = "valid"
				} else {
					resp["claude_auth"] = "expired"
				}
				resp["token_expires_at"] = expiresAt.Format(time.RFC3339)
			}
		}
	}

	st := h.queue.Status()
	resp["queue"] = map[string]any{"running": st.Running, "queue_length": st.QueueLength}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
