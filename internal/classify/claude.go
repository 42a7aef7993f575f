package classify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecotrace/ecotrace/internal/product"
)

// Completer runs one prompt against a language model and returns its raw text.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, prompt string) (string, error)
}

// ClaudeClient implements Service on top of a Completer, pacing calls through a Limiter.
type ClaudeClient struct {
	llm     Completer
	limiter *Limiter
}

// NewClaudeClient returns a Service. limiter may be nil to disable pacing.
func NewClaudeClient(llm Completer, limiter *Limiter) *ClaudeClient {
	return &ClaudeClient{llm: llm, limiter: limiter}
}

var _ Service = (*ClaudeClient)(nil)

func (c *ClaudeClient) complete(ctx context.Context, tenant product.Tenant, st stage, batch bool, ds []Descriptor) (string, error) {
	var prompt string
	var err error
	if batch {
		prompt, err = batchPrompt(ds)
	} else {
		prompt, err = singlePrompt(ds[0])
	}
	if err != nil {
		return "", err
	}

	tokens := EstimateTokens(ds)
	if err := c.limiter.Wait(ctx, tokens); err != nil {
		return "", err
	}

	start := time.Now()
	raw, err := c.llm.Complete(ctx, st.systemPrompt(batch), prompt)
	if err != nil {
		return "", fmt.Errorf("classify %s: %w", st.name, err)
	}
	slog.Debug("classify: call done",
		"tenant", tenant, "stage", st.name, "products", len(ds),
		"estimated_tokens", tokens, "duration", time.Since(start))
	return raw, nil
}

func (c *ClaudeClient) ClassifyCategory(ctx context.Context, tenant product.Tenant, d Descriptor) (Category, error) {
	raw, err := c.complete(ctx, tenant, stageCategory, false, []Descriptor{d})
	if err != nil {
		return Category{}, err
	}
	var out Category
	if err := decodeObject(raw, &out); err != nil {
		return Category{}, err
	}
	if out.Category == "" {
		return Category{}, fmt.Errorf("%w: empty category for %s", ErrInvalidResponse, d.Code)
	}
	return out, nil
}

func (c *ClaudeClient) ClassifyBOM(ctx context.Context, tenant product.Tenant, d Descriptor) ([]product.Material, error) {
	raw, err := c.complete(ctx, tenant, stageBOM, false, []Descriptor{d})
	if err != nil {
		return nil, err
	}
	var out struct {
		Materials []product.Material `json:"materials"`
	}
	if err := decodeObject(raw, &out); err != nil {
		return nil, err
	}
	if len(out.Materials) == 0 {
		return nil, fmt.Errorf("%w: empty bill of materials for %s", ErrInvalidResponse, d.Code)
	}
	return out.Materials, nil
}

func (c *ClaudeClient) ClassifyProcesses(ctx context.Context, tenant product.Tenant, d Descriptor) ([]product.Process, error) {
	raw, err := c.complete(ctx, tenant, stageProcess, false, []Descriptor{d})
	if err != nil {
		return nil, err
	}
	var out struct {
		Processes []product.Process `json:"processes"`
	}
	if err := decodeObject(raw, &out); err != nil {
		return nil, err
	}
	return out.Processes, nil
}

func (c *ClaudeClient) ClassifyCategoryBatch(ctx context.Context, tenant product.Tenant, ds []Descriptor) ([]CategoryResult, error) {
	raw, err := c.complete(ctx, tenant, stageCategory, true, ds)
	if err != nil {
		return nil, err
	}
	results, err := decodeList[CategoryResult](raw)
	if err != nil {
		return nil, err
	}
	// Entries without a code or category are dropped; the pipeline treats the
	// missing code as a per-product miss.
	kept := results[:0]
	for _, r := range results {
		if r.ProductCode != "" && r.Category.Category != "" {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (c *ClaudeClient) ClassifyBOMBatch(ctx context.Context, tenant product.Tenant, ds []Descriptor) ([]BOMResult, error) {
	raw, err := c.complete(ctx, tenant, stageBOM, true, ds)
	if err != nil {
		return nil, err
	}
	results, err := decodeList[BOMResult](raw)
	if err != nil {
		return nil, err
	}
	kept := results[:0]
	for _, r := range results {
		if r.ProductCode != "" && len(r.Materials) > 0 {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (c *ClaudeClient) ClassifyProcessesBatch(ctx context.Context, tenant product.Tenant, ds []Descriptor) ([]ProcessResult, error) {
	raw, err := c.complete(ctx, tenant, stageProcess, true, ds)
	if err != nil {
		return nil, err
	}
	results, err := decodeList[ProcessResult](raw)
	if err != nil {
		return nil, err
	}
	kept := results[:0]
	for _, r := range results {
		if r.ProductCode != "" {
			kept = append(kept, r)
		}
	}
	return kept, nil
}
