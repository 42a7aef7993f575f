// Package pipeline drives products through category, bill-of-materials and
// manufacturing-process classification and persists the derived emissions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ecotrace/ecotrace/internal/classify"
	"github.com/ecotrace/ecotrace/internal/product"
)

// WeightTolerance is the allowed gap in kg between a product's declared weight
// and the sum of its bill of materials.
const WeightTolerance = 0.01

// ErrWeightMismatch means the classified materials do not add up to the declared weight.
var ErrWeightMismatch = errors.New("bill of materials weight does not match product weight")

// Calculator derives emission figures from classification output.
type Calculator interface {
	RawMaterialEmissions(bom []product.Material, countryOfOrigin string) float64
	ProcessEmissions(processes []product.Process) float64
}

// Outcome is the per-product result of a group call. Err is nil once the
// product has been written as completed.
type Outcome struct {
	Product *product.Product
	Err     error
}

type Pipeline struct {
	svc   classify.Service
	store product.Store
	calc  Calculator
	now   func() time.Time
}

func New(svc classify.Service, store product.Store, calc Calculator) *Pipeline {
	return &Pipeline{svc: svc, store: store, calc: calc, now: time.Now}
}

// ProcessOne classifies a single product, image included, and persists the result.
func (p *Pipeline) ProcessOne(ctx context.Context, tenant product.Tenant, pr *product.Product) error {
	d := classify.DescriptorOf(pr)

	cat, err := p.svc.ClassifyCategory(ctx, tenant, d)
	if err != nil {
		return fmt.Errorf("category: %w", err)
	}
	bom, err := p.svc.ClassifyBOM(ctx, tenant, d)
	if err != nil {
		return fmt.Errorf("bill of materials: %w", err)
	}
	procs, err := p.svc.ClassifyProcesses(ctx, tenant, d)
	if err != nil {
		return fmt.Errorf("processes: %w", err)
	}
	return p.complete(ctx, tenant, pr, cat, bom, procs)
}

// ProcessGroup classifies products in three batched calls. A failing call fails
// every member; a code missing from any response fails only that member.
// The returned slice is aligned with products.
func (p *Pipeline) ProcessGroup(ctx context.Context, tenant product.Tenant, products []*product.Product) []Outcome {
	out := make([]Outcome, len(products))
	for i, pr := range products {
		out[i].Product = pr
	}
	fail := func(err error) []Outcome {
		for i := range out {
			out[i].Err = err
		}
		return out
	}

	ds := make([]classify.Descriptor, len(products))
	for i, pr := range products {
		ds[i] = classify.DescriptorOf(pr)
	}

	cats, err := p.svc.ClassifyCategoryBatch(ctx, tenant, ds)
	if err != nil {
		return fail(fmt.Errorf("category batch: %w", err))
	}
	boms, err := p.svc.ClassifyBOMBatch(ctx, tenant, ds)
	if err != nil {
		return fail(fmt.Errorf("bill of materials batch: %w", err))
	}
	procs, err := p.svc.ClassifyProcessesBatch(ctx, tenant, ds)
	if err != nil {
		return fail(fmt.Errorf("processes batch: %w", err))
	}

	catBy := make(map[string]classify.Category, len(cats))
	for _, r := range cats {
		catBy[r.ProductCode] = r.Category
	}
	bomBy := make(map[string][]product.Material, len(boms))
	for _, r := range boms {
		bomBy[r.ProductCode] = r.Materials
	}
	procBy := make(map[string][]product.Process, len(procs))
	for _, r := range procs {
		procBy[r.ProductCode] = r.Processes
	}

	for i, pr := range products {
		cat, okCat := catBy[pr.Code]
		bom, okBOM := bomBy[pr.Code]
		proc, okProc := procBy[pr.Code]
		switch {
		case !okCat:
			out[i].Err = fmt.Errorf("%w: %s absent from category results", classify.ErrMissingResult, pr.Code)
		case !okBOM:
			out[i].Err = fmt.Errorf("%w: %s absent from bill of materials results", classify.ErrMissingResult, pr.Code)
		case !okProc:
			out[i].Err = fmt.Errorf("%w: %s absent from process results", classify.ErrMissingResult, pr.Code)
		default:
			out[i].Err = p.complete(ctx, tenant, pr, cat, bom, proc)
		}
	}
	return out
}

func (p *Pipeline) complete(ctx context.Context, tenant product.Tenant, pr *product.Product, cat classify.Category, bom []product.Material, procs []product.Process) error {
	if err := checkWeight(pr, bom); err != nil {
		return err
	}

	raw := p.calc.RawMaterialEmissions(bom, pr.CountryOfOrigin)
	proc := p.calc.ProcessEmissions(procs)
	c := product.Classification{
		Category:             cat.Category,
		Subcategory:          cat.Subcategory,
		Materials:            bom,
		Processes:            procs,
		RawMaterialEmissions: raw,
		ProcessEmissions:     proc,
		TotalEmissions:       raw + proc,
		ProcessedAt:          p.now().UTC(),
	}
	if err := p.store.UpdateClassification(ctx, tenant, pr.ID, c); err != nil {
		return fmt.Errorf("persist classification: %w", err)
	}
	slog.Debug("pipeline: product completed", "tenant", tenant, "code", pr.Code, "total_emissions", c.TotalEmissions)
	return nil
}

// checkWeight only applies when the product declares a positive weight.
func checkWeight(pr *product.Product, bom []product.Material) error {
	if pr.Weight == nil || *pr.Weight <= 0 {
		return nil
	}
	var sum float64
	for _, m := range bom {
		sum += m.Weight
	}
	if math.Abs(sum-*pr.Weight) > WeightTolerance {
		return fmt.Errorf("%w: %s declares %.3f kg, materials sum to %.3f kg", ErrWeightMismatch, pr.Code, *pr.Weight, sum)
	}
	return nil
}
