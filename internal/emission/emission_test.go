package emission

import (
	"math"
	"testing"

	"github.com/ecotrace/ecotrace/internal/product"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMaterialFactor_Fallbacks(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	tests := []struct {
		name            string
		class, specific string
		want            float64
	}{
		{"specific material", "metal", "Aluminium", 8.6},
		{"class default", "metal", "titanium", 2.0},
		{"unknown class", "unobtainium", "", 2.0},
		{"case and space insensitive", "  Plastic ", "ABS", 3.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tbl.MaterialFactor(tt.class, tt.specific); !almostEqual(got, tt.want) {
				t.Errorf("MaterialFactor(%q, %q) = %v, want %v", tt.class, tt.specific, got, tt.want)
			}
		})
	}
}

func TestRawMaterialEmissions(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	bom := []product.Material{
		{MaterialClass: "metal", SpecificMaterial: "steel", Weight: 2},
		{MaterialClass: "wood", SpecificMaterial: "oak", Weight: 4},
	}

	// 2*1.85 + 4*0.45 = 5.5; CN multiplier 1.2.
	if got := tbl.RawMaterialEmissions(bom, "CN"); !almostEqual(got, 6.6) {
		t.Errorf("RawMaterialEmissions(CN) = %v, want 6.6", got)
	}
	if got := tbl.RawMaterialEmissions(bom, ""); !almostEqual(got, 5.5) {
		t.Errorf("RawMaterialEmissions(no origin) = %v, want 5.5", got)
	}
	if got := tbl.RawMaterialEmissions(nil, "CN"); got != 0 {
		t.Errorf("RawMaterialEmissions(empty) = %v, want 0", got)
	}
}

func TestProcessEmissions(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	procs := []product.Process{
		{Name: "Injection Molding", Weight: 2},
		{Name: "mystery process", Weight: 1},
	}
	// 2*1.15 + 1*0.5
	if got := tbl.ProcessEmissions(procs); !almostEqual(got, 2.8) {
		t.Errorf("ProcessEmissions = %v, want 2.8", got)
	}
}
