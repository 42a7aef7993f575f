// Package emission converts bills of materials and manufacturing processes into
// kg CO2-equivalent figures using static factor tables.
package emission

import (
	"strings"

	"github.com/ecotrace/ecotrace/internal/product"
)

// Table holds emission factors. The zero value is not usable; build one with NewTable.
type Table struct {
	// materials maps material class -> specific material -> kg CO2e per kg.
	// The "" entry of a class is its default.
	materials       map[string]map[string]float64
	countries       map[string]float64
	processes       map[string]float64
	defaultMaterial float64
	defaultProcess  float64
}

// NewTable returns the built-in factor table.
func NewTable() *Table {
	return &Table{
		materials: map[string]map[string]float64{
			"metal": {
				"":          2.0,
				"steel":     1.85,
				"stainless": 6.15,
				"aluminium": 8.6,
				"aluminum":  8.6,
				"copper":    3.8,
				"brass":     4.4,
			},
			"plastic": {
				"":      2.5,
				"pp":    1.9,
				"pe":    1.9,
				"hdpe":  1.8,
				"pet":   2.2,
				"abs":   3.1,
				"pvc":   2.4,
				"nylon": 6.5,
			},
			"wood":       {"": 0.45, "plywood": 0.68, "mdf": 0.72},
			"paper":      {"": 1.1, "cardboard": 0.9},
			"textile":    {"": 8.0, "cotton": 5.9, "polyester": 6.4, "wool": 17.0},
			"glass":      {"": 0.85},
			"rubber":     {"": 2.8},
			"ceramic":    {"": 1.0},
			"leather":    {"": 17.0},
			"electronic": {"": 20.0, "battery": 12.5, "pcb": 25.0},
		},
		countries: map[string]float64{
			"CN": 1.2,
			"IN": 1.25,
			"VN": 1.15,
			"PL": 1.15,
			"US": 1.0,
			"DE": 0.9,
			"IT": 0.85,
			"GB": 0.8,
			"FR": 0.75,
			"SE": 0.7,
			"NO": 0.7,
		},
		processes: map[string]float64{
			"injection molding": 1.15,
			"extrusion":         0.6,
			"blow molding":      0.9,
			"casting":           1.4,
			"forging":           1.1,
			"machining":         0.7,
			"stamping":          0.35,
			"welding":           0.5,
			"sewing":            0.3,
			"weaving":           1.4,
			"dyeing":            2.2,
			"painting":          0.45,
			"coating":           0.5,
			"assembly":          0.1,
			"cutting":           0.2,
			"sanding":           0.15,
		},
		defaultMaterial: 2.0,
		defaultProcess:  0.5,
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MaterialFactor returns kg CO2e per kg of the given material, falling back to the
// class default and then the global default.
func (t *Table) MaterialFactor(materialClass, specificMaterial string) float64 {
	class, ok := t.materials[normalize(materialClass)]
	if !ok {
		return t.defaultMaterial
	}
	if f, ok := class[normalize(specificMaterial)]; ok {
		return f
	}
	return class[""]
}

// CountryMultiplier scales raw-material emissions by the origin's energy mix.
func (t *Table) CountryMultiplier(countryOfOrigin string) float64 {
	if m, ok := t.countries[strings.ToUpper(strings.TrimSpace(countryOfOrigin))]; ok {
		return m
	}
	return 1.0
}

// ProcessFactor returns kg CO2e per kg processed.
func (t *Table) ProcessFactor(name string) float64 {
	if f, ok := t.processes[normalize(name)]; ok {
		return f
	}
	return t.defaultProcess
}

// RawMaterialEmissions sums weight x material factor over the BOM and applies the
// country-of-origin multiplier.
func (t *Table) RawMaterialEmissions(bom []product.Material, countryOfOrigin string) float64 {
	var sum float64
	for _, m := range bom {
		sum += m.Weight * t.MaterialFactor(m.MaterialClass, m.SpecificMaterial)
	}
	return sum * t.CountryMultiplier(countryOfOrigin)
}

// ProcessEmissions sums weight x process factor over the process list.
func (t *Table) ProcessEmissions(processes []product.Process) float64 {
	var sum float64
	for _, p := range processes {
		sum += p.Weight * t.ProcessFactor(p.Name)
	}
	return sum
}
