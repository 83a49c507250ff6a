package sample

import (
	"math"
	"sort"

	"github.com/nci/pyramid/utils"
)

// SampleDimension describes one band: its name, unit and the categories
// partitioning its sample values.
type SampleDimension struct {
	Name       string
	Unit       Unit
	Categories []Category
}

func (d SampleDimension) Qualitatives() []Qualitative {
	var out []Qualitative
	for _, c := range d.Categories {
		if q, ok := c.(Qualitative); ok {
			out = append(out, q)
		}
	}
	return out
}

func (d SampleDimension) Quantitatives() []Quantitative {
	var out []Quantitative
	for _, c := range d.Categories {
		if q, ok := c.(Quantitative); ok {
			out = append(out, q)
		}
	}
	return out
}

// Validate checks that no two categories claim the same sample values.
func (d SampleDimension) Validate() error {
	type span struct {
		lo, hi float64
		name   string
	}
	var spans []span
	nanPad := ""
	for _, c := range d.Categories {
		switch t := c.(type) {
		case Qualitative:
			if math.IsNaN(t.Pad) {
				if len(nanPad) > 0 {
					return utils.NewValidationError("band %q: categories %q and %q share the NaN pad", d.Name, nanPad, t.Name)
				}
				nanPad = t.Name
				continue
			}
			spans = append(spans, span{t.Pad, t.Pad, t.Name})
		case Quantitative:
			if math.IsNaN(t.Lower) || math.IsNaN(t.Upper) || t.Lower > t.Upper {
				return utils.NewValidationError("band %q: category %q has an invalid range [%g, %g]", d.Name, t.Name, t.Lower, t.Upper)
			}
			if t.Scale == 0 || math.IsNaN(t.Scale) || math.IsNaN(t.Offset) {
				return utils.NewValidationError("band %q: category %q has a degenerate transfer function", d.Name, t.Name)
			}
			spans = append(spans, span{t.Lower, t.Upper, t.Name})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })
	for i := 1; i < len(spans); i++ {
		if spans[i].lo <= spans[i-1].hi {
			return utils.NewValidationError("band %q: categories %q and %q overlap", d.Name, spans[i-1].name, spans[i].name)
		}
	}
	return nil
}

// Category returns the category containing the packed sample s.
func (d SampleDimension) Category(s float64) Category {
	for _, c := range d.Categories {
		if c.Contains(s) {
			return c
		}
	}
	return nil
}

// ToReal converts a packed sample into a measurement. Samples falling in
// a qualitative category, or in no category, convert to NaN.
func (d SampleDimension) ToReal(s float64) float64 {
	if q, ok := d.Category(s).(Quantitative); ok {
		return q.ToReal(s)
	}
	return math.NaN()
}

// ToSample converts a measurement into the packed sample of the
// quantitative category covering it, rounded to the nearest integer when
// the dimension is packed. NaN maps to the background pad.
func (d SampleDimension) ToSample(v float64) (float64, bool) {
	if math.IsNaN(v) {
		return d.Background()
	}
	for _, q := range d.Quantitatives() {
		min, max := q.RealRange()
		if v < min || v > max {
			continue
		}
		s := q.ToSample(v)
		if !q.Identity() {
			s = math.Round(s)
			s = math.Max(q.Lower, math.Min(q.Upper, s))
		}
		return s, true
	}
	return 0, false
}

// MeasurementRange is the union of the real ranges of all quantitative
// categories.
func (d SampleDimension) MeasurementRange() (float64, float64, bool) {
	min, max := math.Inf(1), math.Inf(-1)
	found := false
	for _, q := range d.Quantitatives() {
		a, b := q.RealRange()
		min = math.Min(min, a)
		max = math.Max(max, b)
		found = true
	}
	return min, max, found
}

// SampleRange is the union of all sample values claimed by categories,
// NaN pads excluded.
func (d SampleDimension) SampleRange() (float64, float64, bool) {
	min, max := math.Inf(1), math.Inf(-1)
	found := false
	for _, c := range d.Categories {
		switch t := c.(type) {
		case Qualitative:
			if math.IsNaN(t.Pad) {
				continue
			}
			min, max = math.Min(min, t.Pad), math.Max(max, t.Pad)
		case Quantitative:
			min, max = math.Min(min, t.Lower), math.Max(max, t.Upper)
		}
		found = true
	}
	return min, max, found
}

// Background is the pad of the first qualitative category.
func (d SampleDimension) Background() (float64, bool) {
	for _, q := range d.Qualitatives() {
		return q.Pad, true
	}
	return 0, false
}

// IsReal tells whether the dimension stores measurements directly, that
// is when no quantitative category applies a non identity transfer.
func IsReal(d SampleDimension) bool {
	for _, q := range d.Quantitatives() {
		if !q.Identity() {
			return false
		}
	}
	return true
}
