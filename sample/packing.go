package sample

import "image/color"

// DefaultRange is the largest packed sample produced by DefaultCategories.
const DefaultRange = 0xFFFF

// DefaultCategories invents an unsigned 16 bits packing for a dimension
// storing real values. Qualitative categories receive the pads 0..k-1 in
// their declared order, or a single fill value at 0 when there is none,
// and the quantitative category spans the samples [k, DefaultRange] so
// that sample k decodes to the minimum measurement and DefaultRange to
// the maximum. The second result is false when the dimension has no
// measurement range to pack.
func DefaultCategories(d SampleDimension) ([]Category, bool) {
	min, max, ok := d.MeasurementRange()
	if !ok {
		return nil, false
	}
	var (
		out  []Category
		name string
		pad  int
	)
	for _, c := range d.Categories {
		switch t := c.(type) {
		case Qualitative:
			out = append(out, Qualitative{Name: t.Name, Pad: float64(pad), Color: t.Color})
			pad++
		case Quantitative:
			if len(name) == 0 {
				name = t.Name
			}
		}
	}
	if pad == 0 {
		out = append(out, Qualitative{Name: FillValueName, Pad: 0})
		pad++
	}
	scale := (max - min) / float64(DefaultRange-pad)
	out = append(out, Quantitative{
		Name:   name,
		Lower:  float64(pad),
		Upper:  DefaultRange,
		Scale:  scale,
		Offset: min - scale*float64(pad),
		Colors: rampOf(d),
	})
	return out, true
}

func rampOf(d SampleDimension) []color.RGBA {
	for _, q := range d.Quantitatives() {
		if len(q.Colors) > 0 {
			return q.Colors
		}
	}
	return nil
}
