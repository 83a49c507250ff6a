// Package sample maps packed integer pixel values to physical
// measurements through sample dimensions made of qualitative and
// quantitative categories.
package sample

import (
	"fmt"
	"image/color"
	"math"
)

// Category is implemented by Qualitative and Quantitative only. Code
// dispatching over categories uses a type switch on the two concrete
// types.
type Category interface {
	CategoryName() string
	// Contains tells whether the packed sample s belongs to the category.
	Contains(s float64) bool
	isCategory()
}

// Qualitative is a label attached to a single pad value. The pad may be
// NaN for dimensions storing real values.
type Qualitative struct {
	Name  string
	Pad   float64
	Color color.RGBA
}

func (q Qualitative) CategoryName() string { return q.Name }

func (q Qualitative) Contains(s float64) bool { return SameValue(q.Pad, s) }

func (Qualitative) isCategory() {}

func (q Qualitative) String() string {
	return fmt.Sprintf("%s[%g]", q.Name, q.Pad)
}

// Quantitative covers the inclusive sample range [Lower, Upper] and
// converts samples with real = sample*Scale + Offset.
type Quantitative struct {
	Name   string
	Lower  float64
	Upper  float64
	Scale  float64
	Offset float64
	Colors []color.RGBA
}

func (q Quantitative) CategoryName() string { return q.Name }

func (q Quantitative) Contains(s float64) bool { return s >= q.Lower && s <= q.Upper }

func (Quantitative) isCategory() {}

func (q Quantitative) String() string {
	min, max := q.RealRange()
	return fmt.Sprintf("%s[%g..%g]->[%g..%g]", q.Name, q.Lower, q.Upper, min, max)
}

func (q Quantitative) ToReal(s float64) float64 {
	return s*q.Scale + q.Offset
}

func (q Quantitative) ToSample(v float64) float64 {
	return (v - q.Offset) / q.Scale
}

// Identity tells whether samples already are real values.
func (q Quantitative) Identity() bool {
	return q.Scale == 1 && q.Offset == 0
}

// RealRange returns the measurement range covered by the category.
func (q Quantitative) RealRange() (float64, float64) {
	a, b := q.ToReal(q.Lower), q.ToReal(q.Upper)
	if a > b {
		a, b = b, a
	}
	return a, b
}

// NewQuantitative maps the integer samples [lower, upper] linearly onto
// the measurement range [min, max].
func NewQuantitative(name string, lower, upper int, min, max float64, colors ...color.RGBA) Quantitative {
	scale := 1.0
	if upper != lower {
		scale = (max - min) / float64(upper-lower)
	}
	return Quantitative{
		Name:   name,
		Lower:  float64(lower),
		Upper:  float64(upper),
		Scale:  scale,
		Offset: min - scale*float64(lower),
		Colors: colors,
	}
}

// NewLinear builds a quantitative category from explicit transfer
// coefficients.
func NewLinear(name string, lower, upper int, scale, offset float64, colors ...color.RGBA) Quantitative {
	return Quantitative{
		Name:   name,
		Lower:  float64(lower),
		Upper:  float64(upper),
		Scale:  scale,
		Offset: offset,
		Colors: colors,
	}
}

// NewReal describes samples that already are measurements in [min, max].
func NewReal(name string, min, max float64, colors ...color.RGBA) Quantitative {
	return Quantitative{Name: name, Lower: min, Upper: max, Scale: 1, Colors: colors}
}

// NoData is the conventional transparent no-data category.
func NoData(pad float64) Qualitative {
	return Qualitative{Name: NoDataName, Pad: pad}
}

const (
	NoDataName    = "No data"
	FillValueName = "Fill value"
)

// SameValue compares two sample values, treating NaN as equal to NaN.
func SameValue(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}
