package cmd

import (
	"fmt"
	"image/color"
	"math"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/nci/pyramid/sample"
	"github.com/nci/pyramid/utils"
)

// bandsDoc is the YAML description of the bands of a format:
//
//	bands:
//	  - name: temperature
//	    unit: °C
//	    categories:
//	      - nodata: .nan
//	      - name: temperature
//	        samples: [1, 100]
//	        range: [-50, 45.6]
//	        colours: ["#ffffff", "#000000"]
type bandsDoc struct {
	Bands []bandDoc `yaml:"bands"`
}

type bandDoc struct {
	Name       string        `yaml:"name"`
	Unit       string        `yaml:"unit,omitempty"`
	Categories []categoryDoc `yaml:"categories"`
}

// categoryDoc is a qualitative category when NoData is set and a
// quantitative one otherwise. A quantitative category gives its transfer
// function either as a measurement Range, as Scale and Offset, or as Real
// bounds of samples that already are measurements.
type categoryDoc struct {
	Name    string      `yaml:"name,omitempty"`
	NoData  *float64    `yaml:"nodata,omitempty"`
	Samples *[2]float64 `yaml:"samples,omitempty"`
	Range   *[2]float64 `yaml:"range,omitempty"`
	Scale   *float64    `yaml:"scale,omitempty"`
	Offset  float64     `yaml:"offset,omitempty"`
	Real    *[2]float64 `yaml:"real,omitempty"`
	Colours []string    `yaml:"colours,omitempty"`
}

func readBands(path string) ([]sample.SampleDimension, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := bandsDoc{}
	if err := yaml.UnmarshalStrict(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	if len(doc.Bands) == 0 {
		return nil, fmt.Errorf("%s: no bands", path)
	}
	dims := make([]sample.SampleDimension, len(doc.Bands))
	for i, b := range doc.Bands {
		if dims[i], err = b.dimension(); err != nil {
			return nil, fmt.Errorf("%s: band %d: %v", path, i, err)
		}
	}
	return dims, nil
}

func (b bandDoc) dimension() (sample.SampleDimension, error) {
	unit, err := sample.ParseUnit(b.Unit)
	if err != nil {
		return sample.SampleDimension{}, err
	}
	dim := sample.SampleDimension{Name: b.Name, Unit: unit}
	for j, c := range b.Categories {
		cat, err := c.category()
		if err != nil {
			return dim, fmt.Errorf("category %d: %v", j, err)
		}
		dim.Categories = append(dim.Categories, cat)
	}
	return dim, nil
}

func isInt(v float64) bool {
	return v == math.Trunc(v) && !math.IsInf(v, 0)
}

func (c categoryDoc) category() (sample.Category, error) {
	colours := make([]color.RGBA, len(c.Colours))
	for i, s := range c.Colours {
		var err error
		if colours[i], err = utils.ParseColour(s); err != nil {
			return nil, err
		}
	}
	if c.NoData != nil {
		q := sample.NoData(*c.NoData)
		if len(c.Name) > 0 {
			q.Name = c.Name
		}
		switch len(colours) {
		case 0:
		case 1:
			q.Color = colours[0]
		default:
			return nil, fmt.Errorf("%q takes a single colour", q.Name)
		}
		return q, nil
	}
	if c.Real != nil {
		return sample.NewReal(c.Name, c.Real[0], c.Real[1], colours...), nil
	}
	if c.Samples == nil {
		return nil, fmt.Errorf("%q needs nodata, real or samples", c.Name)
	}
	lo, hi := c.Samples[0], c.Samples[1]
	if !isInt(lo) || !isInt(hi) {
		return nil, fmt.Errorf("samples of %q must be integers, use real for measurements", c.Name)
	}
	switch {
	case c.Range != nil:
		return sample.NewQuantitative(c.Name, int(lo), int(hi), c.Range[0], c.Range[1], colours...), nil
	case c.Scale != nil:
		return sample.NewLinear(c.Name, int(lo), int(hi), *c.Scale, c.Offset, colours...), nil
	}
	return nil, fmt.Errorf("%q needs a range or a scale", c.Name)
}

// describeBands is the inverse of readBands.
func describeBands(dims []sample.SampleDimension) bandsDoc {
	doc := bandsDoc{}
	for _, d := range dims {
		b := bandDoc{Name: d.Name, Unit: d.Unit.String()}
		for _, cat := range d.Categories {
			switch c := cat.(type) {
			case sample.Qualitative:
				pad := c.Pad
				cd := categoryDoc{Name: c.Name, NoData: &pad}
				if c.Color != (color.RGBA{}) {
					cd.Colours = []string{utils.FormatColour(c.Color)}
				}
				b.Categories = append(b.Categories, cd)
			case sample.Quantitative:
				cd := categoryDoc{Name: c.Name}
				for _, col := range c.Colors {
					cd.Colours = append(cd.Colours, utils.FormatColour(col))
				}
				if c.Identity() && (!isInt(c.Lower) || !isInt(c.Upper)) {
					cd.Real = &[2]float64{c.Lower, c.Upper}
				} else {
					scale := c.Scale
					cd.Samples = &[2]float64{c.Lower, c.Upper}
					cd.Scale, cd.Offset = &scale, c.Offset
				}
				b.Categories = append(b.Categories, cd)
			}
		}
		doc.Bands = append(doc.Bands, b)
	}
	return doc
}
