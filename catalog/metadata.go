package catalog

import (
	"context"
	"math"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/sample"
	"github.com/nci/pyramid/utils"
)

// MetadataBuilder receives the description of a product from
// Product.CreateMetadata.
type MetadataBuilder interface {
	SetIdentifier(name string)
	// SetSpatialExtent is given an envelope in longitude, latitude.
	SetSpatialExtent(env referencing.Envelope)
	SetTemporalExtent(start, end time.Time)
	AddResolution(crs referencing.CRS, resolution [2]float64)
	AddBand(dim sample.SampleDimension)
}

// Metadata is the JSON document built by default.
type Metadata struct {
	Identifier  string            `json:"identifier"`
	BBox        []float64         `json:"bbox,omitempty"`
	Footprint   *geojson.Geometry `json:"footprint,omitempty"`
	Start       *time.Time        `json:"start,omitempty"`
	End         *time.Time        `json:"end,omitempty"`
	Resolutions []Resolution      `json:"resolutions,omitempty"`
	Bands       []Band            `json:"bands,omitempty"`
}

type Resolution struct {
	CRS string  `json:"crs"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
}

type Band struct {
	Name       string   `json:"name"`
	Unit       string   `json:"unit,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	NoData     *float64 `json:"nodata,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

func (m *Metadata) SetIdentifier(name string) { m.Identifier = name }

func (m *Metadata) SetSpatialExtent(env referencing.Envelope) {
	m.BBox = []float64{env.Min[0], env.Min[1], env.Max[0], env.Max[1]}
	m.Footprint = geojson.NewGeometry(env.Bound.ToPolygon())
}

func (m *Metadata) SetTemporalExtent(start, end time.Time) {
	if !start.IsZero() {
		m.Start = &start
	}
	if !end.IsZero() {
		m.End = &end
	}
}

func (m *Metadata) AddResolution(crs referencing.CRS, resolution [2]float64) {
	m.Resolutions = append(m.Resolutions, Resolution{CRS: crs.Identifier, X: resolution[0], Y: resolution[1]})
}

func (m *Metadata) AddBand(dim sample.SampleDimension) {
	b := Band{Name: dim.Name, Unit: dim.Unit.String()}
	if min, max, ok := dim.MeasurementRange(); ok {
		b.Min, b.Max = &min, &max
	}
	if pad, ok := dim.Background(); ok && !math.IsNaN(pad) {
		b.NoData = &pad
	}
	for _, c := range dim.Categories {
		b.Categories = append(b.Categories, c.CategoryName())
	}
	m.Bands = append(m.Bands, b)
}

// CreateMetadata describes the product to b: its name, its extent in
// WGS84, the time range of its coverage references, the resolutions of
// its grid and mosaics and its bands.
func (p *Product) CreateMetadata(ctx context.Context, b MetadataBuilder) error {
	if err := p.ensureValid(); err != nil {
		return err
	}
	b.SetIdentifier(p.Name)

	env, ok, err := p.Envelope(ctx)
	if err != nil {
		return err
	}
	if ok {
		wgs, err := p.db.Transformer.Transform(env, referencing.WGS84)
		if err != nil {
			if !utils.IsReferencing(err) {
				err = utils.NewReferencingError(err, "extent of %s", p.Name)
			}
			return err
		}
		b.SetSpatialExtent(wgs)
	}

	dom, err := p.Domain(ctx)
	if err != nil {
		return err
	}
	if dom != nil && !(dom.Start.IsZero() && dom.End.IsZero()) {
		b.SetTemporalExtent(dom.Start, dom.End)
	}

	if p.Grid != nil {
		b.AddResolution(p.Grid.Envelope.CRS, p.Grid.Resolution)
	}
	models, err := p.Models(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		for _, mosaic := range m.Mosaics() {
			b.AddResolution(m.CRS, mosaic.Scale)
		}
	}

	dims, err := p.SampleDimensions(ctx)
	if err != nil {
		return err
	}
	for _, d := range dims {
		b.AddBand(d)
	}
	return nil
}
