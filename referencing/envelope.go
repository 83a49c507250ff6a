package referencing

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/nci/pyramid/utils"
)

// Envelope is an axis aligned bounding box in a given CRS.
type Envelope struct {
	orb.Bound
	CRS CRS
}

func NewEnvelope(crs CRS, minX, minY, maxX, maxY float64) Envelope {
	return Envelope{
		Bound: orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}},
		CRS:   crs,
	}
}

func (e Envelope) Width() float64  { return e.Max[0] - e.Min[0] }
func (e Envelope) Height() float64 { return e.Max[1] - e.Min[1] }

func (e Envelope) String() string {
	return fmt.Sprintf("%s[%g %g, %g %g]", e.CRS, e.Min[0], e.Min[1], e.Max[0], e.Max[1])
}

// Intersection returns the overlap of two envelopes in the same CRS.
func (e Envelope) Intersection(o Envelope) (Envelope, bool) {
	if !e.Bound.Intersects(o.Bound) {
		return Envelope{}, false
	}
	b := orb.Bound{
		Min: orb.Point{math.Max(e.Min[0], o.Min[0]), math.Max(e.Min[1], o.Min[1])},
		Max: orb.Point{math.Min(e.Max[0], o.Max[0]), math.Min(e.Max[1], o.Max[1])},
	}
	if b.Min[0] >= b.Max[0] || b.Min[1] >= b.Max[1] {
		return Envelope{}, false
	}
	return Envelope{Bound: b, CRS: e.CRS}, true
}

// GridGeometry is the envelope of a raster together with its nominal
// resolution in CRS units per pixel.
type GridGeometry struct {
	Envelope   Envelope
	Resolution [2]float64
}

// Transformer reprojects envelopes.
type Transformer interface {
	Transform(env Envelope, target CRS) (Envelope, error)
}

// OrbTransformer supports conversions between geographic coordinates and
// spherical web mercator through orb's projections.
type OrbTransformer struct{}

func (OrbTransformer) Transform(env Envelope, target CRS) (Envelope, error) {
	if env.CRS.Equivalent(target) {
		return Envelope{Bound: env.Bound, CRS: target}, nil
	}

	var proj orb.Projection
	switch {
	case env.CRS.Geographic() && target == WebMercator:
		if env.Min[1] < -90 || env.Max[1] > 90 {
			return Envelope{}, utils.NewReferencingError(nil, "latitude outside [-90, 90] in %v", env)
		}
		proj = project.WGS84.ToMercator
	case env.CRS == WebMercator && target.Geographic():
		proj = project.Mercator.ToWGS84
	default:
		return Envelope{}, utils.NewReferencingError(nil, "no transform from %s to %s", env.CRS, target)
	}

	b := project.Bound(env.Bound, proj)
	for _, v := range []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Envelope{}, utils.NewReferencingError(nil, "%v is not transformable to %s", env, target)
		}
	}
	return Envelope{Bound: b, CRS: target}, nil
}
