package pyramid

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/sample"
	"github.com/nci/pyramid/utils"
)

// Coverage is a window over one mosaic. Its pixel values are only read
// when Values is first called.
type Coverage struct {
	// Envelope is the requested area snapped outward to the pixel grid.
	Envelope referencing.Envelope
	Width    int
	Height   int
	// Bands are the sample dimensions of the requested bands, empty when
	// the product does not describe them.
	Bands  []sample.SampleDimension
	Mosaic *Mosaic

	bandIndices []int
	window      image.Rectangle
	values      utils.Cell[[][]float64]
}

// NewCoverage returns the part of m intersecting aoi, which must be in
// the CRS of the mosaic. dims are the sample dimensions of the product and
// bands the zero based indices of the bands to read; nil reads every
// described band, or the first one when dims is empty. The result is nil
// when aoi does not intersect the mosaic.
func NewCoverage(m *Mosaic, aoi referencing.Envelope, dims []sample.SampleDimension, bands []int) (*Coverage, error) {
	if err := m.ensureValid(); err != nil {
		return nil, err
	}
	if !aoi.CRS.Equivalent(m.pyramid.CRS) {
		return nil, utils.NewReferencingError(nil, "area of interest in %s, mosaic in %s", aoi.CRS, m.pyramid.CRS)
	}
	if bands == nil {
		n := len(dims)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			bands = append(bands, i)
		}
	}
	var selected []sample.SampleDimension
	for _, b := range bands {
		if b < 0 || (len(dims) > 0 && b >= len(dims)) {
			return nil, utils.NewValidationError("band %d out of range, product has %d bands", b, len(dims))
		}
		if len(dims) > 0 {
			selected = append(selected, dims[b])
		}
	}

	for _, v := range []float64{aoi.Min[0], aoi.Min[1], aoi.Max[0], aoi.Max[1]} {
		if math.IsNaN(v) {
			return nil, utils.NewValidationError("area of interest %s has an undefined bound", aoi)
		}
	}
	px := m.PixelSize()
	window := image.Rect(
		clampPixel(math.Floor((aoi.Min[0]-m.UpperLeft[0])/m.Scale[0]), px.X),
		clampPixel(math.Floor((m.UpperLeft[1]-aoi.Max[1])/m.Scale[1]), px.Y),
		clampPixel(math.Ceil((aoi.Max[0]-m.UpperLeft[0])/m.Scale[0]), px.X),
		clampPixel(math.Ceil((m.UpperLeft[1]-aoi.Min[1])/m.Scale[1]), px.Y),
	)
	if window.Empty() {
		return nil, nil
	}

	env := referencing.NewEnvelope(m.pyramid.CRS,
		m.UpperLeft[0]+float64(window.Min.X)*m.Scale[0],
		m.UpperLeft[1]-float64(window.Max.Y)*m.Scale[1],
		m.UpperLeft[0]+float64(window.Max.X)*m.Scale[0],
		m.UpperLeft[1]-float64(window.Min.Y)*m.Scale[1],
	)
	return &Coverage{
		Envelope:    env,
		Width:       window.Dx(),
		Height:      window.Dy(),
		Bands:       selected,
		Mosaic:      m,
		bandIndices: bands,
		window:      window,
	}, nil
}

// clampPixel limits v to [0, limit] before converting it, so that
// unbounded areas of interest never overflow.
func clampPixel(v float64, limit int) int {
	return int(math.Max(0, math.Min(v, float64(limit))))
}

// TileRange is the rectangle of tile indices covered by the coverage.
func (c *Coverage) TileRange() image.Rectangle {
	ts := c.Mosaic.TileSize
	return image.Rect(
		c.window.Min.X/ts.X,
		c.window.Min.Y/ts.Y,
		(c.window.Max.X+ts.X-1)/ts.X,
		(c.window.Max.Y+ts.Y-1)/ts.Y,
	)
}

// Values reads the tiles and converts their samples to measurements. It
// returns one row major slice of Width*Height values per band. Missing
// tiles and no-data samples read as NaN. Bands without sample dimensions
// return the raw samples.
func (c *Coverage) Values(ctx context.Context) ([][]float64, error) {
	return c.values.Get(func() ([][]float64, error) {
		return c.load(ctx)
	})
}

func (c *Coverage) load(ctx context.Context) ([][]float64, error) {
	out := make([][]float64, len(c.bandIndices))
	for i := range out {
		out[i] = make([]float64, c.Width*c.Height)
		for j := range out[i] {
			out[i][j] = math.NaN()
		}
	}

	ts := c.Mosaic.TileSize
	tr := c.TileRange()
	for row := tr.Min.Y; row < tr.Max.Y; row++ {
		for col := tr.Min.X; col < tr.Max.X; col++ {
			if err := ctx.Err(); err != nil {
				return nil, utils.AsStorageError(err, "read coverage", c.Mosaic.pyramid.product, c.Mosaic.pyramid.Format, 0)
			}
			tile, err := c.Mosaic.GetTile(ctx, col, row)
			if err != nil {
				return nil, err
			}
			if tile.Image == nil {
				continue
			}
			origin := image.Pt(col*ts.X, row*ts.Y)
			area := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(ts.X, ts.Y))}.Intersect(c.window)
			tb := tile.Image.Bounds()
			for y := area.Min.Y; y < area.Max.Y; y++ {
				for x := area.Min.X; x < area.Max.X; x++ {
					px := tb.Min.Add(image.Pt(x-origin.X, y-origin.Y))
					idx := (y-c.window.Min.Y)*c.Width + (x - c.window.Min.X)
					for i, band := range c.bandIndices {
						s, ok := sampleAt(tile.Image, px.X, px.Y, band)
						if !ok {
							continue
						}
						if len(c.Bands) > 0 {
							out[i][idx] = c.Bands[i].ToReal(s)
						} else {
							out[i][idx] = s
						}
					}
				}
			}
		}
	}
	return out, nil
}

// sampleAt reads band b of the pixel (x,y). Single channel images only
// have band 0; other images expose their red, green, blue and alpha
// channels as bands 0 to 3.
func sampleAt(img image.Image, x, y, b int) (float64, bool) {
	switch t := img.(type) {
	case *image.Gray16:
		if b != 0 {
			return 0, false
		}
		return float64(t.Gray16At(x, y).Y), true
	case *image.Gray:
		if b != 0 {
			return 0, false
		}
		return float64(t.GrayAt(x, y).Y), true
	}
	if b > 3 {
		return 0, false
	}
	c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	return float64([4]uint8{c.R, c.G, c.B, c.A}[b]), true
}
