package processor

import (
	"github.com/nci/pyramid/sample"
	"github.com/nci/pyramid/utils"
)

// ScaleParams maps measurements to bytes. With a positive Scale a value
// becomes (value+Offset)*Scale after clipping to Clip; otherwise the
// measurement range of the band, or the data range, is stretched over
// [0, 254] with Clip, when set, as its upper bound.
type ScaleParams struct {
	Offset float64
	Scale  float64
	Clip   float64
}

type RenderRequest struct {
	ScaleParams ScaleParams
	Palette     *utils.Palette
}

// FloatRaster holds the measurements of one band, NaN for no data.
type FloatRaster struct {
	Data          []float64
	Height, Width int
	NameSpace     string
	Dimension     *sample.SampleDimension
}

// ByteRaster holds display values, 0xFF being transparent.
type ByteRaster struct {
	Data          []uint8
	Height, Width int
	NameSpace     string
	Dimension     *sample.SampleDimension
}

const transparent = 0xFF
