package processor

import (
	"math"
)

type RasterScaler struct {
	In     chan *FloatRaster
	Out    chan *ByteRaster
	Error  chan error
	Params ScaleParams
}

func NewRasterScaler(params ScaleParams, errChan chan error) *RasterScaler {
	return &RasterScaler{
		In:     make(chan *FloatRaster, 100),
		Out:    make(chan *ByteRaster, 100),
		Error:  errChan,
		Params: params,
	}
}

func (scl *RasterScaler) Run() {
	defer close(scl.Out)

	for raster := range scl.In {
		scl.Out <- ScaleRaster(raster, scl.Params)
	}
}

// ScaleRaster converts measurements to display bytes.
func ScaleRaster(r *FloatRaster, params ScaleParams) *ByteRaster {
	out := &ByteRaster{
		Data:      make([]uint8, len(r.Data)),
		Width:     r.Width,
		Height:    r.Height,
		NameSpace: r.NameSpace,
		Dimension: r.Dimension,
	}

	if params.Scale > 0 {
		clip := params.Clip
		if clip <= 0 {
			clip = math.Inf(1)
		}
		for i, v := range r.Data {
			if math.IsNaN(v) {
				out.Data[i] = transparent
				continue
			}
			out.Data[i] = toByte((math.Min(v+params.Offset, clip)) * params.Scale)
		}
		return out
	}

	lo, hi, ok := math.NaN(), math.NaN(), false
	if r.Dimension != nil {
		lo, hi, ok = r.Dimension.MeasurementRange()
	}
	if !ok {
		lo, hi, ok = dataRange(r.Data)
	}
	if params.Clip > 0 {
		hi = params.Clip
	}
	span := hi - lo
	for i, v := range r.Data {
		switch {
		case math.IsNaN(v):
			out.Data[i] = transparent
		case !ok || span <= 0:
			out.Data[i] = 0
		default:
			out.Data[i] = toByte((v - lo) * 254 / span)
		}
	}
	return out
}

func toByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 254:
		return 254
	}
	return uint8(math.Round(v))
}

func dataRange(data []float64) (float64, float64, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if math.IsNaN(v) {
			continue
		}
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	return lo, hi, !math.IsInf(lo, 1)
}
