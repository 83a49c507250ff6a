package processor

import (
	"context"
	"fmt"

	"github.com/nci/pyramid/pyramid"
)

// CoverageReader emits one FloatRaster per band of each coverage.
type CoverageReader struct {
	Context context.Context
	In      chan *pyramid.Coverage
	Out     chan *FloatRaster
	Error   chan error
}

func NewCoverageReader(ctx context.Context, errChan chan error) *CoverageReader {
	return &CoverageReader{
		Context: ctx,
		In:      make(chan *pyramid.Coverage, 10),
		Out:     make(chan *FloatRaster, 100),
		Error:   errChan,
	}
}

func (r *CoverageReader) Run() {
	defer close(r.Out)

	for cov := range r.In {
		values, err := cov.Values(r.Context)
		if err != nil {
			r.Error <- err
			return
		}
		for i, data := range values {
			raster := &FloatRaster{
				Data:      data,
				Width:     cov.Width,
				Height:    cov.Height,
				NameSpace: fmt.Sprintf("band%d", i),
			}
			if i < len(cov.Bands) {
				raster.Dimension = &cov.Bands[i]
				raster.NameSpace = cov.Bands[i].Name
			}
			r.Out <- raster
		}
	}
}
