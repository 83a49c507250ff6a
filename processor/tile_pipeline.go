package processor

import (
	"context"
	"fmt"
	"image/color"

	"github.com/nci/pyramid/pyramid"
)

type TilePipeline struct {
	Context context.Context
	Error   chan error
}

func InitTilePipeline(ctx context.Context, errChan chan error) *TilePipeline {
	return &TilePipeline{
		Context: ctx,
		Error:   errChan,
	}
}

// Process renders cov as a PNG. The returned channel is closed once the
// image, if any, has been sent; failures are reported on dp.Error.
func (dp *TilePipeline) Process(cov *pyramid.Coverage, req *RenderRequest) chan []byte {
	var palette []color.RGBA
	if req.Palette != nil {
		var err error
		palette, err = GradientRGBAPalette(req.Palette)
		if err != nil {
			out := make(chan []byte)
			close(out)
			dp.Error <- err
			return out
		}
	}

	r := NewCoverageReader(dp.Context, dp.Error)
	go func() {
		r.In <- cov
		close(r.In)
	}()

	s := NewRasterScaler(req.ScaleParams, dp.Error)
	enc := NewPNGEncoder(palette, dp.Error)

	s.In = r.Out
	enc.In = s.Out

	go r.Run()
	go s.Run()
	go enc.Run()

	return enc.Out
}

// Render runs the pipeline to completion.
func Render(ctx context.Context, cov *pyramid.Coverage, req *RenderRequest) ([]byte, error) {
	errChan := make(chan error, 3)
	out := InitTilePipeline(ctx, errChan).Process(cov, req)

	var img []byte
	for b := range out {
		img = b
	}
	select {
	case err := <-errChan:
		return nil, err
	default:
	}
	if img == nil {
		return nil, fmt.Errorf("no image rendered")
	}
	return img, nil
}
