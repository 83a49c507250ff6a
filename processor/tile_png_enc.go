package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// PNGEncoder collects the scaled bands of one coverage and encodes them
// as a palette image for a single band or an RGB composite for three.
type PNGEncoder struct {
	In      chan *ByteRaster
	Out     chan []byte
	Error   chan error
	Palette []color.RGBA
}

func NewPNGEncoder(palette []color.RGBA, errChan chan error) *PNGEncoder {
	return &PNGEncoder{
		In:      make(chan *ByteRaster, 100),
		Out:     make(chan []byte, 1),
		Error:   errChan,
		Palette: palette,
	}
}

func (enc *PNGEncoder) Run() {
	defer close(enc.Out)

	var bands []*ByteRaster
	for raster := range enc.In {
		bands = append(bands, raster)
	}

	img, err := enc.compose(bands)
	if err != nil {
		enc.Error <- err
		return
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		enc.Error <- err
		return
	}
	enc.Out <- buf.Bytes()
}

func (enc *PNGEncoder) compose(bands []*ByteRaster) (image.Image, error) {
	switch len(bands) {
	case 1:
		r := bands[0]
		palette := enc.Palette
		if palette == nil {
			var err error
			palette, err = GradientRGBAPalette(DimensionPalette(r.Dimension))
			if err != nil {
				return nil, err
			}
		}
		if palette == nil {
			palette = greyPalette()
		}
		dst := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
		for i, v := range r.Data {
			if v == transparent {
				continue
			}
			c := palette[v]
			dst.Pix[i*4], dst.Pix[i*4+1], dst.Pix[i*4+2], dst.Pix[i*4+3] = c.R, c.G, c.B, c.A
		}
		return dst, nil

	case 3:
		w, h := bands[0].Width, bands[0].Height
		for _, b := range bands[1:] {
			if b.Width != w || b.Height != h {
				return nil, fmt.Errorf("Inconsistent size of bands %s and %s", bands[0].NameSpace, b.NameSpace)
			}
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		r, g, b := bands[0].Data, bands[1].Data, bands[2].Data
		for i := 0; i < w*h; i++ {
			if r[i] == transparent && g[i] == transparent && b[i] == transparent {
				continue
			}
			dst.Pix[i*4], dst.Pix[i*4+1], dst.Pix[i*4+2], dst.Pix[i*4+3] = r[i], g[i], b[i], 0xFF
		}
		return dst, nil

	default:
		return nil, fmt.Errorf("Cannot encode other than 1 or 3 bands into a PNG. Received %d bands", len(bands))
	}
}
