package processor

import (
	"fmt"
	"image/color"

	"github.com/nci/pyramid/sample"
	"github.com/nci/pyramid/utils"
)

// InterpolateUint8 interpolates the value of a
// byte between two numbers 'a' and 'b' by
// especifying a length and a position 'i'
// along that length.
func InterpolateUint8(a, b uint8, i, sectionLength int) uint8 {
	return uint8(int(a) + i*(int(b)-int(a))/sectionLength)
}

// InterpolateColor returns an RGBA color where every component has been
// interpolated from the 'a' and 'b' colors.
func InterpolateColor(a, b color.RGBA, i, sectionLength int) color.RGBA {
	return color.RGBA{InterpolateUint8(a.R, b.R, i, sectionLength),
		InterpolateUint8(a.G, b.G, i, sectionLength),
		InterpolateUint8(a.B, b.B, i, sectionLength),
		InterpolateUint8(a.A, b.A, i, sectionLength)}
}

// GradientRGBAPalette returns a palette of 256 colors going through the
// colours of palette, either as a gradient or as flat steps.
func GradientRGBAPalette(palette *utils.Palette) ([]color.RGBA, error) {
	if palette == nil {
		return nil, nil
	}
	colours := palette.Colours
	if len(colours) == 0 || (palette.Interpolate && len(colours) < 2) {
		return nil, fmt.Errorf("palette needs at least 2 colours to interpolate, got %d", len(colours))
	}

	ramp := make([]color.RGBA, 0, 256)
	bins := len(colours)
	if palette.Interpolate {
		bins--
	}
	sectionLength := 256 / bins
	bonus := 256 - sectionLength*bins
	for section := 0; section < bins; section++ {
		n := sectionLength
		if section < bonus {
			n++
		}
		for i := 0; i < n; i++ {
			if palette.Interpolate {
				ramp = append(ramp, InterpolateColor(colours[section], colours[section+1], i, n))
			} else {
				ramp = append(ramp, colours[section])
			}
		}
	}
	return ramp, nil
}

// DimensionPalette derives a gradient from the colours of the first
// quantitative category of dim carrying a ramp. It returns nil when the
// band declares no colours.
func DimensionPalette(dim *sample.SampleDimension) *utils.Palette {
	if dim == nil {
		return nil
	}
	for _, q := range dim.Quantitatives() {
		switch len(q.Colors) {
		case 0:
			continue
		case 1:
			return &utils.Palette{Colours: q.Colors}
		default:
			return &utils.Palette{Interpolate: true, Colours: q.Colors}
		}
	}
	return nil
}

func greyPalette() []color.RGBA {
	ramp := make([]color.RGBA, 256)
	for i := range ramp {
		ramp[i] = color.RGBA{uint8(i), uint8(i), uint8(i), 255}
	}
	return ramp
}
