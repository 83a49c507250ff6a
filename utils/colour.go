package utils

import (
	"encoding/hex"
	"fmt"
	"image/color"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ParseColour reads #rrggbb or #rrggbbaa; alpha defaults to opaque.
func ParseColour(s string) (color.RGBA, error) {
	s = strings.TrimSpace(s)
	b, err := hex.DecodeString(strings.TrimPrefix(s, "#"))
	if err != nil || !strings.HasPrefix(s, "#") || (len(b) != 3 && len(b) != 4) {
		return color.RGBA{}, fmt.Errorf("invalid colour %q, expected #rrggbb or #rrggbbaa", s)
	}
	c := color.RGBA{R: b[0], G: b[1], B: b[2], A: 0xff}
	if len(b) == 4 {
		c.A = b[3]
	}
	return c, nil
}

func FormatColour(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

// StringToColourHookFunc decodes colour strings into color.RGBA fields.
func StringToColourHookFunc() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(color.RGBA{})
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != target {
			return data, nil
		}
		return ParseColour(data.(string))
	}
}
