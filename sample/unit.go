package sample

import (
	"fmt"
	"strings"
)

// Unit is the canonical symbol of a unit of measurement. The empty unit
// is dimensionless.
type Unit string

const (
	Dimensionless Unit = ""
	Celsius       Unit = "°C"
	Kelvin        Unit = "K"
	Metre         Unit = "m"
	Kilometre     Unit = "km"
	Second        Unit = "s"
	Degree        Unit = "°"
	Percent       Unit = "%"
	MetrePerSec   Unit = "m/s"
	Millimetre    Unit = "mm"
	Pascal        Unit = "Pa"
	Hectopascal   Unit = "hPa"
	Radian        Unit = "rad"
)

var unitAliases = map[string]Unit{
	"°c":         Celsius,
	"cel":        Celsius,
	"degc":       Celsius,
	"deg_c":      Celsius,
	"celsius":    Celsius,
	"k":          Kelvin,
	"kelvin":     Kelvin,
	"m":          Metre,
	"metre":      Metre,
	"meter":      Metre,
	"metres":     Metre,
	"meters":     Metre,
	"km":         Kilometre,
	"kilometre":  Kilometre,
	"kilometer":  Kilometre,
	"s":          Second,
	"sec":        Second,
	"second":     Second,
	"°":          Degree,
	"deg":        Degree,
	"degree":     Degree,
	"degrees":    Degree,
	"%":          Percent,
	"percent":    Percent,
	"m/s":        MetrePerSec,
	"m.s-1":      MetrePerSec,
	"m s-1":      MetrePerSec,
	"mm":         Millimetre,
	"millimetre": Millimetre,
	"millimeter": Millimetre,
	"pa":         Pascal,
	"pascal":     Pascal,
	"hpa":        Hectopascal,
	"rad":        Radian,
	"radian":     Radian,
	"1":          Dimensionless,
	"unity":      Dimensionless,
}

// ParseUnit returns the canonical unit for a symbol or one of its common
// spellings.
func ParseUnit(symbol string) (Unit, error) {
	s := strings.TrimSpace(symbol)
	if len(s) == 0 {
		return Dimensionless, nil
	}
	if u, ok := unitAliases[strings.ToLower(s)]; ok {
		return u, nil
	}
	return "", fmt.Errorf("unknown unit symbol %q", symbol)
}

func (u Unit) String() string {
	return string(u)
}
