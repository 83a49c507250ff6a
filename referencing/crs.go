// Package referencing holds the small amount of coordinate reference
// system support the store needs: CRS identifiers, envelopes and
// envelope reprojection between geographic and web mercator
// coordinates. Geographic coordinates use the longitude, latitude axis
// order throughout.
package referencing

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/nci/pyramid/utils"
)

// CRS is identified by its canonical "AUTHORITY:CODE" string.
type CRS struct {
	Identifier string
}

var (
	WGS84       = CRS{Identifier: "EPSG:4326"}
	CRS84       = CRS{Identifier: "CRS:84"}
	WebMercator = CRS{Identifier: "EPSG:3857"}
)

func (c CRS) String() string { return c.Identifier }

func (c CRS) IsZero() bool { return len(c.Identifier) == 0 }

// Geographic tells whether the CRS uses degrees of longitude and latitude.
func (c CRS) Geographic() bool {
	return c == WGS84 || c == CRS84
}

// Equivalent tells whether coordinates expressed in c need no conversion
// to be expressed in o.
func (c CRS) Equivalent(o CRS) bool {
	if c == o {
		return true
	}
	return c.Geographic() && o.Geographic()
}

var mercatorAliases = map[string]struct{}{
	"3857": {}, "900913": {}, "3785": {}, "102100": {}, "102113": {},
}

// ParseCRS accepts "EPSG:4326", OGC URNs and URLs, and "CRS:84".
func ParseCRS(s string) (CRS, error) {
	id := strings.TrimSpace(s)
	if len(id) == 0 {
		return CRS{}, utils.NewReferencingError(nil, "empty CRS identifier")
	}
	up := strings.ToUpper(id)

	var authority, code string
	switch {
	case strings.HasPrefix(up, "URN:OGC:DEF:CRS:"):
		parts := strings.Split(up[len("URN:OGC:DEF:CRS:"):], ":")
		if len(parts) < 2 {
			return CRS{}, utils.NewReferencingError(nil, "malformed CRS URN %q", s)
		}
		authority, code = parts[0], parts[len(parts)-1]
	case strings.HasPrefix(up, "HTTP://WWW.OPENGIS.NET/DEF/CRS/"):
		parts := strings.Split(strings.Trim(up[len("HTTP://WWW.OPENGIS.NET/DEF/CRS/"):], "/"), "/")
		if len(parts) < 3 {
			return CRS{}, utils.NewReferencingError(nil, "malformed CRS URL %q", s)
		}
		authority, code = parts[0], parts[len(parts)-1]
	default:
		i := strings.LastIndex(up, ":")
		if i <= 0 || i == len(up)-1 {
			return CRS{}, utils.NewReferencingError(nil, "malformed CRS identifier %q", s)
		}
		authority, code = up[:i], up[i+1:]
	}

	switch authority {
	case "OGC", "CRS":
		if code == "84" || code == "CRS84" {
			return CRS84, nil
		}
	case "EPSG":
		if _, err := strconv.Atoi(code); err != nil {
			return CRS{}, utils.NewReferencingError(err, "invalid EPSG code in %q", s)
		}
		if _, ok := mercatorAliases[code]; ok {
			return WebMercator, nil
		}
		return CRS{Identifier: "EPSG:" + code}, nil
	}
	return CRS{}, utils.NewReferencingError(nil, "unsupported CRS authority in %q", s)
}

// PyramidID derives the file system and URL safe pyramid identifier of a
// CRS.
func PyramidID(c CRS) string {
	return url.QueryEscape(c.Identifier)
}

// CRSFromPyramidID reverses PyramidID.
func CRSFromPyramidID(id string) (CRS, error) {
	s, err := url.QueryUnescape(id)
	if err != nil {
		return CRS{}, fmt.Errorf("pyramid id %q: %w", id, err)
	}
	return ParseCRS(s)
}
