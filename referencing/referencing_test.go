package referencing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nci/pyramid/utils"
)

func TestParseCRS(t *testing.T) {
	cases := []struct {
		in   string
		want CRS
	}{
		{"EPSG:4326", WGS84},
		{"epsg:4326", WGS84},
		{"urn:ogc:def:crs:EPSG::4326", WGS84},
		{"urn:ogc:def:crs:OGC:1.3:CRS84", CRS84},
		{"CRS:84", CRS84},
		{"EPSG:900913", WebMercator},
		{"http://www.opengis.net/def/crs/EPSG/0/3857", WebMercator},
		{"EPSG:32755", CRS{Identifier: "EPSG:32755"}},
	}
	for _, c := range cases {
		got, err := ParseCRS(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}

	for _, in := range []string{"", "EPSG:", "EPSG:abc", "FOO:1"} {
		_, err := ParseCRS(in)
		assert.True(t, utils.IsReferencing(err), in)
	}
}

func TestPyramidID(t *testing.T) {
	assert.Equal(t, "EPSG%3A4326", PyramidID(WGS84))
	assert.Equal(t, "CRS%3A84", PyramidID(CRS84))

	c, err := CRSFromPyramidID("EPSG%3A3857")
	require.NoError(t, err)
	assert.Equal(t, WebMercator, c)
}

func TestTransform(t *testing.T) {
	tr := OrbTransformer{}
	env := NewEnvelope(WGS84, 110, -45, 155, -10)

	merc, err := tr.Transform(env, WebMercator)
	require.NoError(t, err)
	assert.Equal(t, WebMercator, merc.CRS)
	assert.Greater(t, merc.Max[0], merc.Min[0])

	back, err := tr.Transform(merc, WGS84)
	require.NoError(t, err)
	assert.InDelta(t, 110, back.Min[0], 1e-9)
	assert.InDelta(t, -45, back.Min[1], 1e-9)
	assert.InDelta(t, 155, back.Max[0], 1e-9)
	assert.InDelta(t, -10, back.Max[1], 1e-9)

	same, err := tr.Transform(env, CRS84)
	require.NoError(t, err)
	assert.Equal(t, env.Bound, same.Bound)

	_, err = tr.Transform(NewEnvelope(CRS{Identifier: "EPSG:32755"}, 0, 0, 1, 1), WGS84)
	assert.True(t, utils.IsReferencing(err))

	_, err = tr.Transform(NewEnvelope(WGS84, 0, -100, 1, 1), WebMercator)
	assert.True(t, utils.IsReferencing(err))
}

func TestIntersection(t *testing.T) {
	a := NewEnvelope(WGS84, 0, 0, 10, 10)
	b := NewEnvelope(WGS84, 5, 5, 20, 20)
	i, ok := a.Intersection(b)
	require.True(t, ok)
	assert.Equal(t, NewEnvelope(WGS84, 5, 5, 10, 10), i)

	_, ok = a.Intersection(NewEnvelope(WGS84, 10, 0, 20, 10))
	assert.False(t, ok, "touching edges do not intersect")
}
