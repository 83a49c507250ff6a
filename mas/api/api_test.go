package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nci/pyramid/catalog"
	"github.com/nci/pyramid/pyramid"
	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/sample"
	"github.com/nci/pyramid/utils"
)

type mapCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func (c *mapCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.items[key]; ok {
		return v, nil
	}
	return nil, pyramid.ErrCacheMiss
}

func (c *mapCache) Set(key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	return nil
}

func (c *mapCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

type fixture struct {
	srv    *httptest.Server
	db     *catalog.Database
	mosaic *pyramid.Mosaic
	cache  *mapCache
}

// newFixture serves a "dem" product with a 2x2 grid of 4x4 raw tiles
// covering [0, 8] x [0, 8] in WGS84, and an empty "empty" product.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := catalog.OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	dims := []sample.SampleDimension{{Name: "height", Unit: sample.Metre, Categories: []sample.Category{
		sample.NoData(0),
		sample.NewLinear("height", 1, 1000, 2, 0, color.RGBA{0, 0, 0, 255}, color.RGBA{255, 255, 255, 255}),
	}}}
	require.NoError(t, db.CreateFormat(ctx, "dem", pyramid.MimeRawZstd, dims))
	p, err := db.CreateProduct(ctx, catalog.ProductSpec{Name: "dem", Format: "dem", Grid: &referencing.GridGeometry{
		Envelope:   referencing.NewEnvelope(referencing.WGS84, 0, 0, 8, 8),
		Resolution: [2]float64{1, 1},
	}})
	require.NoError(t, err)
	_, err = db.CreateProduct(ctx, catalog.ProductSpec{Name: "dem/child", Parent: "dem"})
	require.NoError(t, err)
	_, err = db.CreateProduct(ctx, catalog.ProductSpec{Name: "empty"})
	require.NoError(t, err)

	model, err := p.CreateModel(ctx, referencing.WGS84, "")
	require.NoError(t, err)
	m, err := model.CreateMosaic(ctx, pyramid.MosaicSpec{
		UpperLeft: [2]float64{0, 8},
		Scale:     [2]float64{1, 1},
		GridSize:  [2]int{2, 2},
		TileSize:  [2]int{4, 4},
	})
	require.NoError(t, err)
	tile := image.NewGray16(image.Rect(0, 0, 4, 4))
	for i := 0; i < 16; i++ {
		tile.SetGray16(i%4, i/4, color.Gray16{Y: uint16(i * 10)})
	}
	require.NoError(t, m.WriteTiles(ctx, []pyramid.Tile{{Col: 0, Row: 0, Image: tile}}).Err())

	day := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, p.AddCoverageReferences(ctx, []catalog.CoverageReference{{
		Path: "/data/dem.tif", Envelope: referencing.NewEnvelope(referencing.WGS84, 0, 0, 8, 8),
		Start: day, End: day, Width: 8, Height: 8,
	}}))

	config := &utils.Config{Catalog: utils.CatalogConfig{DSN: "test"}}
	require.NoError(t, config.Validate())
	s := newServer(db, config)
	f := &fixture{db: db, mosaic: m, cache: &mapCache{items: make(map[string][]byte)}}
	s.cache = f.cache
	f.srv = httptest.NewServer(s)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) get(t *testing.T, query string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + "/?" + query)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestProducts(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "products")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var roots []productNode
	require.NoError(t, json.Unmarshal(body, &roots))
	require.Len(t, roots, 2)
	assert.Equal(t, "dem", roots[0].Name)
	require.Len(t, roots[0].Components, 1)
	assert.Equal(t, "dem/child", roots[0].Components[0].Name)
	assert.Equal(t, "empty", roots[1].Name)
	assert.Len(t, f.cache.items, 1)

	// served from the response cache
	f.cache.items[firstKey(f.cache)] = []byte(`[]`)
	_, body = f.get(t, "products")
	assert.Equal(t, "[]", string(body))
}

func firstKey(c *mapCache) string {
	for k := range c.items {
		return k
	}
	return ""
}

func TestMetadataAndDomain(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "metadata&product=dem")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var md catalog.Metadata
	require.NoError(t, json.Unmarshal(body, &md))
	assert.Equal(t, "dem", md.Identifier)
	assert.Equal(t, []float64{0, 0, 8, 8}, md.BBox)
	require.Len(t, md.Bands, 1)
	assert.Equal(t, "height", md.Bands[0].Name)

	resp, body = f.get(t, "domain&product=dem")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var dom domainDoc
	require.NoError(t, json.Unmarshal(body, &dom))
	assert.Equal(t, []float64{0, 0, 8, 8}, dom.BBox)
	require.NotNil(t, dom.Start)
	assert.Equal(t, 2021, dom.Start.Year())

	resp, _ = f.get(t, "domain&product=empty")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.get(t, "metadata&product=missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.get(t, "metadata")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTile(t *testing.T) {
	f := newFixture(t)
	m := f.mosaic
	base := "tile&product=dem&pyramid=" + url.QueryEscape(m.Pyramid().ID) + "&mosaic=" + m.ID

	resp, body := f.get(t, base+"&col=0&row=0")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, pyramid.MimeRawZstd, resp.Header.Get("Content-Type"))
	tile, err := m.GetTile(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, tile.Payload, body)

	resp, _ = f.get(t, base+"&col=1&row=1")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// the pyramid may be named by its CRS
	resp, crsBody := f.get(t, "tile&product=dem&pyramid=EPSG:4326&mosaic="+m.ID+"&col=0&row=0")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(crsBody))
	assert.Equal(t, body, crsBody)

	resp, _ = f.get(t, base+"&col=5&row=0")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, base+"&col=x&row=0")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "tile&product=dem&pyramid=nope&mosaic=x&col=0&row=0")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRead(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "read&product=dem&bbox=0,4,4,8")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var doc struct {
		Width  int          `json:"width"`
		Height int          `json:"height"`
		Bands  []string     `json:"bands"`
		Values [][]*float64 `json:"values"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, 4, doc.Width)
	assert.Equal(t, 4, doc.Height)
	assert.Equal(t, []string{"height"}, doc.Bands)
	require.Len(t, doc.Values[0], 16)
	assert.Nil(t, doc.Values[0][0], "no data")
	require.NotNil(t, doc.Values[0][5])
	assert.Equal(t, 100.0, *doc.Values[0][5], "sample 50 scaled by 2")

	resp, _ = f.get(t, "read&product=dem&bbox=50,50,60,60")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.get(t, "read&product=dem&bbox=1,2,3")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.get(t, "read&product=dem&bbox=0,0,1,1&crs=EPSG:32755")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.get(t, "read&product=empty&bbox=0,0,1,1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRender(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "render&product=dem&bbox=0,0,8,8&resolution=1")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, pyramid.MimePNG, resp.Header.Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds())
	_, _, _, a := img.At(1, 0).RGBA()
	assert.NotZero(t, a)
	_, _, _, a = img.At(6, 6).RGBA()
	assert.Zero(t, a, "missing tile is transparent")
}

func TestUnknownOperation(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "intersects")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "unknown operation")
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusOf(utils.NewValidationError("x")))
	assert.Equal(t, http.StatusGone, statusOf(&utils.EntityRemovedError{Kind: "product", Name: "p"}))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(utils.AsStorageError(context.Canceled, "read", "p", "", 0)))
	assert.Equal(t, http.StatusInternalServerError, statusOf(utils.NewCorruptionError("x")))
}
