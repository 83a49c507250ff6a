package catalog

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nci/pyramid/pyramid"
	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/sample"
	"github.com/nci/pyramid/utils"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate(context.Background()))
	return d
}

var (
	white       = color.RGBA{255, 255, 255, 255}
	black       = color.RGBA{0, 0, 0, 255}
	transparent = color.RGBA{}
)

func scenarioDimensions() []sample.SampleDimension {
	return []sample.SampleDimension{
		{Name: "dim0", Unit: sample.Celsius, Categories: []sample.Category{
			sample.NewQuantitative("data", 1, 100, -50, 45.6, white, black),
			sample.Qualitative{Name: "nodata", Pad: math.NaN(), Color: transparent},
		}},
		{Name: "dim1", Unit: sample.Metre, Categories: []sample.Category{
			sample.NewLinear("data", 1, 55, 2, 0),
			sample.NoData(0),
		}},
	}
}

func TestSampleDimensionRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	in := scenarioDimensions()
	require.NoError(t, d.CreateFormat(ctx, "scenario", pyramid.MimeRawZstd, in))

	f, err := d.Format(ctx, "scenario")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, pyramid.MimeRawZstd, f.Driver)
	require.Len(t, f.SampleDimensions, 2)

	for i, dim := range f.SampleDimensions {
		want := in[i]
		assert.Equal(t, want.Name, dim.Name)
		assert.Equal(t, want.Unit, dim.Unit)
		require.Len(t, dim.Categories, 2, want.Name)
		for j, c := range dim.Categories {
			assert.Equal(t, want.Categories[j].CategoryName(), c.CategoryName())
			switch c := c.(type) {
			case sample.Quantitative:
				w := want.Categories[j].(sample.Quantitative)
				wmin, wmax := w.RealRange()
				min, max := c.RealRange()
				assert.InEpsilon(t, wmin, min, 1e-6)
				assert.InEpsilon(t, wmax, max, 1e-6)
				assert.Equal(t, w.Colors, c.Colors)
			case sample.Qualitative:
				w := want.Categories[j].(sample.Qualitative)
				assert.True(t, sample.SameValue(w.Pad, c.Pad), "pad of %s", c.Name)
				assert.Equal(t, w.Color, c.Color)
			}
		}
	}

	min, max, ok := f.SampleDimensions[0].MeasurementRange()
	require.True(t, ok)
	assert.InDelta(t, -50, min, 1e-9)
	assert.InDelta(t, 45.6, max, 1e-9)

	err = d.CreateFormat(ctx, "scenario", pyramid.MimeRawZstd, in)
	assert.True(t, utils.IsValidation(err))

	missing, err := d.Format(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDefaultPackingOnInsert(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	real := []sample.SampleDimension{{Name: "sst", Unit: sample.Celsius, Categories: []sample.Category{
		sample.NoData(math.NaN()),
		sample.NewReal("temperature", -2, 35),
	}}}
	require.NoError(t, d.CreateFormat(ctx, "sst", pyramid.MimeRawZstd, real))

	var packed bool
	var background int
	require.NoError(t, d.db.QueryRow(`SELECT is_packed, background FROM sample_dimensions WHERE format = 'sst'`).Scan(&packed, &background))
	assert.True(t, packed)
	assert.Equal(t, 0, background)

	f, err := d.Format(ctx, "sst")
	require.NoError(t, err)
	dim := f.SampleDimensions[0]
	assert.False(t, sample.IsReal(dim))
	q := dim.Quantitatives()
	require.Len(t, q, 1)
	assert.Equal(t, 1.0, q[0].Lower)
	assert.Equal(t, float64(sample.DefaultRange), q[0].Upper)
	assert.InDelta(t, -2, dim.ToReal(1), 1e-9)
	assert.InDelta(t, 35, dim.ToReal(sample.DefaultRange), 1e-9)
	assert.True(t, math.IsNaN(dim.ToReal(0)))
}

func insertBands(t *testing.T, d *Database, format string, bands ...int) {
	t.Helper()
	_, err := d.db.Exec(`INSERT INTO formats (name, driver) VALUES (?, ?)`, format, pyramid.MimePNG)
	require.NoError(t, err)
	for _, b := range bands {
		_, err := d.db.Exec(`INSERT INTO sample_dimensions (format, band, identifier, units, is_packed, background) VALUES (?, ?, ?, ?, ?, ?)`,
			format, b, "band", "m", false, nil)
		require.NoError(t, err)
	}
}

func TestBandContiguity(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)

	insertBands(t, d, "contiguous", 1, 2, 3)
	f, err := d.Format(ctx, "contiguous")
	require.NoError(t, err)
	assert.Len(t, f.SampleDimensions, 3)

	insertBands(t, d, "gap", 1, 3)
	_, err = d.Format(ctx, "gap")
	assert.True(t, utils.IsCorruption(err))
	assert.Contains(t, err.Error(), "band 2")

	dims, err := sampleDimensionTable{d}.query(ctx, d.db, "nothing")
	require.NoError(t, err)
	assert.Nil(t, dims)
}

func TestCreateProduct(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)

	_, err := d.CreateProduct(ctx, ProductSpec{Name: "a"})
	require.NoError(t, err)
	_, err = d.CreateProduct(ctx, ProductSpec{Name: "a"})
	assert.True(t, utils.IsValidation(err), "duplicate")
	_, err = d.CreateProduct(ctx, ProductSpec{Name: "b", Parent: "ghost"})
	assert.True(t, utils.IsValidation(err), "unknown parent")
	_, err = d.CreateProduct(ctx, ProductSpec{Name: "c", Format: "ghost"})
	assert.True(t, utils.IsValidation(err), "unknown format")
	_, err = d.CreateProduct(ctx, ProductSpec{Name: ""})
	assert.True(t, utils.IsValidation(err))

	p, err := d.Product(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestProductsTree(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	for _, spec := range []ProductSpec{
		{Name: "z"},
		{Name: "a"},
		{Name: "a/b", Parent: "a"},
		{Name: "a/b/c", Parent: "a/b"},
		{Name: "a/a", Parent: "a"},
	} {
		_, err := d.CreateProduct(ctx, spec)
		require.NoError(t, err)
	}

	roots, err := d.Products(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, "a", roots[0].Name)
	assert.Equal(t, "z", roots[1].Name)

	before := d.queries.Load()
	children, err := roots[0].Components(ctx)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "a/a", children[0].Name)
	assert.Equal(t, "a/b", children[1].Name)
	grand, err := children[1].Components(ctx)
	require.NoError(t, err)
	require.Len(t, grand, 1)
	assert.Equal(t, "a/b/c", grand[0].Name)
	assert.Equal(t, before, d.queries.Load(), "components are resolved by Products")

	_, err = d.db.Exec(`INSERT INTO products (name, parent) VALUES ('orphan', 'ghost')`)
	require.NoError(t, err)
	_, err = d.Products(ctx)
	assert.True(t, utils.IsCorruption(err))
	assert.Contains(t, err.Error(), "orphan -> ghost")
}

func TestComponentsSingleFlight(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	root, err := d.CreateProduct(ctx, ProductSpec{Name: "root"})
	require.NoError(t, err)
	for _, name := range []string{"c1", "c2", "c3"} {
		_, err := d.CreateProduct(ctx, ProductSpec{Name: name, Parent: "root"})
		require.NoError(t, err)
	}

	const n = 16
	results := make([][]*Product, n)
	errs := make([]error, n)
	before := d.queries.Load()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			results[i], errs[i] = root.Components(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), d.queries.Load()-before)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 3)
		assert.Same(t, results[0][0], results[i][0])
	}
}

func TestRemoveCascade(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	root, err := d.CreateProduct(ctx, ProductSpec{Name: "root"})
	require.NoError(t, err)
	child, err := d.CreateProduct(ctx, ProductSpec{Name: "child", Parent: "root"})
	require.NoError(t, err)

	model, err := child.CreateModel(ctx, referencing.WGS84, pyramid.MimePNG)
	require.NoError(t, err)
	m, err := model.CreateMosaic(ctx, versLayer)
	require.NoError(t, err)
	require.NoError(t, m.WriteTiles(ctx, []pyramid.Tile{{Col: 0, Row: 0, Image: uniform(red)}}).Err())
	require.NoError(t, root.AddCoverageReferences(ctx, []CoverageReference{{
		Path: "/data/a.nc", Envelope: referencing.NewEnvelope(referencing.WGS84, 0, 0, 1, 1), Width: 10, Height: 10,
	}}))

	// a failed removal changes nothing
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = root.Components(ctx)
	require.NoError(t, err)
	err = root.Remove(cancelled)
	require.Error(t, err)
	assert.True(t, utils.IsStorage(err))
	_, err = child.Models(ctx)
	require.NoError(t, err)

	require.NoError(t, root.Remove(ctx))

	_, err = root.Components(ctx)
	assert.True(t, utils.IsRemoved(err))
	_, err = child.Models(ctx)
	assert.True(t, utils.IsRemoved(err))
	assert.True(t, utils.IsRemoved(root.Remove(ctx)))

	for _, table := range []string{"products", "pyramids", "mosaics", "tiles", "grid_coverages"} {
		var n int
		require.NoError(t, d.db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
		assert.Zero(t, n, table)
	}
	p, err := d.Product(ctx, "child")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDomainCache(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	p, err := d.CreateProduct(ctx, ProductSpec{Name: "sst"})
	require.NoError(t, err)

	dom, err := p.Domain(ctx)
	require.NoError(t, err)
	assert.Nil(t, dom)

	day := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, p.AddCoverageReferences(ctx, []CoverageReference{
		{Path: "a.nc", Envelope: referencing.NewEnvelope(referencing.WGS84, 100, -40, 120, -20), Start: day, End: day.Add(24 * time.Hour), Width: 20, Height: 20},
		{Path: "b.nc", Envelope: referencing.NewEnvelope(referencing.WGS84, 110, -45, 150, -10), Start: day.Add(24 * time.Hour), End: day.Add(48 * time.Hour), Width: 40, Height: 35},
	}))

	dom, err = p.Domain(ctx)
	require.NoError(t, err)
	require.NotNil(t, dom)
	assert.Equal(t, referencing.NewEnvelope(referencing.WGS84, 100, -45, 150, -10), dom.Envelope())
	assert.Equal(t, day, dom.Start)
	assert.Equal(t, day.Add(48*time.Hour), dom.End)

	before := d.queries.Load()
	again, err := p.Domain(ctx)
	require.NoError(t, err)
	assert.Same(t, dom, again)
	assert.Equal(t, before, d.queries.Load())

	require.NoError(t, p.AddCoverageReferences(ctx, []CoverageReference{
		{Path: "c.nc", Envelope: referencing.NewEnvelope(referencing.WGS84, 90, -50, 95, -48), Width: 5, Height: 2},
	}))
	dom, err = p.Domain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90.0, dom.BBox.Min[0])
	assert.Equal(t, -50.0, dom.BBox.Min[1])

	aoi := referencing.NewEnvelope(referencing.WGS84, 89, -51, 96, -47)
	refs, err := p.CoverageReferences(ctx, &aoi)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "c.nc", refs[0].Path)
	assert.True(t, refs[0].Start.IsZero())

	require.NoError(t, p.RemoveCoverageReference(ctx, "c.nc", 0))
	dom, err = p.Domain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, dom.BBox.Min[0])

	err = p.AddCoverageReferences(ctx, []CoverageReference{{Path: "bad.nc", Width: 0, Height: 1}})
	assert.True(t, utils.IsValidation(err))
}

var (
	red    = color.NRGBA{255, 0, 0, 255}
	green  = color.NRGBA{0, 255, 0, 255}
	blue   = color.NRGBA{0, 0, 255, 255}
	yellow = color.NRGBA{255, 255, 0, 255}
	pink   = color.NRGBA{255, 192, 203, 255}
)

var versLayer = pyramid.MosaicSpec{
	UpperLeft: [2]float64{-90, 180},
	Scale:     [2]float64{1, 1},
	GridSize:  [2]int{1, 4},
	TileSize:  [2]int{20, 20},
}

func uniform(c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func colorAt(t *testing.T, m *pyramid.Mosaic, col, row int) (color.NRGBA, bool) {
	t.Helper()
	tile, err := m.GetTile(context.Background(), col, row)
	require.NoError(t, err)
	if tile.Image == nil {
		return color.NRGBA{}, false
	}
	return color.NRGBAModel.Convert(tile.Image.At(10, 10)).(color.NRGBA), true
}

func TestVersLayer(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	p, err := d.CreateProduct(ctx, ProductSpec{Name: "versLayer"})
	require.NoError(t, err)
	model, err := p.CreateModel(ctx, referencing.WGS84, pyramid.MimePNG)
	require.NoError(t, err)
	m, err := model.CreateMosaic(ctx, versLayer)
	require.NoError(t, err)

	res := m.WriteTiles(ctx, []pyramid.Tile{
		{Col: 0, Row: 0, Image: uniform(red)},
		{Col: 0, Row: 1, Image: uniform(green)},
		{Col: 0, Row: 2, Image: uniform(blue)},
		{Col: 0, Row: 3, Image: uniform(yellow)},
	})
	require.NoError(t, res.Err())
	for row, want := range []color.NRGBA{red, green, blue, yellow} {
		got, ok := colorAt(t, m, 0, row)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	require.NoError(t, m.DeleteTile(ctx, 0, 1))
	_, ok := colorAt(t, m, 0, 0)
	assert.True(t, ok)
	require.NoError(t, m.DeleteTile(ctx, 0, 2))
	_, ok = colorAt(t, m, 0, 2)
	assert.False(t, ok)
	require.NoError(t, m.DeleteTile(ctx, 0, 2))

	require.NoError(t, m.WriteTiles(ctx, []pyramid.Tile{{Col: 0, Row: 3, Image: uniform(pink)}}).Err())
	got, ok := colorAt(t, m, 0, 3)
	require.True(t, ok)
	assert.Equal(t, pink, got)

	require.NoError(t, model.DeleteMosaic(ctx, m.ID))
	fresh, err := p.Model(ctx, model.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.Mosaics())

	require.NoError(t, p.RemoveModel(ctx, model.ID))
	models, err := p.Models(ctx)
	require.NoError(t, err)
	assert.Empty(t, models)
	assert.True(t, utils.IsValidation(p.RemoveModel(ctx, model.ID)))
}

func TestReadAt(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	dims := []sample.SampleDimension{{Name: "height", Unit: sample.Metre, Categories: []sample.Category{
		sample.NoData(0),
		sample.NewLinear("data", 1, 1000, 0.5, 0),
	}}}
	require.NoError(t, d.CreateFormat(ctx, "dem", pyramid.MimeRawLZ4, dims))
	p, err := d.CreateProduct(ctx, ProductSpec{
		Name:   "dem",
		Format: "dem",
		Grid: &referencing.GridGeometry{
			Envelope:   referencing.NewEnvelope(referencing.WGS84, 0, 0, 8, 8),
			Resolution: [2]float64{1, 1},
		},
	})
	require.NoError(t, err)

	cov, err := p.Read(ctx, referencing.NewEnvelope(referencing.WGS84, 0, 0, 1, 1), nil)
	require.NoError(t, err)
	assert.Nil(t, cov, "no pyramid yet")

	model, err := p.CreateModel(ctx, referencing.WGS84, "")
	require.NoError(t, err)
	assert.Equal(t, pyramid.MimeRawLZ4, model.Format)

	var mosaics []*pyramid.Mosaic
	for _, scale := range []float64{1, 2} {
		m, err := model.CreateMosaic(ctx, pyramid.MosaicSpec{
			UpperLeft: [2]float64{0, 8},
			Scale:     [2]float64{scale, scale},
			GridSize:  [2]int{int(2 / scale), int(2 / scale)},
			TileSize:  [2]int{4, 4},
		})
		require.NoError(t, err)
		mosaics = append(mosaics, m)
	}
	tile := image.NewGray16(image.Rect(0, 0, 4, 4))
	tile.SetGray16(1, 1, color.Gray16{Y: 10})
	require.NoError(t, mosaics[0].WriteTiles(ctx, []pyramid.Tile{{Col: 0, Row: 0, Image: tile}}).Err())

	cov, err = p.Read(ctx, referencing.NewEnvelope(referencing.WGS84, 0, 4, 4, 8), nil)
	require.NoError(t, err)
	require.NotNil(t, cov)
	assert.Equal(t, mosaics[0].ID, cov.Mosaic.ID)
	values, err := cov.Values(ctx)
	require.NoError(t, err)
	require.Len(t, values[0], 16)
	assert.Equal(t, 5.0, values[0][1*4+1])
	assert.True(t, math.IsNaN(values[0][0]))

	cov, err = p.ReadAt(ctx, referencing.NewEnvelope(referencing.WGS84, 0, 4, 4, 8), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, mosaics[1].ID, cov.Mosaic.ID)

	cov, err = p.Read(ctx, referencing.NewEnvelope(referencing.WGS84, 50, 50, 60, 60), nil)
	require.NoError(t, err)
	assert.Nil(t, cov, "outside of the mosaics")

	merc := referencing.NewEnvelope(referencing.WebMercator, 0, 0, 100000, 100000)
	cov, err = p.Read(ctx, merc, nil)
	require.NoError(t, err)
	require.NotNil(t, cov)
	assert.True(t, cov.Envelope.CRS.Equivalent(referencing.WGS84))

	_, err = p.Read(ctx, referencing.NewEnvelope(referencing.CRS{Identifier: "EPSG:32755"}, 0, 0, 1, 1), nil)
	assert.True(t, utils.IsReferencing(err))
}

func TestCreateMetadata(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	require.NoError(t, d.CreateFormat(ctx, "scenario", pyramid.MimeRawZstd, scenarioDimensions()))
	p, err := d.CreateProduct(ctx, ProductSpec{
		Name:   "merc",
		Format: "scenario",
		Grid: &referencing.GridGeometry{
			Envelope:   referencing.NewEnvelope(referencing.WebMercator, 0, 0, 1000, 1000),
			Resolution: [2]float64{10, 10},
		},
	})
	require.NoError(t, err)

	md := &Metadata{}
	require.NoError(t, p.CreateMetadata(ctx, md))
	assert.Equal(t, "merc", md.Identifier)
	require.Len(t, md.BBox, 4)
	assert.InDelta(t, 0, md.BBox[0], 1e-9)
	assert.InDelta(t, 0.00898, md.BBox[2], 1e-5)
	require.Len(t, md.Resolutions, 1)
	require.Len(t, md.Bands, 2)
	assert.Equal(t, "°C", md.Bands[0].Unit)
	assert.Nil(t, md.Bands[0].NoData, "NaN pads are not reported")
	require.NotNil(t, md.Bands[1].NoData)
	assert.Nil(t, md.Start)

	raw, err := json.Marshal(md)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"footprint":{"type":"Polygon"`)

	utm, err := d.CreateProduct(ctx, ProductSpec{
		Name: "utm",
		Grid: &referencing.GridGeometry{Envelope: referencing.NewEnvelope(referencing.CRS{Identifier: "EPSG:32755"}, 0, 0, 1, 1)},
	})
	require.NoError(t, err)
	assert.True(t, utils.IsReferencing(utm.CreateMetadata(ctx, &Metadata{})))
}

type mapCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func (c *mapCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if !ok {
		return nil, pyramid.ErrCacheMiss
	}
	return v, nil
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

// tiles counts the cached tile entries, leaving out slot versions.
func (c *mapCache) tiles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.items {
		if strings.HasPrefix(k, "tile:") {
			n++
		}
	}
	return n
}

func TestTileCacheInvalidatedOnRemove(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	cache := &mapCache{items: make(map[string][]byte)}
	d.EnableTileCache(cache)

	p, err := d.CreateProduct(ctx, ProductSpec{Name: "cached"})
	require.NoError(t, err)
	model, err := p.CreateModel(ctx, referencing.WGS84, pyramid.MimePNG)
	require.NoError(t, err)
	m, err := model.CreateMosaic(ctx, versLayer)
	require.NoError(t, err)
	require.NoError(t, m.WriteTiles(ctx, []pyramid.Tile{{Col: 0, Row: 0, Image: uniform(red)}}).Err())
	_, ok := colorAt(t, m, 0, 0)
	require.True(t, ok)
	assert.Equal(t, 1, cache.tiles())

	require.NoError(t, p.Remove(ctx))
	assert.Zero(t, cache.tiles())

	// a new product of the same name does not see the old tiles
	p, err = d.CreateProduct(ctx, ProductSpec{Name: "cached"})
	require.NoError(t, err)
	model, err = p.CreateModel(ctx, referencing.WGS84, pyramid.MimePNG)
	require.NoError(t, err)
	m2, err := model.CreateMosaic(ctx, versLayer)
	require.NoError(t, err)
	_, ok = colorAt(t, m2, 0, 0)
	assert.False(t, ok)
}

func TestConcurrentDomainLoadsOnce(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	p, err := d.CreateProduct(ctx, ProductSpec{Name: "sst"})
	require.NoError(t, err)
	require.NoError(t, p.AddCoverageReferences(ctx, []CoverageReference{
		{Path: "a.nc", Envelope: referencing.NewEnvelope(referencing.WGS84, 100, -40, 120, -20), Width: 20, Height: 20},
	}))

	before := d.queries.Load()
	workers := pool.NewWithResults[*Domain]().WithErrors()
	for i := 0; i < 16; i++ {
		workers.Go(func() (*Domain, error) {
			return p.Domain(ctx)
		})
	}
	domains, err := workers.Wait()
	require.NoError(t, err)
	require.Len(t, domains, 16)
	assert.Equal(t, int64(1), d.queries.Load()-before)
	for _, dom := range domains {
		assert.Same(t, domains[0], dom)
	}
}

func TestHandlesOfRemovedProduct(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	held, err := d.CreateProduct(ctx, ProductSpec{Name: "dem"})
	require.NoError(t, err)
	model, err := held.CreateModel(ctx, referencing.WGS84, pyramid.MimePNG)
	require.NoError(t, err)
	m, err := model.CreateMosaic(ctx, versLayer)
	require.NoError(t, err)
	require.NoError(t, m.WriteTiles(ctx, []pyramid.Tile{{Col: 0, Row: 0, Image: uniform(red)}}).Err())
	models, err := held.Models(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	other := models[0].Mosaic(m.ID)
	require.NotNil(t, other)

	// removed through a handle the held one knows nothing about
	d.products.Purge()
	fresh, err := d.Product(ctx, "dem")
	require.NoError(t, err)
	require.NotSame(t, held, fresh)
	require.NoError(t, fresh.Remove(ctx))

	_, err = held.Models(ctx)
	assert.True(t, utils.IsRemoved(err), "product: %v", err)
	for _, mosaic := range []*pyramid.Mosaic{m, other} {
		_, err = mosaic.GetTile(ctx, 0, 0)
		assert.True(t, utils.IsRemoved(err), "get: %v", err)
		err = mosaic.WriteTiles(ctx, []pyramid.Tile{{Col: 0, Row: 0, Image: uniform(green)}}).Err()
		assert.True(t, utils.IsRemoved(err), "write: %v", err)
		assert.True(t, utils.IsRemoved(mosaic.DeleteTile(ctx, 0, 0)))
	}
	_, err = model.CreateMosaic(ctx, versLayer)
	var removed *utils.EntityRemovedError
	require.ErrorAs(t, err, &removed)
	assert.Equal(t, "product", removed.Kind)
	assert.Equal(t, "dem", removed.Name)

	// a product reusing the name does not revive the old handles
	again, err := d.CreateProduct(ctx, ProductSpec{Name: "dem"})
	require.NoError(t, err)
	models, err = again.Models(ctx)
	require.NoError(t, err)
	assert.Empty(t, models)
	_, err = m.GetTile(ctx, 0, 0)
	assert.True(t, utils.IsRemoved(err))
	_, err = held.Components(ctx)
	assert.True(t, utils.IsRemoved(err))
}

func TestComponentsFollowTreeChanges(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	root, err := d.CreateProduct(ctx, ProductSpec{Name: "root"})
	require.NoError(t, err)
	children, err := root.Components(ctx)
	require.NoError(t, err)
	assert.Empty(t, children)

	// root is no longer the shared instance
	d.products.Purge()
	_, err = d.CreateProduct(ctx, ProductSpec{Name: "root/a", Parent: "root"})
	require.NoError(t, err)
	children, err = root.Components(ctx)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "root/a", children[0].Name)

	d.products.Purge()
	a, err := d.Product(ctx, "root/a")
	require.NoError(t, err)
	require.NoError(t, a.Remove(ctx))
	children, err = root.Components(ctx)
	require.NoError(t, err)
	assert.Empty(t, children)
}
