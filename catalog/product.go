package catalog

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nci/pyramid/pyramid"
	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/sample"
	"github.com/nci/pyramid/utils"
)

// ProductSpec describes a product to create. Parent, Grid and Format are
// optional.
type ProductSpec struct {
	Name               string
	Parent             string
	Grid               *referencing.GridGeometry
	TemporalResolution time.Duration
	// Format names the representative format of the product.
	Format string
}

// Product is a named raster dataset, possibly aggregating sub-products.
// Values are shared between callers; once removed every method returns
// an EntityRemovedError.
type Product struct {
	Name               string
	Parent             string
	Grid               *referencing.GridGeometry
	TemporalResolution time.Duration
	Format             string

	db *Database
	// children collected by dispatch before finish
	pending []*Product

	components utils.Cell[componentList]
	dims       utils.Cell[[]sample.SampleDimension]
	domain     utils.Cell[*Domain]

	mu      sync.Mutex
	deleted bool
	// removals of the name before this handle was made
	epoch uint64
}

// componentList is a component list with the tree version it was read at.
type componentList struct {
	tree     uint64
	children []*Product
}

const productColumns = `name, parent, crs, min_x, min_y, max_x, max_y, res_x, res_y, temporal_resolution, format`

type scanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanProduct(row scanner) (*Product, error) {
	var (
		name                   string
		parent, crs, format    sql.NullString
		minX, minY, maxX, maxY sql.NullFloat64
		resX, resY             sql.NullFloat64
		temporal               int64
	)
	if err := row.Scan(&name, &parent, &crs, &minX, &minY, &maxX, &maxY, &resX, &resY, &temporal, &format); err != nil {
		return nil, err
	}
	p := &Product{
		Name:               name,
		Parent:             parent.String,
		TemporalResolution: time.Duration(temporal),
		Format:             format.String,
		db:                 d,
		epoch:              d.tiles.ProductEpoch(name),
	}
	if crs.Valid {
		c, err := referencing.ParseCRS(crs.String)
		if err != nil {
			return nil, utils.NewCorruptionError("product %q: %v", name, err)
		}
		p.Grid = &referencing.GridGeometry{
			Envelope:   referencing.NewEnvelope(c, minX.Float64, minY.Float64, maxX.Float64, maxY.Float64),
			Resolution: [2]float64{resX.Float64, resY.Float64},
		}
	}
	return p, nil
}

func (d *Database) scanProducts(rows *sql.Rows) ([]*Product, error) {
	defer rows.Close()
	var out []*Product
	for rows.Next() {
		p, err := d.scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// cached returns the shared instance of p when one is known.
func (d *Database) cached(p *Product) *Product {
	if v, ok := d.products.Get(p.Name); ok {
		if known := v.(*Product); !known.isDeleted() {
			return known
		}
	}
	d.products.Add(p.Name, p)
	return p
}

// CreateProduct registers a new product. The parent and the format, when
// given, must already exist.
func (d *Database) CreateProduct(ctx context.Context, spec ProductSpec) (*Product, error) {
	if len(strings.TrimSpace(spec.Name)) == 0 {
		return nil, utils.NewValidationError("product needs a name")
	}
	if spec.Parent == spec.Name && len(spec.Parent) > 0 {
		return nil, utils.NewValidationError("product %q cannot be its own parent", spec.Name)
	}
	var (
		crs                    sql.NullString
		minX, minY, maxX, maxY sql.NullFloat64
		resX, resY             sql.NullFloat64
	)
	if g := spec.Grid; g != nil {
		if g.Envelope.CRS.IsZero() {
			return nil, utils.NewValidationError("grid geometry of %q needs a CRS", spec.Name)
		}
		crs = nullString(g.Envelope.CRS.Identifier)
		minX, minY = nullFloat(g.Envelope.Min[0]), nullFloat(g.Envelope.Min[1])
		maxX, maxY = nullFloat(g.Envelope.Max[0]), nullFloat(g.Envelope.Max[1])
		resX, resY = nullFloat(g.Resolution[0]), nullFloat(g.Resolution[1])
	}

	err := d.transaction(ctx, func(tx *sql.Tx) error {
		exists := func(query string, args ...interface{}) (bool, error) {
			var n int
			err := d.queryRow(ctx, tx, query, args...).Scan(&n)
			return n > 0, err
		}
		if ok, err := exists(`SELECT COUNT(*) FROM products WHERE name = ?`, spec.Name); err != nil || ok {
			if err == nil {
				err = utils.NewValidationError("product %q already exists", spec.Name)
			}
			return err
		}
		if len(spec.Parent) > 0 {
			if ok, err := exists(`SELECT COUNT(*) FROM products WHERE name = ?`, spec.Parent); err != nil || !ok {
				if err == nil {
					err = utils.NewValidationError("parent product %q does not exist", spec.Parent)
				}
				return err
			}
		}
		if len(spec.Format) > 0 {
			if ok, err := exists(`SELECT COUNT(*) FROM formats WHERE name = ?`, spec.Format); err != nil || !ok {
				if err == nil {
					err = utils.NewValidationError("format %q does not exist", spec.Format)
				}
				return err
			}
		}
		_, err := d.exec(ctx, tx, `INSERT INTO products (`+productColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			spec.Name, nullString(spec.Parent), crs, minX, minY, maxX, maxY, resX, resY, int64(spec.TemporalResolution), nullString(spec.Format))
		return err
	})
	if err != nil {
		return nil, utils.AsStorageError(err, "create product", spec.Name, spec.Format, 0)
	}

	p := &Product{
		Name:               spec.Name,
		Parent:             spec.Parent,
		Grid:               spec.Grid,
		TemporalResolution: spec.TemporalResolution,
		Format:             spec.Format,
		db:                 d,
		epoch:              d.tiles.ProductEpoch(spec.Name),
	}
	d.products.Add(p.Name, p)
	if len(spec.Parent) > 0 {
		d.tree.Add(1)
	}
	d.logf("created product %s", p.Name)
	return p, nil
}

// Product fetches one product, returning nil when it does not exist.
func (d *Database) Product(ctx context.Context, name string) (*Product, error) {
	if v, ok := d.products.Get(name); ok {
		if p := v.(*Product); !p.isDeleted() {
			return p, nil
		}
	}
	p, err := d.scanProduct(d.queryRow(ctx, d.db, `SELECT `+productColumns+` FROM products WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.AsStorageError(err, "read product", name, "", 0)
	}
	return d.cached(p), nil
}

// Products loads the whole product tree and returns its roots sorted by
// name. A product whose parent never shows up makes the catalog corrupt.
func (d *Database) Products(ctx context.Context) ([]*Product, error) {
	tree := d.tree.Load()
	rows, err := d.query(ctx, d.db, `SELECT `+productColumns+` FROM products ORDER BY name`)
	if err != nil {
		return nil, utils.AsStorageError(err, "list products", "", "", 0)
	}
	all, err := d.scanProducts(rows)
	if err != nil {
		return nil, utils.AsStorageError(err, "list products", "", "", 0)
	}

	byName := make(map[string]*Product, len(all))
	unresolved := all
	for len(unresolved) > 0 {
		var next []*Product
		for _, p := range unresolved {
			ok, err := p.dispatch(byName)
			if err != nil {
				return nil, err
			}
			if !ok {
				next = append(next, p)
			}
		}
		if len(next) == len(unresolved) {
			var dangling []string
			for _, p := range next {
				dangling = append(dangling, p.Name+" -> "+p.Parent)
			}
			return nil, utils.NewCorruptionError("products with unknown parents: %s", strings.Join(dangling, ", "))
		}
		unresolved = next
	}

	var roots []*Product
	for _, p := range all {
		if len(p.Parent) == 0 {
			roots = append(roots, p)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Name < roots[j].Name })
	for _, p := range roots {
		p.finish(tree)
	}
	for _, p := range all {
		d.products.Add(p.Name, p)
	}
	return roots, nil
}

// dispatch registers p in byName. Roots always register; a child
// registers with its parent when the parent is known and reports false
// otherwise.
func (p *Product) dispatch(byName map[string]*Product) (bool, error) {
	if _, dup := byName[p.Name]; dup {
		return false, utils.NewCorruptionError("product %q is listed twice", p.Name)
	}
	if len(p.Parent) > 0 {
		parent, ok := byName[p.Parent]
		if !ok {
			return false, nil
		}
		parent.pending = append(parent.pending, p)
	}
	byName[p.Name] = p
	return true, nil
}

// finish freezes the component lists collected by dispatch.
func (p *Product) finish(tree uint64) {
	children := p.pending
	p.pending = nil
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	for _, c := range children {
		c.finish(tree)
	}
	p.components.Set(componentList{tree: tree, children: children})
}

func (p *Product) isDeleted() bool {
	p.mu.Lock()
	deleted := p.deleted
	p.mu.Unlock()
	return deleted || p.db.tiles.ProductEpoch(p.Name) != p.epoch
}

func (p *Product) ensureValid() error {
	if p.isDeleted() {
		return &utils.EntityRemovedError{Kind: "product", Name: p.Name}
	}
	return nil
}

func (p *Product) markDeleted() {
	p.mu.Lock()
	p.deleted = true
	p.mu.Unlock()
	p.components.Invalidate()
	p.dims.Invalidate()
	p.domain.Invalidate()
}

// Components returns the direct sub-products sorted by name. The list is
// loaded once and shared by every caller until a product is created or
// removed anywhere in the catalog.
func (p *Product) Components(ctx context.Context) ([]*Product, error) {
	if err := p.ensureValid(); err != nil {
		return nil, err
	}
	fresh := func(l componentList) bool { return l.tree == p.db.tree.Load() }
	list, err := p.components.GetFresh(fresh, func() (componentList, error) {
		tree := p.db.tree.Load()
		rows, err := p.db.query(ctx, p.db.db, `SELECT `+productColumns+` FROM products WHERE parent = ? ORDER BY name`, p.Name)
		if err != nil {
			return componentList{}, utils.AsStorageError(err, "list components", p.Name, "", 0)
		}
		children, err := p.db.scanProducts(rows)
		if err != nil {
			return componentList{}, utils.AsStorageError(err, "list components", p.Name, "", 0)
		}
		for i, c := range children {
			children[i] = p.db.cached(c)
		}
		return componentList{tree: tree, children: children}, nil
	})
	return list.children, err
}

// SampleDimensions returns the bands of the representative format, nil
// when the product has none.
func (p *Product) SampleDimensions(ctx context.Context) ([]sample.SampleDimension, error) {
	if err := p.ensureValid(); err != nil {
		return nil, err
	}
	if len(p.Format) == 0 {
		return nil, nil
	}
	return p.dims.Get(func() ([]sample.SampleDimension, error) {
		dims, err := sampleDimensionTable{p.db}.query(ctx, p.db.db, p.Format)
		if err != nil {
			return nil, utils.AsStorageError(err, "read sample dimensions", p.Name, p.Format, 0)
		}
		return dims, nil
	})
}

func (p *Product) GridGeometry() *referencing.GridGeometry { return p.Grid }

// Envelope is the extent declared by the grid geometry, else the domain
// of the coverage references, else the union of the pyramid envelopes.
// The boolean is false when none of them is known.
func (p *Product) Envelope(ctx context.Context) (referencing.Envelope, bool, error) {
	if err := p.ensureValid(); err != nil {
		return referencing.Envelope{}, false, err
	}
	if p.Grid != nil {
		return p.Grid.Envelope, true, nil
	}
	dom, err := p.Domain(ctx)
	if err != nil {
		return referencing.Envelope{}, false, err
	}
	if dom != nil {
		return dom.Envelope(), true, nil
	}
	models, err := p.Models(ctx)
	if err != nil {
		return referencing.Envelope{}, false, err
	}
	for _, m := range models {
		if env, ok := m.Envelope(); ok {
			return env, true, nil
		}
	}
	return referencing.Envelope{}, false, nil
}

// subtree lists p and its components depth first, children before their
// parent.
func (p *Product) subtree(ctx context.Context, seen map[string]bool) ([]*Product, error) {
	if seen[p.Name] {
		return nil, utils.NewCorruptionError("product %q is its own ancestor", p.Name)
	}
	seen[p.Name] = true
	children, err := p.Components(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Product
	for _, c := range children {
		sub, err := c.subtree(ctx, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return append(out, p), nil
}

// Remove deletes the product and all its descendants with their pyramids,
// tiles and coverage references in one transaction. Once committed every
// removed product is marked deleted and its cached state dropped.
func (p *Product) Remove(ctx context.Context) error {
	if err := p.ensureValid(); err != nil {
		return err
	}
	nodes, err := p.subtree(ctx, make(map[string]bool))
	if err != nil {
		return err
	}

	var keys []pyramid.TileKey
	if p.db.cache != nil {
		for _, n := range nodes {
			k, err := p.db.tileKeys(ctx, p.db.db, `SELECT product, pyramid, mosaic, tile_col, tile_row FROM tiles WHERE product = ?`, n.Name)
			if err != nil {
				return utils.AsStorageError(err, "remove product", n.Name, "", 0)
			}
			keys = append(keys, k...)
		}
	}

	err = p.db.transaction(ctx, func(tx *sql.Tx) error {
		for _, n := range nodes {
			for _, stmt := range []string{
				`DELETE FROM tiles WHERE product = ?`,
				`DELETE FROM mosaics WHERE product = ?`,
				`DELETE FROM pyramids WHERE product = ?`,
				`DELETE FROM grid_coverages WHERE product = ?`,
				`DELETE FROM products WHERE name = ?`,
			} {
				if _, err := p.db.exec(ctx, tx, stmt, n.Name); err != nil {
					return utils.AsStorageError(err, "remove product", n.Name, "", 0)
				}
			}
		}
		return nil
	})
	if err != nil {
		return utils.AsStorageError(err, "remove product", p.Name, "", 0)
	}

	for _, n := range nodes {
		n.markDeleted()
		if v, ok := p.db.products.Peek(n.Name); ok {
			v.(*Product).markDeleted()
		}
		p.db.tiles.RetireProduct(n.Name)
	}
	p.db.tree.Add(1)
	p.db.products.Purge()
	if p.db.cache != nil {
		p.db.cache.Invalidate(keys)
	}
	p.db.logf("removed product %s with %d descendants", p.Name, len(nodes)-1)
	return nil
}

// Models returns the pyramids of the product.
func (p *Product) Models(ctx context.Context) ([]*pyramid.Pyramid, error) {
	if err := p.ensureValid(); err != nil {
		return nil, err
	}
	return p.db.tiles.Pyramids(ctx, p.Name)
}

// Model returns the pyramid with the given identifier, nil when there is
// none.
func (p *Product) Model(ctx context.Context, id string) (*pyramid.Pyramid, error) {
	if err := p.ensureValid(); err != nil {
		return nil, err
	}
	return p.db.tiles.Pyramid(ctx, p.Name, id)
}

// CreateModel creates the pyramid of crs. An empty mime type selects the
// driver of the product format.
func (p *Product) CreateModel(ctx context.Context, crs referencing.CRS, mime string) (*pyramid.Pyramid, error) {
	if err := p.ensureValid(); err != nil {
		return nil, err
	}
	if len(mime) == 0 {
		if len(p.Format) == 0 {
			return nil, utils.NewValidationError("product %q has no format, a tile format is required", p.Name)
		}
		f, err := p.db.Format(ctx, p.Format)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, utils.NewCorruptionError("product %q refers to unknown format %q", p.Name, p.Format)
		}
		mime = f.Driver
	}
	return p.db.tiles.CreatePyramid(ctx, p.Name, crs, mime)
}

func (p *Product) RemoveModel(ctx context.Context, id string) error {
	m, err := p.Model(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return utils.NewValidationError("product %q has no model %q", p.Name, id)
	}
	return m.Delete(ctx)
}

// Read returns the coverage of aoi at the native resolution of the
// product, that is the grid resolution when the grid shares the CRS of
// aoi and the finest mosaic otherwise. The result is nil when there is
// no data in aoi.
func (p *Product) Read(ctx context.Context, aoi referencing.Envelope, bands []int) (*pyramid.Coverage, error) {
	res := 0.0
	if p.Grid != nil && p.Grid.Envelope.CRS.Equivalent(aoi.CRS) {
		res = math.Max(p.Grid.Resolution[0], p.Grid.Resolution[1])
	}
	return p.ReadAt(ctx, aoi, res, bands)
}

// ReadAt returns the coverage of aoi from the mosaic selected for
// resolution, in units of the aoi CRS. The pyramid sharing the CRS of aoi
// is preferred; otherwise aoi is reprojected to the first pyramid.
func (p *Product) ReadAt(ctx context.Context, aoi referencing.Envelope, resolution float64, bands []int) (*pyramid.Coverage, error) {
	models, err := p.Models(ctx)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	var target *pyramid.Pyramid
	for _, m := range models {
		if m.CRS.Equivalent(aoi.CRS) {
			target = m
			break
		}
	}
	if target == nil {
		target = models[0]
		t, err := p.db.Transformer.Transform(aoi, target.CRS)
		if err != nil {
			if !utils.IsReferencing(err) {
				err = utils.NewReferencingError(err, "read %s", p.Name)
			}
			return nil, err
		}
		if resolution > 0 && aoi.Width() > 0 {
			resolution *= t.Width() / aoi.Width()
		}
		aoi = t
	}

	m := pyramid.SelectMosaic(target.Mosaics(), resolution)
	if m == nil {
		return nil, nil
	}
	dims, err := p.SampleDimensions(ctx)
	if err != nil {
		return nil, err
	}
	return pyramid.NewCoverage(m, aoi, dims, bands)
}
