package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/paulmach/orb"

	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/utils"
)

// CoverageReference points at one image of a source file belonging to a
// product.
type CoverageReference struct {
	Path       string
	ImageIndex int
	Format     string
	Envelope   referencing.Envelope
	Start      time.Time
	End        time.Time
	Width      int
	Height     int
}

// Domain is the union of the extents of the coverage references of a
// product. Start and End are zero when no reference is dated.
type Domain struct {
	BBox  orb.Bound
	CRS   referencing.CRS
	Start time.Time
	End   time.Time
}

func (d *Domain) Envelope() referencing.Envelope {
	return referencing.Envelope{Bound: d.BBox, CRS: d.CRS}
}

// domainCRS is the CRS coverage reference extents are stored in.
func (p *Product) domainCRS() referencing.CRS {
	if p.Grid != nil {
		return p.Grid.Envelope.CRS
	}
	return referencing.WGS84
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

// AddCoverageReferences records refs in one transaction, replacing
// references with the same path and image index. Extents are reprojected
// to the CRS of the product grid. The cached domain is dropped.
func (p *Product) AddCoverageReferences(ctx context.Context, refs []CoverageReference) error {
	if err := p.ensureValid(); err != nil {
		return err
	}
	target := p.domainCRS()
	envs := make([]referencing.Envelope, len(refs))
	for i, r := range refs {
		if len(r.Path) == 0 {
			return utils.NewValidationError("coverage reference %d of %q has no path", i, p.Name)
		}
		if r.Width <= 0 || r.Height <= 0 {
			return utils.NewValidationError("coverage %s has invalid size %dx%d", r.Path, r.Width, r.Height)
		}
		if !r.End.IsZero() && r.End.Before(r.Start) {
			return utils.NewValidationError("coverage %s ends before it starts", r.Path)
		}
		env, err := p.db.Transformer.Transform(r.Envelope, target)
		if err != nil {
			return err
		}
		envs[i] = env
	}

	err := p.db.transaction(ctx, func(tx *sql.Tx) error {
		for i, r := range refs {
			e := envs[i]
			_, err := p.db.exec(ctx, tx,
				`INSERT INTO grid_coverages (product, path, image_index, format, min_x, min_y, max_x, max_y, start_time, end_time, width, height)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (product, path, image_index) DO UPDATE SET format = excluded.format,
				min_x = excluded.min_x, min_y = excluded.min_y, max_x = excluded.max_x, max_y = excluded.max_y,
				start_time = excluded.start_time, end_time = excluded.end_time, width = excluded.width, height = excluded.height`,
				p.Name, r.Path, r.ImageIndex, nullString(r.Format), e.Min[0], e.Min[1], e.Max[0], e.Max[1],
				nullTime(r.Start), nullTime(r.End), r.Width, r.Height)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return utils.AsStorageError(err, "add coverage references", p.Name, p.Format, 0)
	}
	p.domain.Invalidate()
	return nil
}

// RemoveCoverageReference deletes one reference and drops the cached
// domain. Removing an unknown reference is a no-op.
func (p *Product) RemoveCoverageReference(ctx context.Context, path string, imageIndex int) error {
	if err := p.ensureValid(); err != nil {
		return err
	}
	err := p.db.transaction(ctx, func(tx *sql.Tx) error {
		_, err := p.db.exec(ctx, tx, `DELETE FROM grid_coverages WHERE product = ? AND path = ? AND image_index = ?`, p.Name, path, imageIndex)
		return err
	})
	if err != nil {
		return utils.AsStorageError(err, "remove coverage reference", p.Name, p.Format, 0)
	}
	p.domain.Invalidate()
	return nil
}

// CoverageReferences lists the references intersecting aoi, or all of
// them when aoi is nil.
func (p *Product) CoverageReferences(ctx context.Context, aoi *referencing.Envelope) ([]CoverageReference, error) {
	if err := p.ensureValid(); err != nil {
		return nil, err
	}
	crs := p.domainCRS()
	query := `SELECT path, image_index, format, min_x, min_y, max_x, max_y, start_time, end_time, width, height FROM grid_coverages WHERE product = ?`
	args := []interface{}{p.Name}
	if aoi != nil {
		env, err := p.db.Transformer.Transform(*aoi, crs)
		if err != nil {
			return nil, err
		}
		query += ` AND max_x >= ? AND min_x <= ? AND max_y >= ? AND min_y <= ?`
		args = append(args, env.Min[0], env.Max[0], env.Min[1], env.Max[1])
	}
	query += ` ORDER BY path, image_index`

	rows, err := p.db.query(ctx, p.db.db, query, args...)
	if err != nil {
		return nil, utils.AsStorageError(err, "list coverage references", p.Name, p.Format, 0)
	}
	defer rows.Close()
	var out []CoverageReference
	for rows.Next() {
		var (
			r                      CoverageReference
			format                 sql.NullString
			minX, minY, maxX, maxY float64
			start, end             sql.NullInt64
		)
		if err := rows.Scan(&r.Path, &r.ImageIndex, &format, &minX, &minY, &maxX, &maxY, &start, &end, &r.Width, &r.Height); err != nil {
			return nil, utils.AsStorageError(err, "list coverage references", p.Name, p.Format, 0)
		}
		r.Format = format.String
		r.Envelope = referencing.NewEnvelope(crs, minX, minY, maxX, maxY)
		r.Start, r.End = fromNullTime(start), fromNullTime(end)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.AsStorageError(err, "list coverage references", p.Name, p.Format, 0)
	}
	return out, nil
}

// Domain returns the extent of the coverage references, nil when the
// product has none. It is computed once and kept until references are
// added or removed through this product.
func (p *Product) Domain(ctx context.Context) (*Domain, error) {
	if err := p.ensureValid(); err != nil {
		return nil, err
	}
	return p.domain.Get(func() (*Domain, error) {
		return p.loadDomain(ctx)
	})
}

func (p *Product) loadDomain(ctx context.Context) (*Domain, error) {
	var (
		n                      int
		minX, minY, maxX, maxY sql.NullFloat64
		start, end             sql.NullInt64
	)
	err := p.db.queryRow(ctx, p.db.db,
		`SELECT COUNT(*), MIN(min_x), MIN(min_y), MAX(max_x), MAX(max_y), MIN(start_time), MAX(end_time) FROM grid_coverages WHERE product = ?`,
		p.Name).Scan(&n, &minX, &minY, &maxX, &maxY, &start, &end)
	if err != nil {
		return nil, utils.AsStorageError(err, "compute domain", p.Name, p.Format, 0)
	}
	if n == 0 {
		return nil, nil
	}
	return &Domain{
		BBox:  orb.Bound{Min: orb.Point{minX.Float64, minY.Float64}, Max: orb.Point{maxX.Float64, maxY.Float64}},
		CRS:   p.domainCRS(),
		Start: fromNullTime(start),
		End:   fromNullTime(end),
	}, nil
}
