package catalog

import (
	"context"
	"database/sql"
	"image/color"
	"math"
	"strings"

	"github.com/nci/pyramid/sample"
	"github.com/nci/pyramid/utils"
)

// Format names a storage format and the bands it carries. Driver is the
// MIME type of the encoded images.
type Format struct {
	Name             string
	Driver           string
	SampleDimensions []sample.SampleDimension
}

// CreateFormat registers a format together with its sample dimensions.
// Dimensions storing real values are given a default 16 bits packing.
func (d *Database) CreateFormat(ctx context.Context, name, driver string, dims []sample.SampleDimension) error {
	if len(name) == 0 {
		return utils.NewValidationError("format needs a name")
	}
	err := d.transaction(ctx, func(tx *sql.Tx) error {
		var n int
		if err := d.queryRow(ctx, tx, `SELECT COUNT(*) FROM formats WHERE name = ?`, name).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return utils.NewValidationError("format %q already exists", name)
		}
		if _, err := d.exec(ctx, tx, `INSERT INTO formats (name, driver) VALUES (?, ?)`, name, driver); err != nil {
			return err
		}
		return sampleDimensionTable{d}.insert(ctx, tx, name, dims)
	})
	if err != nil {
		return utils.AsStorageError(err, "create format", "", name, 0)
	}
	d.logf("created format %s with %d bands", name, len(dims))
	return nil
}

// Format fetches a format, returning nil when it does not exist.
func (d *Database) Format(ctx context.Context, name string) (*Format, error) {
	f := &Format{Name: name}
	err := d.queryRow(ctx, d.db, `SELECT driver FROM formats WHERE name = ?`, name).Scan(&f.Driver)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.AsStorageError(err, "read format", "", name, 0)
	}
	f.SampleDimensions, err = sampleDimensionTable{d}.query(ctx, d.db, name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type sampleDimensionTable struct {
	db *Database
}

type dimensionRow struct {
	band       int
	identifier string
	units      sql.NullString
}

// query reads the sample dimensions of format. It returns nil when the
// format has no band description.
func (t sampleDimensionTable) query(ctx context.Context, q queryer, format string) ([]sample.SampleDimension, error) {
	rows, err := t.db.query(ctx, q, `SELECT band, identifier, units FROM sample_dimensions WHERE format = ? ORDER BY band`, format)
	if err != nil {
		return nil, utils.AsStorageError(err, "read sample dimensions", "", format, 0)
	}
	var found []dimensionRow
	for rows.Next() {
		var r dimensionRow
		if err := rows.Scan(&r.band, &r.identifier, &r.units); err != nil {
			rows.Close()
			return nil, utils.AsStorageError(err, "read sample dimensions", "", format, 0)
		}
		found = append(found, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, utils.AsStorageError(err, "read sample dimensions", "", format, 0)
	}
	if len(found) == 0 {
		return nil, nil
	}

	dims := make([]sample.SampleDimension, len(found))
	for i, r := range found {
		if r.band != i+1 {
			return nil, utils.NewCorruptionError("format %q: expected band %d, found band %d", format, i+1, r.band)
		}
		unit, err := sample.ParseUnit(r.units.String)
		if err != nil {
			return nil, utils.NewCorruptionError("format %q band %d: %v", format, r.band, err)
		}
		cats, err := categoryTable{t.db}.query(ctx, q, format, r.band)
		if err != nil {
			return nil, err
		}
		dims[i] = sample.SampleDimension{Name: r.identifier, Unit: unit, Categories: cats}
		if err := dims[i].Validate(); err != nil {
			return nil, utils.NewCorruptionError("format %q band %d: %v", format, r.band, err)
		}
	}
	return dims, nil
}

// insert writes dims as bands 1..n of format in the caller's transaction.
func (t sampleDimensionTable) insert(ctx context.Context, tx *sql.Tx, format string, dims []sample.SampleDimension) error {
	for i, dim := range dims {
		band := i + 1
		if err := dim.Validate(); err != nil {
			return err
		}
		if sample.IsReal(dim) {
			if cats, ok := sample.DefaultCategories(dim); ok {
				dim.Categories = cats
			}
		}
		var background sql.NullInt64
		if pad, ok := dim.Background(); ok && !math.IsNaN(pad) && pad == math.Trunc(pad) {
			background = sql.NullInt64{Int64: int64(pad), Valid: true}
		}
		_, err := t.db.exec(ctx, tx,
			`INSERT INTO sample_dimensions (format, band, identifier, units, is_packed, background) VALUES (?, ?, ?, ?, ?, ?)`,
			format, band, dim.Name, nullString(dim.Unit.String()), !sample.IsReal(dim), background)
		if err != nil {
			return utils.AsStorageError(err, "write sample dimension", "", format, band)
		}
		if err := (categoryTable{t.db}).insert(ctx, tx, format, band, dim.Categories); err != nil {
			return err
		}
	}
	return nil
}

type categoryTable struct {
	db *Database
}

// A qualitative category is stored with its pad in pad_value and no
// transfer function; NULL pads are NaN.
func (t categoryTable) query(ctx context.Context, q queryer, format string, band int) ([]sample.Category, error) {
	rows, err := t.db.query(ctx, q,
		`SELECT name, lower_value, upper_value, pad_value, scale, offset_value, colors FROM categories WHERE format = ? AND band = ? ORDER BY ordinal`,
		format, band)
	if err != nil {
		return nil, utils.AsStorageError(err, "read categories", "", format, band)
	}
	defer rows.Close()

	var out []sample.Category
	for rows.Next() {
		var (
			name                             string
			lower, upper, pad, scale, offset sql.NullFloat64
			colors                           sql.NullString
		)
		if err := rows.Scan(&name, &lower, &upper, &pad, &scale, &offset, &colors); err != nil {
			return nil, utils.AsStorageError(err, "read categories", "", format, band)
		}
		ramp, err := parseColors(colors.String)
		if err != nil {
			return nil, utils.NewCorruptionError("format %q band %d category %q: %v", format, band, name, err)
		}
		if !scale.Valid {
			qc := sample.Qualitative{Name: name, Pad: math.NaN()}
			if pad.Valid {
				qc.Pad = pad.Float64
			}
			if len(ramp) > 0 {
				qc.Color = ramp[0]
			}
			out = append(out, qc)
			continue
		}
		if !lower.Valid || !upper.Valid {
			return nil, utils.NewCorruptionError("format %q band %d category %q has no sample range", format, band, name)
		}
		out = append(out, sample.Quantitative{
			Name:   name,
			Lower:  lower.Float64,
			Upper:  upper.Float64,
			Scale:  scale.Float64,
			Offset: offset.Float64,
			Colors: ramp,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, utils.AsStorageError(err, "read categories", "", format, band)
	}
	return out, nil
}

func (t categoryTable) insert(ctx context.Context, tx *sql.Tx, format string, band int, cats []sample.Category) error {
	for i, c := range cats {
		var (
			lower, upper, pad, scale, offset sql.NullFloat64
			colors                           []color.RGBA
		)
		switch c := c.(type) {
		case sample.Qualitative:
			pad = nullFloat(c.Pad)
			colors = []color.RGBA{c.Color}
		case sample.Quantitative:
			lower, upper = nullFloat(c.Lower), nullFloat(c.Upper)
			scale, offset = nullFloat(c.Scale), nullFloat(c.Offset)
			colors = c.Colors
		}
		_, err := t.db.exec(ctx, tx,
			`INSERT INTO categories (format, band, ordinal, name, lower_value, upper_value, pad_value, scale, offset_value, colors) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			format, band, i, c.CategoryName(), lower, upper, pad, scale, offset, nullString(formatColors(colors)))
		if err != nil {
			return utils.AsStorageError(err, "write category", "", format, band)
		}
	}
	return nil
}

func formatColors(colors []color.RGBA) string {
	parts := make([]string, len(colors))
	for i, c := range colors {
		parts[i] = utils.FormatColour(c)
	}
	return strings.Join(parts, ",")
}

func parseColors(s string) ([]color.RGBA, error) {
	if len(s) == 0 {
		return nil, nil
	}
	var out []color.RGBA
	for _, part := range strings.Split(s, ",") {
		c, err := utils.ParseColour(part)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
