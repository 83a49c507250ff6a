package catalog

import (
	"context"
	"database/sql"
	"strings"

	"github.com/nci/pyramid/utils"
)

// schema is written in the subset of SQL shared by PostgreSQL and SQLite.
// {{blob}} is replaced by the binary type of the dialect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		name TEXT PRIMARY KEY,
		parent TEXT,
		crs TEXT,
		min_x DOUBLE PRECISION,
		min_y DOUBLE PRECISION,
		max_x DOUBLE PRECISION,
		max_y DOUBLE PRECISION,
		res_x DOUBLE PRECISION,
		res_y DOUBLE PRECISION,
		temporal_resolution BIGINT NOT NULL DEFAULT 0,
		format TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS products_parent ON products (parent)`,
	`CREATE TABLE IF NOT EXISTS formats (
		name TEXT PRIMARY KEY,
		driver TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sample_dimensions (
		format TEXT NOT NULL,
		band INTEGER NOT NULL,
		identifier TEXT NOT NULL,
		units TEXT,
		is_packed BOOLEAN NOT NULL,
		background INTEGER,
		PRIMARY KEY (format, band)
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		format TEXT NOT NULL,
		band INTEGER NOT NULL,
		ordinal INTEGER NOT NULL,
		name TEXT NOT NULL,
		lower_value DOUBLE PRECISION,
		upper_value DOUBLE PRECISION,
		pad_value DOUBLE PRECISION,
		scale DOUBLE PRECISION,
		offset_value DOUBLE PRECISION,
		colors TEXT,
		PRIMARY KEY (format, band, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS grid_coverages (
		product TEXT NOT NULL,
		path TEXT NOT NULL,
		image_index INTEGER NOT NULL,
		format TEXT,
		min_x DOUBLE PRECISION NOT NULL,
		min_y DOUBLE PRECISION NOT NULL,
		max_x DOUBLE PRECISION NOT NULL,
		max_y DOUBLE PRECISION NOT NULL,
		start_time BIGINT,
		end_time BIGINT,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		PRIMARY KEY (product, path, image_index)
	)`,
	`CREATE TABLE IF NOT EXISTS pyramids (
		product TEXT NOT NULL,
		id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		crs TEXT NOT NULL,
		format TEXT NOT NULL,
		PRIMARY KEY (product, id)
	)`,
	`CREATE TABLE IF NOT EXISTS mosaics (
		product TEXT NOT NULL,
		pyramid TEXT NOT NULL,
		id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		ul_x DOUBLE PRECISION NOT NULL,
		ul_y DOUBLE PRECISION NOT NULL,
		scale_x DOUBLE PRECISION NOT NULL,
		scale_y DOUBLE PRECISION NOT NULL,
		grid_cols INTEGER NOT NULL,
		grid_rows INTEGER NOT NULL,
		tile_width INTEGER NOT NULL,
		tile_height INTEGER NOT NULL,
		PRIMARY KEY (product, pyramid, id)
	)`,
	`CREATE TABLE IF NOT EXISTS tiles (
		product TEXT NOT NULL,
		pyramid TEXT NOT NULL,
		mosaic TEXT NOT NULL,
		tile_col INTEGER NOT NULL,
		tile_row INTEGER NOT NULL,
		data {{blob}} NOT NULL,
		PRIMARY KEY (product, pyramid, mosaic, tile_col, tile_row)
	)`,
}

// Migrate creates the catalog tables that do not exist yet.
func (d *Database) Migrate(ctx context.Context) error {
	blob := "BYTEA"
	if d.dialect == SQLite {
		blob = "BLOB"
	}
	return utils.AsStorageError(d.transaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schema {
			if _, err := d.exec(ctx, tx, strings.ReplaceAll(stmt, "{{blob}}", blob)); err != nil {
				return err
			}
		}
		return nil
	}), "migrate", "", "", 0)
}
