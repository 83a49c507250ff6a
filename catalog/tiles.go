package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"image"

	"github.com/paulmach/orb"

	"github.com/nci/pyramid/pyramid"
)

// tileTable is the pyramid backend keeping structure and tile payloads in
// the catalog tables.
type tileTable struct {
	db *Database
}

func (t *tileTable) ListPyramids(ctx context.Context, product string) ([]pyramid.PyramidDescriptor, error) {
	rows, err := t.db.query(ctx, t.db.db, `SELECT id, crs, format FROM pyramids WHERE product = ? ORDER BY ordinal`, product)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pyramid.PyramidDescriptor
	for rows.Next() {
		var d pyramid.PyramidDescriptor
		if err := rows.Scan(&d.ID, &d.CRS, &d.Format); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *tileTable) nextOrdinal(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (int, error) {
	var n sql.NullInt64
	if err := t.db.queryRow(ctx, tx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return int(n.Int64) + 1, nil
}

func (t *tileTable) CreatePyramid(ctx context.Context, product string, d pyramid.PyramidDescriptor) error {
	return t.db.transaction(ctx, func(tx *sql.Tx) error {
		ord, err := t.nextOrdinal(ctx, tx, `SELECT MAX(ordinal) FROM pyramids WHERE product = ?`, product)
		if err != nil {
			return err
		}
		_, err = t.db.exec(ctx, tx, `INSERT INTO pyramids (product, id, ordinal, crs, format) VALUES (?, ?, ?, ?, ?)`,
			product, d.ID, ord, d.CRS, d.Format)
		return err
	})
}

func deletePyramid(ctx context.Context, db *Database, tx *sql.Tx, product, pyr string) error {
	for _, stmt := range []string{
		`DELETE FROM tiles WHERE product = ? AND pyramid = ?`,
		`DELETE FROM mosaics WHERE product = ? AND pyramid = ?`,
		`DELETE FROM pyramids WHERE product = ? AND id = ?`,
	} {
		if _, err := db.exec(ctx, tx, stmt, product, pyr); err != nil {
			return err
		}
	}
	return nil
}

func (t *tileTable) DeletePyramid(ctx context.Context, product, pyr string) error {
	return t.db.transaction(ctx, func(tx *sql.Tx) error {
		return deletePyramid(ctx, t.db, tx, product, pyr)
	})
}

func (t *tileTable) ListMosaics(ctx context.Context, product, pyr string) ([]pyramid.MosaicDescriptor, error) {
	rows, err := t.db.query(ctx, t.db.db,
		`SELECT id, ul_x, ul_y, scale_x, scale_y, grid_cols, grid_rows, tile_width, tile_height FROM mosaics WHERE product = ? AND pyramid = ? ORDER BY ordinal`,
		product, pyr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pyramid.MosaicDescriptor
	for rows.Next() {
		var (
			m                  pyramid.MosaicDescriptor
			ulx, uly           float64
			gridCols, gridRows int
			tw, th             int
		)
		if err := rows.Scan(&m.ID, &ulx, &uly, &m.Scale[0], &m.Scale[1], &gridCols, &gridRows, &tw, &th); err != nil {
			return nil, err
		}
		m.UpperLeft = orb.Point{ulx, uly}
		m.GridSize = image.Pt(gridCols, gridRows)
		m.TileSize = image.Pt(tw, th)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tileTable) CreateMosaic(ctx context.Context, product, pyr string, m pyramid.MosaicDescriptor) error {
	return t.db.transaction(ctx, func(tx *sql.Tx) error {
		var n int
		if err := t.db.queryRow(ctx, tx, `SELECT COUNT(*) FROM pyramids WHERE product = ? AND id = ?`, product, pyr).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("no pyramid %s in product %q", pyr, product)
		}
		ord, err := t.nextOrdinal(ctx, tx, `SELECT MAX(ordinal) FROM mosaics WHERE product = ? AND pyramid = ?`, product, pyr)
		if err != nil {
			return err
		}
		_, err = t.db.exec(ctx, tx,
			`INSERT INTO mosaics (product, pyramid, id, ordinal, ul_x, ul_y, scale_x, scale_y, grid_cols, grid_rows, tile_width, tile_height) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			product, pyr, m.ID, ord, m.UpperLeft[0], m.UpperLeft[1], m.Scale[0], m.Scale[1], m.GridSize.X, m.GridSize.Y, m.TileSize.X, m.TileSize.Y)
		return err
	})
}

func (t *tileTable) DeleteMosaic(ctx context.Context, product, pyr, mosaic string) error {
	return t.db.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := t.db.exec(ctx, tx, `DELETE FROM tiles WHERE product = ? AND pyramid = ? AND mosaic = ?`, product, pyr, mosaic); err != nil {
			return err
		}
		_, err := t.db.exec(ctx, tx, `DELETE FROM mosaics WHERE product = ? AND pyramid = ? AND id = ?`, product, pyr, mosaic)
		return err
	})
}

func (t *tileTable) ReadTile(ctx context.Context, key pyramid.TileKey) ([]byte, error) {
	var data []byte
	err := t.db.queryRow(ctx, t.db.db,
		`SELECT data FROM tiles WHERE product = ? AND pyramid = ? AND mosaic = ? AND tile_col = ? AND tile_row = ?`,
		key.Product, key.Pyramid, key.Mosaic, key.Col, key.Row).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return data, err
}

// WriteTiles upserts every payload in one transaction.
func (t *tileTable) WriteTiles(ctx context.Context, tiles []pyramid.TilePayload) error {
	return t.db.transaction(ctx, func(tx *sql.Tx) error {
		checked := make(map[[3]string]bool)
		for _, tile := range tiles {
			k := [3]string{tile.Product, tile.Pyramid, tile.Mosaic}
			if !checked[k] {
				var n int
				err := t.db.queryRow(ctx, tx, `SELECT COUNT(*) FROM mosaics WHERE product = ? AND pyramid = ? AND id = ?`, k[0], k[1], k[2]).Scan(&n)
				if err != nil {
					return err
				}
				if n == 0 {
					return fmt.Errorf("no mosaic %s in pyramid %s of %q", k[2], k[1], k[0])
				}
				checked[k] = true
			}
			_, err := t.db.exec(ctx, tx,
				`INSERT INTO tiles (product, pyramid, mosaic, tile_col, tile_row, data) VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (product, pyramid, mosaic, tile_col, tile_row) DO UPDATE SET data = excluded.data`,
				tile.Product, tile.Pyramid, tile.Mosaic, tile.Col, tile.Row, tile.Data)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *tileTable) DeleteTile(ctx context.Context, key pyramid.TileKey) error {
	_, err := t.db.exec(ctx, t.db.db,
		`DELETE FROM tiles WHERE product = ? AND pyramid = ? AND mosaic = ? AND tile_col = ? AND tile_row = ?`,
		key.Product, key.Pyramid, key.Mosaic, key.Col, key.Row)
	return err
}

func (t *tileTable) TileKeys(ctx context.Context, product, pyr, mosaic string) ([]pyramid.TileKey, error) {
	return t.db.tileKeys(ctx, t.db.db, `SELECT product, pyramid, mosaic, tile_col, tile_row FROM tiles WHERE product = ? AND pyramid = ? AND mosaic = ? ORDER BY tile_row, tile_col`,
		product, pyr, mosaic)
}

func (d *Database) tileKeys(ctx context.Context, q queryer, query string, args ...interface{}) ([]pyramid.TileKey, error) {
	rows, err := d.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pyramid.TileKey
	for rows.Next() {
		var k pyramid.TileKey
		if err := rows.Scan(&k.Product, &k.Pyramid, &k.Mosaic, &k.Col, &k.Row); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
