// Package catalog keeps products, their formats and sample dimensions,
// coverage references and tile pyramids in a SQL database. PostgreSQL is
// used in production and SQLite for embedded use and tests.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/nci/pyramid/pyramid"
	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/utils"
)

type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) driver() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

const defaultProductCacheSize = 256

// Database is the entry point of the catalog. It is safe for concurrent
// use.
type Database struct {
	db      *sql.DB
	dialect Dialect

	// Transformer reprojects envelopes for metadata and reads.
	Transformer referencing.Transformer
	// Logger receives verbose messages when not nil.
	Logger *log.Logger

	tiles    *pyramid.Store
	cache    *pyramid.CachedBackend
	products *lru.Cache

	// number of statements sent to the database
	queries atomic.Int64
	// bumped whenever a product is added to or removed from the tree
	tree atomic.Uint64
}

// Open connects to a catalog. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*Database, error) {
	var dialect Dialect
	switch driver {
	case "postgres":
		dialect = Postgres
	case "sqlite", "sqlite3":
		dialect = SQLite
	default:
		return nil, utils.NewValidationError("unsupported catalog driver %q", driver)
	}
	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, utils.AsStorageError(err, "open catalog", "", "", 0)
	}
	if dialect == SQLite {
		// a single writer avoids SQLITE_BUSY between our own connections
		db.SetMaxOpenConns(1)
	}
	return New(db, dialect)
}

// OpenSQLite opens or creates an SQLite catalog file.
func OpenSQLite(path string) (*Database, error) {
	return Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
}

// New wraps an open connection pool.
func New(db *sql.DB, dialect Dialect) (*Database, error) {
	cache, err := lru.New(defaultProductCacheSize)
	if err != nil {
		return nil, err
	}
	d := &Database{
		db:          db,
		dialect:     dialect,
		Transformer: referencing.OrbTransformer{},
		products:    cache,
	}
	d.tiles = pyramid.NewStore(&tileTable{db: d}, pyramid.DefaultCodecs())
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Dialect() Dialect { return d.dialect }

// DB exposes the underlying pool.
func (d *Database) DB() *sql.DB { return d.db }

// Tiles is the pyramid store backed by the catalog tables.
func (d *Database) Tiles() *pyramid.Store { return d.tiles }

// EnableTileCache serves tile reads through cache. It must be called
// before the database is shared between goroutines.
func (d *Database) EnableTileCache(cache pyramid.TileCache) {
	d.cache = pyramid.NewCachedBackend(&tileTable{db: d}, cache)
	d.cache.Logger = d.Logger
	d.tiles.Backend = d.cache
}

func (d *Database) logf(format string, args ...interface{}) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rebind rewrites ? placeholders into the $n form postgres expects.
func (d *Database) rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Database) exec(ctx context.Context, q queryer, query string, args ...interface{}) (sql.Result, error) {
	d.queries.Add(1)
	return q.ExecContext(ctx, d.rebind(query), args...)
}

func (d *Database) query(ctx context.Context, q queryer, query string, args ...interface{}) (*sql.Rows, error) {
	d.queries.Add(1)
	return q.QueryContext(ctx, d.rebind(query), args...)
}

func (d *Database) queryRow(ctx context.Context, q queryer, query string, args ...interface{}) *sql.Row {
	d.queries.Add(1)
	return q.QueryRowContext(ctx, d.rebind(query), args...)
}

// transaction runs fn in a transaction, committing when fn succeeds and
// rolling back otherwise.
func (d *Database) transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			d.logf("rollback: %v", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// nullFloat stores NaN as NULL.
func nullFloat(v float64) sql.NullFloat64 {
	if v != v {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: len(s) > 0}
}
