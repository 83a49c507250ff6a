package pyramid

import (
	"context"
	"image"

	"github.com/paulmach/orb"
)

// PyramidDescriptor is the persisted form of a pyramid.
type PyramidDescriptor struct {
	ID     string
	CRS    string
	Format string
}

// MosaicDescriptor is the persisted form of a mosaic.
type MosaicDescriptor struct {
	ID        string
	UpperLeft orb.Point
	Scale     [2]float64
	// GridSize counts tiles, TileSize pixels.
	GridSize image.Point
	TileSize image.Point
}

// TileKey addresses one tile slot.
type TileKey struct {
	Product string
	Pyramid string
	Mosaic  string
	Col     int
	Row     int
}

// TilePayload is an encoded tile ready to be stored.
type TilePayload struct {
	TileKey
	Data []byte
}

// Backend persists pyramid structure and tile payloads, scoped by
// product name. Implementations must make WriteTiles atomic: either all
// payloads of a call are stored or none is.
type Backend interface {
	ListPyramids(ctx context.Context, product string) ([]PyramidDescriptor, error)
	CreatePyramid(ctx context.Context, product string, d PyramidDescriptor) error
	// DeletePyramid removes the pyramid with its mosaics and tiles.
	DeletePyramid(ctx context.Context, product, pyramid string) error

	ListMosaics(ctx context.Context, product, pyramid string) ([]MosaicDescriptor, error)
	CreateMosaic(ctx context.Context, product, pyramid string, m MosaicDescriptor) error
	// DeleteMosaic removes the mosaic with its tiles.
	DeleteMosaic(ctx context.Context, product, pyramid, mosaic string) error

	// ReadTile returns nil without error when the slot is empty.
	ReadTile(ctx context.Context, key TileKey) ([]byte, error)
	WriteTiles(ctx context.Context, tiles []TilePayload) error
	// DeleteTile is a no-op on an empty slot.
	DeleteTile(ctx context.Context, key TileKey) error
	// TileKeys lists the occupied slots of a mosaic.
	TileKeys(ctx context.Context, product, pyramid, mosaic string) ([]TileKey, error)
}
