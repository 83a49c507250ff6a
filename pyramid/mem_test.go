package pyramid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// memBackend is an in-memory Backend used by the tests of this package.
type memBackend struct {
	mu       sync.Mutex
	pyramids map[string][]PyramidDescriptor
	mosaics  map[string][]MosaicDescriptor
	tiles    map[TileKey][]byte

	reads     int
	failWrite error
}

func newMemBackend() *memBackend {
	return &memBackend{
		pyramids: make(map[string][]PyramidDescriptor),
		mosaics:  make(map[string][]MosaicDescriptor),
		tiles:    make(map[TileKey][]byte),
	}
}

func pyramidKey(product, pyramid string) string { return product + "/" + pyramid }

func (b *memBackend) ListPyramids(ctx context.Context, product string) ([]PyramidDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PyramidDescriptor(nil), b.pyramids[product]...), nil
}

func (b *memBackend) CreatePyramid(ctx context.Context, product string, d PyramidDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pyramids[product] = append(b.pyramids[product], d)
	return nil
}

func (b *memBackend) DeletePyramid(ctx context.Context, product, pyramid string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var kept []PyramidDescriptor
	for _, d := range b.pyramids[product] {
		if d.ID != pyramid {
			kept = append(kept, d)
		}
	}
	b.pyramids[product] = kept
	delete(b.mosaics, pyramidKey(product, pyramid))
	for k := range b.tiles {
		if k.Product == product && k.Pyramid == pyramid {
			delete(b.tiles, k)
		}
	}
	return nil
}

func (b *memBackend) ListMosaics(ctx context.Context, product, pyramid string) ([]MosaicDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MosaicDescriptor(nil), b.mosaics[pyramidKey(product, pyramid)]...), nil
}

func (b *memBackend) CreateMosaic(ctx context.Context, product, pyramid string, m MosaicDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := pyramidKey(product, pyramid)
	b.mosaics[k] = append(b.mosaics[k], m)
	return nil
}

func (b *memBackend) DeleteMosaic(ctx context.Context, product, pyramid, mosaic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := pyramidKey(product, pyramid)
	var kept []MosaicDescriptor
	for _, m := range b.mosaics[k] {
		if m.ID != mosaic {
			kept = append(kept, m)
		}
	}
	b.mosaics[k] = kept
	for tk := range b.tiles {
		if tk.Product == product && tk.Pyramid == pyramid && tk.Mosaic == mosaic {
			delete(b.tiles, tk)
		}
	}
	return nil
}

func (b *memBackend) ReadTile(ctx context.Context, key TileKey) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	return b.tiles[key], nil
}

func (b *memBackend) WriteTiles(ctx context.Context, tiles []TilePayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWrite != nil {
		return b.failWrite
	}
	for _, t := range tiles {
		b.tiles[t.TileKey] = t.Data
	}
	return nil
}

func (b *memBackend) DeleteTile(ctx context.Context, key TileKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tiles, key)
	return nil
}

func (b *memBackend) TileKeys(ctx context.Context, product, pyramid, mosaic string) ([]TileKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []TileKey
	for k := range b.tiles {
		if k.Product == product && k.Pyramid == pyramid && k.Mosaic == mosaic {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Col < out[j].Col
	})
	return out, nil
}

// mapCache is a TileCache counting its hits.
type mapCache struct {
	mu    sync.Mutex
	items map[string][]byte
	hits  int
}

func newMapCache() *mapCache { return &mapCache{items: make(map[string][]byte)} }

func (c *mapCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	c.hits++
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

var errDiskFull = errors.New("disk full")

func tileName(col, row int) string { return fmt.Sprintf("(%d,%d)", col, row) }
