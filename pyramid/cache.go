package pyramid

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/nci/gomemcache/memcache"
)

// ErrCacheMiss is returned by TileCache implementations for unknown keys.
var ErrCacheMiss = errors.New("tile cache miss")

// TileCache is a byte cache keyed by short ASCII keys.
type TileCache interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// DefaultTileExpiration bounds in seconds how long a cached tile lives.
const DefaultTileExpiration = 3600

// MemcacheTiles adapts a memcache client to TileCache.
type MemcacheTiles struct {
	Client *memcache.Client
	// Expiration in seconds, 0 keeps items until evicted.
	Expiration int32
}

func NewMemcacheTiles(servers ...string) *MemcacheTiles {
	// lazy connection; errors are returned by Get
	return &MemcacheTiles{Client: memcache.New(servers...), Expiration: DefaultTileExpiration}
}

func (m *MemcacheTiles) Get(key string) ([]byte, error) {
	it, err := m.Client.Get(key)
	if err == memcache.ErrCacheMiss {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return it.Value, nil
}

func (m *MemcacheTiles) Set(key string, value []byte) error {
	return m.Client.Set(&memcache.Item{Key: key, Value: value, Expiration: m.Expiration})
}

func (m *MemcacheTiles) Delete(key string) error {
	err := m.Client.Delete(key)
	if err == memcache.ErrCacheMiss {
		return nil
	}
	return err
}

// cachedTile is valid only while the version entry of its slot still
// holds Version. Every mutation of the slot stores a fresh version.
type cachedTile struct {
	Absent  bool   `cbor:"1,keyasint,omitempty"`
	Data    []byte `cbor:"2,keyasint,omitempty"`
	Version string `cbor:"3,keyasint,omitempty"`
}

var cacheEncMode cbor.EncMode

func init() {
	var err error
	cacheEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("pyramid: cbor encoder initialization failed: " + err.Error())
	}
}

// CachedBackend serves tile reads from a TileCache, falling back to the
// wrapped backend on a miss. Every mutation going through it invalidates
// the affected entries. Cache failures never fail a request.
type CachedBackend struct {
	Backend
	Cache  TileCache
	Logger *log.Logger
}

func NewCachedBackend(b Backend, cache TileCache) *CachedBackend {
	return &CachedBackend{Backend: b, Cache: cache}
}

func slotHash(k TileKey) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d\x00%d", k.Product, k.Pyramid, k.Mosaic, k.Col, k.Row)))
	return hex.EncodeToString(sum[:])
}

func cacheKey(k TileKey) string   { return "tile:" + slotHash(k) }
func versionKey(k TileKey) string { return "tilever:" + slotHash(k) }

func (c *CachedBackend) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// ReadTile serves key from the cache when its entry matches the current
// version of the slot. On a miss the version is read, or created, before
// the backend is, so a fill racing with a mutation is tagged with a
// version the mutation has already replaced and is never served.
func (c *CachedBackend) ReadTile(ctx context.Context, key TileKey) ([]byte, error) {
	ck, vk := cacheKey(key), versionKey(key)
	version, err := c.Cache.Get(vk)
	switch {
	case err == nil:
		if raw, err := c.Cache.Get(ck); err == nil {
			var ct cachedTile
			if err := cbor.Unmarshal(raw, &ct); err != nil {
				c.logf("tile cache: dropping undecodable entry %s", ck)
			} else if ct.Version == string(version) {
				if ct.Absent {
					return nil, nil
				}
				return ct.Data, nil
			}
		} else if err != ErrCacheMiss {
			c.logf("tile cache: get %s: %v", ck, err)
		}
	case err == ErrCacheMiss:
		version = []byte(uuid.NewString())
		if err := c.Cache.Set(vk, version); err != nil {
			c.logf("tile cache: set %s: %v", vk, err)
			version = nil
		}
	default:
		c.logf("tile cache: get %s: %v", vk, err)
		version = nil
	}

	data, err := c.Backend.ReadTile(ctx, key)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return data, nil
	}
	raw, err := cacheEncMode.Marshal(cachedTile{Absent: data == nil, Data: data, Version: string(version)})
	if err == nil {
		// don't care about errors; memcache may not necessarily retain this anyway
		c.Cache.Set(ck, raw)
	}
	return data, nil
}

// Invalidate retires the cached entries of keys. It must run after the
// backend mutation of the keys completed.
func (c *CachedBackend) Invalidate(keys []TileKey) {
	for _, k := range keys {
		if err := c.Cache.Set(versionKey(k), []byte(uuid.NewString())); err != nil {
			c.logf("tile cache: set version: %v", err)
		}
		if err := c.Cache.Delete(cacheKey(k)); err != nil {
			c.logf("tile cache: delete: %v", err)
		}
	}
}

func (c *CachedBackend) WriteTiles(ctx context.Context, tiles []TilePayload) error {
	err := c.Backend.WriteTiles(ctx, tiles)
	keys := make([]TileKey, len(tiles))
	for i, t := range tiles {
		keys[i] = t.TileKey
	}
	c.Invalidate(keys)
	return err
}

func (c *CachedBackend) DeleteTile(ctx context.Context, key TileKey) error {
	err := c.Backend.DeleteTile(ctx, key)
	c.Invalidate([]TileKey{key})
	return err
}

func (c *CachedBackend) DeleteMosaic(ctx context.Context, product, pyramid, mosaic string) error {
	keys, err := c.Backend.TileKeys(ctx, product, pyramid, mosaic)
	if err != nil {
		return err
	}
	if err := c.Backend.DeleteMosaic(ctx, product, pyramid, mosaic); err != nil {
		return err
	}
	c.Invalidate(keys)
	return nil
}

func (c *CachedBackend) DeletePyramid(ctx context.Context, product, pyramid string) error {
	mosaics, err := c.Backend.ListMosaics(ctx, product, pyramid)
	if err != nil {
		return err
	}
	var keys []TileKey
	for _, m := range mosaics {
		k, err := c.Backend.TileKeys(ctx, product, pyramid, m.ID)
		if err != nil {
			return err
		}
		keys = append(keys, k...)
	}
	if err := c.Backend.DeletePyramid(ctx, product, pyramid); err != nil {
		return err
	}
	c.Invalidate(keys)
	return nil
}
