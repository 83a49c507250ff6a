package pyramid

import (
	"context"
	"errors"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failRename makes the rename selected by fail return an error until the
// test ends.
func failRename(t *testing.T, fail func(n int, to string) bool) {
	n := 0
	rename = func(from, to string) error {
		n++
		if fail(n, to) {
			return errors.New("rename refused")
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { rename = os.Rename })
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	require.NoError(t, filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return err
	}))
	return n
}

func TestFileStoreBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	_, p := newTestPyramid(t, store, MimePNG)
	m, err := p.CreateMosaic(ctx, versLayer)
	require.NoError(t, err)
	require.NoError(t, m.WriteTiles(ctx, []Tile{{Col: 0, Row: 0, Image: uniform(red, 20, 20)}}).Err())
	dir := store.mosaicDir("versLayer", p.ID, m.ID)
	require.Equal(t, 1, countFiles(t, dir))

	batch := []Tile{
		{Col: 0, Row: 0, Image: uniform(blue, 20, 20)},
		{Col: 0, Row: 1, Image: uniform(green, 20, 20)},
		{Col: 0, Row: 2, Image: uniform(yellow, 20, 20)},
	}
	unchanged := func() {
		t.Helper()
		tile, err := m.GetTile(ctx, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, red, colorOf(t, tile))
		occupied, err := m.Occupied(ctx)
		require.NoError(t, err)
		assert.Equal(t, []image.Point{{0, 0}}, occupied)
		assert.Equal(t, 1, countFiles(t, dir), "files of the failed batch are removed")
	}

	// the second tile file cannot be moved into place
	failRename(t, func(n int, to string) bool { return n == 2 })
	assert.Error(t, m.WriteTiles(ctx, batch).Err())
	unchanged()

	// every tile file is in place but the descriptor is not
	failRename(t, func(n int, to string) bool { return filepath.Base(to) == descriptorName })
	assert.Error(t, m.WriteTiles(ctx, batch).Err())
	unchanged()

	rename = os.Rename
	require.NoError(t, m.WriteTiles(ctx, batch).Err())
	tile, err := m.GetTile(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, blue, colorOf(t, tile))
	assert.Equal(t, 3, countFiles(t, dir), "the overwritten tile file is removed")
}

func TestFileStoreSeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	first, err := NewFileStore(root, nil)
	require.NoError(t, err)
	second, err := NewFileStore(root, nil)
	require.NoError(t, err)

	_, p := newTestPyramid(t, first, MimePNG)
	pyramids, err := second.ListPyramids(ctx, "versLayer")
	require.NoError(t, err)
	require.Len(t, pyramids, 1)

	sp, err := NewStore(second, nil).open(ctx, "versLayer", pyramids[0])
	require.NoError(t, err)
	om, err := sp.CreateMosaic(ctx, versLayer)
	require.NoError(t, err)
	require.NoError(t, om.WriteTiles(ctx, []Tile{{Col: 0, Row: 3, Image: uniform(pink, 20, 20)}}).Err())

	mosaics, err := first.ListMosaics(ctx, "versLayer", p.ID)
	require.NoError(t, err)
	require.Len(t, mosaics, 1)
	data, err := first.ReadTile(ctx, om.key(0, 3))
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
