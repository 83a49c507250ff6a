package pyramid

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/utils"
)

// slot locks are striped so that writers of disjoint tiles rarely share a
// mutex while writers of the same tile always do
const slotStripes = 64

// Mosaic is one resolution level of a pyramid.
type Mosaic struct {
	MosaicDescriptor

	pyramid *Pyramid
	epoch   uint64
	slots   [slotStripes]sync.Mutex
	deleted atomic.Bool
}

func newMosaic(p *Pyramid, md MosaicDescriptor) *Mosaic {
	return &Mosaic{MosaicDescriptor: md, pyramid: p, epoch: p.store.epoch(p.product, p.ID, md.ID)}
}

func imagePoint(v [2]int) image.Point {
	return image.Point{X: v[0], Y: v[1]}
}

func (m *Mosaic) Pyramid() *Pyramid { return m.pyramid }

func (m *Mosaic) ensureValid() error {
	if err := m.pyramid.ensureValid(); err != nil {
		return err
	}
	if m.deleted.Load() || m.pyramid.store.epoch(m.pyramid.product, m.pyramid.ID, m.ID) != m.epoch {
		return &utils.EntityRemovedError{Kind: "mosaic", Name: m.ID}
	}
	return nil
}

// Resolution is the coarsest of the two pixel scales.
func (m *Mosaic) Resolution() float64 {
	return math.Max(m.Scale[0], m.Scale[1])
}

// PixelSize is the size of the whole mosaic in pixels.
func (m *Mosaic) PixelSize() image.Point {
	return image.Point{X: m.GridSize.X * m.TileSize.X, Y: m.GridSize.Y * m.TileSize.Y}
}

// Envelope is computed from the stored origin, grid and scale: only tile
// indices are ever rounded.
func (m *Mosaic) Envelope() referencing.Envelope {
	px := m.PixelSize()
	w := float64(px.X) * m.Scale[0]
	h := float64(px.Y) * m.Scale[1]
	return referencing.NewEnvelope(m.pyramid.CRS, m.UpperLeft[0], m.UpperLeft[1]-h, m.UpperLeft[0]+w, m.UpperLeft[1])
}

// TileEnvelope is the world extent of the tile at (col,row).
func (m *Mosaic) TileEnvelope(col, row int) referencing.Envelope {
	tw := float64(m.TileSize.X) * m.Scale[0]
	th := float64(m.TileSize.Y) * m.Scale[1]
	minX := m.UpperLeft[0] + float64(col)*tw
	maxY := m.UpperLeft[1] - float64(row)*th
	return referencing.NewEnvelope(m.pyramid.CRS, minX, maxY-th, minX+tw, maxY)
}

// TileAt returns the indices of the tile containing the world position
// (x,y). The result may lie outside of the grid.
func (m *Mosaic) TileAt(x, y float64) (int, int) {
	col := math.Floor((x - m.UpperLeft[0]) / (float64(m.TileSize.X) * m.Scale[0]))
	row := math.Floor((m.UpperLeft[1] - y) / (float64(m.TileSize.Y) * m.Scale[1]))
	return int(col), int(row)
}

func (m *Mosaic) InBounds(col, row int) bool {
	return col >= 0 && row >= 0 && col < m.GridSize.X && row < m.GridSize.Y
}

func (m *Mosaic) checkBounds(col, row int) error {
	if !m.InBounds(col, row) {
		return utils.NewValidationError("tile (%d,%d) outside of the %dx%d grid of mosaic %s", col, row, m.GridSize.X, m.GridSize.Y, m.ID)
	}
	return nil
}

func (m *Mosaic) key(col, row int) TileKey {
	return TileKey{Product: m.pyramid.product, Pyramid: m.pyramid.ID, Mosaic: m.ID, Col: col, Row: row}
}

func stripe(col, row int) int {
	h := (col*73856093 ^ row*19349663) % slotStripes
	if h < 0 {
		h += slotStripes
	}
	return h
}

// lockSlots acquires the stripes of every position in ascending order and
// returns the matching unlock function.
func (m *Mosaic) lockSlots(positions []image.Point) func() {
	seen := make(map[int]struct{}, len(positions))
	var stripes []int
	for _, p := range positions {
		s := stripe(p.X, p.Y)
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			stripes = append(stripes, s)
		}
	}
	sort.Ints(stripes)
	for _, s := range stripes {
		m.slots[s].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			m.slots[stripes[i]].Unlock()
		}
	}
}

// Tile is the content of one slot. A nil Image and Payload mean the slot
// is empty.
type Tile struct {
	Col     int
	Row     int
	Image   image.Image
	Payload []byte
}

func (t Tile) Empty() bool {
	return t.Image == nil && t.Payload == nil
}

// GetTile reads the tile at (col,row). An empty slot is not an error.
func (m *Mosaic) GetTile(ctx context.Context, col, row int) (Tile, error) {
	t := Tile{Col: col, Row: row}
	if err := m.ensureValid(); err != nil {
		return t, err
	}
	if err := m.checkBounds(col, row); err != nil {
		return t, err
	}
	data, err := m.pyramid.store.Backend.ReadTile(ctx, m.key(col, row))
	if err != nil {
		return t, utils.AsStorageError(err, fmt.Sprintf("read tile (%d,%d)", col, row), m.pyramid.product, m.pyramid.Format, 0)
	}
	img, err := DecodeTile(m.pyramid.codec, data)
	if err != nil {
		return t, utils.NewCorruptionError("tile (%d,%d) of mosaic %s: %v", col, row, m.ID, err)
	}
	t.Image, t.Payload = img, data
	return t, nil
}

// TileResult reports the outcome of one tile of a batch.
type TileResult struct {
	Col int
	Row int
	Err error
}

// BatchResult holds one result per written tile, in input order.
type BatchResult struct {
	Results []TileResult
}

func (b BatchResult) Failed() []TileResult {
	var out []TileResult
	for _, r := range b.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Err joins the failures of the batch, nil when every tile was written.
func (b BatchResult) Err() error {
	var errs []error
	for _, r := range b.Failed() {
		errs = append(errs, fmt.Errorf("tile (%d,%d): %w", r.Col, r.Row, r.Err))
	}
	return errors.Join(errs...)
}

// WriteTiles stores tiles, overwriting any previous content of their
// slots. Tiles are checked and encoded concurrently, then every valid
// tile is written in a single backend transaction. A tile failing its
// checks fails alone; a failing transaction fails every tile it carried.
func (m *Mosaic) WriteTiles(ctx context.Context, tiles []Tile) BatchResult {
	res := BatchResult{Results: make([]TileResult, len(tiles))}
	for i, t := range tiles {
		res.Results[i] = TileResult{Col: t.Col, Row: t.Row}
	}
	if err := m.ensureValid(); err != nil {
		for i := range res.Results {
			res.Results[i].Err = err
		}
		return res
	}

	payloads := make([][]byte, len(tiles))
	p := pool.New().WithMaxGoroutines(runtime.GOMAXPROCS(0))
	for i, t := range tiles {
		i, t := i, t
		p.Go(func() {
			payloads[i], res.Results[i].Err = m.encode(t)
		})
	}
	p.Wait()

	var (
		batch     []TilePayload
		indices   []int
		positions []image.Point
	)
	for i, t := range tiles {
		if res.Results[i].Err != nil {
			continue
		}
		batch = append(batch, TilePayload{TileKey: m.key(t.Col, t.Row), Data: payloads[i]})
		indices = append(indices, i)
		positions = append(positions, image.Point{X: t.Col, Y: t.Row})
	}
	if len(batch) == 0 {
		return res
	}

	unlock := m.lockSlots(positions)
	err := m.pyramid.store.Backend.WriteTiles(ctx, batch)
	unlock()
	if err != nil {
		err = utils.AsStorageError(err, "write tiles", m.pyramid.product, m.pyramid.Format, 0)
		for _, i := range indices {
			res.Results[i].Err = err
		}
	}
	return res
}

func (m *Mosaic) encode(t Tile) ([]byte, error) {
	if err := m.checkBounds(t.Col, t.Row); err != nil {
		return nil, err
	}
	codec := m.pyramid.codec
	if t.Image == nil {
		if t.Payload == nil {
			return nil, utils.NewValidationError("tile (%d,%d) has no content, delete it instead", t.Col, t.Row)
		}
		img, err := DecodeTile(codec, t.Payload)
		if err != nil {
			return nil, utils.NewValidationError("tile (%d,%d) is not a valid %s payload: %v", t.Col, t.Row, m.pyramid.Format, err)
		}
		if err := m.checkSize(t, img.Bounds()); err != nil {
			return nil, err
		}
		return t.Payload, nil
	}
	if err := m.checkSize(t, t.Image.Bounds()); err != nil {
		return nil, err
	}
	data, err := EncodeTile(codec, t.Image)
	if err != nil {
		return nil, utils.NewValidationError("tile (%d,%d): %v", t.Col, t.Row, err)
	}
	return data, nil
}

func (m *Mosaic) checkSize(t Tile, b image.Rectangle) error {
	if b.Dx() != m.TileSize.X || b.Dy() != m.TileSize.Y {
		return utils.NewValidationError("tile (%d,%d) is %dx%d pixels, mosaic %s expects %dx%d", t.Col, t.Row, b.Dx(), b.Dy(), m.ID, m.TileSize.X, m.TileSize.Y)
	}
	return nil
}

// DeleteTile empties the slot at (col,row). Emptying an empty slot is a
// no-op.
func (m *Mosaic) DeleteTile(ctx context.Context, col, row int) error {
	if err := m.ensureValid(); err != nil {
		return err
	}
	if err := m.checkBounds(col, row); err != nil {
		return err
	}
	unlock := m.lockSlots([]image.Point{{X: col, Y: row}})
	defer unlock()
	if err := m.pyramid.store.Backend.DeleteTile(ctx, m.key(col, row)); err != nil {
		return utils.AsStorageError(err, fmt.Sprintf("delete tile (%d,%d)", col, row), m.pyramid.product, m.pyramid.Format, 0)
	}
	return nil
}

// Occupied lists the positions holding a tile.
func (m *Mosaic) Occupied(ctx context.Context) ([]image.Point, error) {
	if err := m.ensureValid(); err != nil {
		return nil, err
	}
	keys, err := m.pyramid.store.Backend.TileKeys(ctx, m.pyramid.product, m.pyramid.ID, m.ID)
	if err != nil {
		return nil, utils.AsStorageError(err, "list tiles", m.pyramid.product, m.pyramid.Format, 0)
	}
	out := make([]image.Point, len(keys))
	for i, k := range keys {
		out[i] = image.Point{X: k.Col, Y: k.Row}
	}
	return out, nil
}
