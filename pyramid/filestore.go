package pyramid

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

const descriptorName = "pyramids.yaml"

// rename is replaced by tests to inject failures.
var rename = os.Rename

// FileStore keeps pyramids on disk: one YAML descriptor per product
// listing pyramids, mosaics and occupied tiles, and one file per tile
// under <root>/<product>/<pyramid>/<mosaic>/<row>/<col>.<version>.<ext>.
//
// The descriptor is the only source of truth. A tile file becomes visible
// when the descriptor naming it is renamed into place, so a batch of
// writes is committed by that single rename. Files the descriptor does
// not name are leftovers of failed batches and are never read.
type FileStore struct {
	Root   string
	codecs *CodecRegistry

	products sync.Map
}

// productState guards one product directory. Readers share mu, writers
// hold it exclusively only while committing the descriptor.
type productState struct {
	mu sync.RWMutex

	// parsed descriptor and the file attributes it was parsed from
	docMu   sync.Mutex
	doc     *descriptorDoc
	modTime time.Time
	size    int64
}

func NewFileStore(root string, codecs *CodecRegistry) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	if codecs == nil {
		codecs = DefaultCodecs()
	}
	return &FileStore{Root: root, codecs: codecs}, nil
}

type descriptorDoc struct {
	Pyramids []pyramidDoc `yaml:"pyramids"`
}

type pyramidDoc struct {
	ID      string      `yaml:"id"`
	CRS     string      `yaml:"crs"`
	Format  string      `yaml:"format"`
	Mosaics []mosaicDoc `yaml:"mosaics"`
}

type mosaicDoc struct {
	ID        string     `yaml:"id"`
	UpperLeft [2]float64 `yaml:"upper_left,flow"`
	Scale     [2]float64 `yaml:"scale,flow"`
	GridSize  [2]int     `yaml:"grid_size,flow"`
	TileSize  [2]int     `yaml:"tile_size,flow"`
	Tiles     []tileDoc  `yaml:"tiles"`

	// file of each occupied slot, relative to the mosaic directory
	slots map[[2]int]string
}

type tileDoc struct {
	Col  int    `yaml:"col"`
	Row  int    `yaml:"row"`
	File string `yaml:"file"`
}

func (d *descriptorDoc) pyramid(id string) (int, *pyramidDoc) {
	for i := range d.Pyramids {
		if d.Pyramids[i].ID == id {
			return i, &d.Pyramids[i]
		}
	}
	return -1, nil
}

func (p *pyramidDoc) mosaic(id string) (int, *mosaicDoc) {
	for i := range p.Mosaics {
		if p.Mosaics[i].ID == id {
			return i, &p.Mosaics[i]
		}
	}
	return -1, nil
}

func (m *mosaicDoc) index() {
	m.slots = make(map[[2]int]string, len(m.Tiles))
	for _, t := range m.Tiles {
		m.slots[[2]int{t.Col, t.Row}] = t.File
	}
}

// flatten rebuilds the tile list from the slots, ordered by row then
// column.
func (m *mosaicDoc) flatten() {
	m.Tiles = m.Tiles[:0]
	for pos, file := range m.slots {
		m.Tiles = append(m.Tiles, tileDoc{Col: pos[0], Row: pos[1], File: file})
	}
	sort.Slice(m.Tiles, func(i, j int) bool {
		if m.Tiles[i].Row != m.Tiles[j].Row {
			return m.Tiles[i].Row < m.Tiles[j].Row
		}
		return m.Tiles[i].Col < m.Tiles[j].Col
	})
}

func (s *FileStore) state(product string) *productState {
	st, _ := s.products.LoadOrStore(product, &productState{})
	return st.(*productState)
}

func (s *FileStore) productDir(product string) string {
	return filepath.Join(s.Root, url.QueryEscape(product))
}

func (s *FileStore) mosaicDir(product, pyramid, mosaic string) string {
	return filepath.Join(s.productDir(product), pyramid, mosaic)
}

func (s *FileStore) descriptorPath(product string) string {
	return filepath.Join(s.productDir(product), descriptorName)
}

// load returns the descriptor of product, parsing the file only when it
// changed since the last parse. The caller holds st.mu and must not keep
// the result past releasing it.
func (s *FileStore) load(product string, st *productState) (*descriptorDoc, error) {
	st.docMu.Lock()
	defer st.docMu.Unlock()
	path := s.descriptorPath(product)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		st.doc = nil
		return &descriptorDoc{}, nil
	}
	if err != nil {
		return nil, err
	}
	if st.doc != nil && info.ModTime().Equal(st.modTime) && info.Size() == st.size {
		return st.doc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := &descriptorDoc{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("pyramid descriptor of %q: %w", product, err)
	}
	for i := range doc.Pyramids {
		for j := range doc.Pyramids[i].Mosaics {
			doc.Pyramids[i].Mosaics[j].index()
		}
	}
	st.doc, st.modTime, st.size = doc, info.ModTime(), info.Size()
	return doc, nil
}

// save commits doc. On failure the cached descriptor is dropped so that
// the next load reads back what is on disk. The caller holds st.mu
// exclusively.
func (s *FileStore) save(product string, st *productState, doc *descriptorDoc) error {
	st.docMu.Lock()
	defer st.docMu.Unlock()
	st.doc = nil
	for i := range doc.Pyramids {
		for j := range doc.Pyramids[i].Mosaics {
			doc.Pyramids[i].Mosaics[j].flatten()
		}
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	path := s.descriptorPath(product)
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil {
		st.doc, st.modTime, st.size = doc, info.ModTime(), info.Size()
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := stage(path, data)
	if err != nil {
		return err
	}
	if err := rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// stage writes data next to path and returns the temporary file name.
func stage(path string, data []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// update applies change to the descriptor of product and commits it.
func (s *FileStore) update(product string, change func(*descriptorDoc) error) error {
	st := s.state(product)
	st.mu.Lock()
	defer st.mu.Unlock()
	doc, err := s.load(product, st)
	if err != nil {
		return err
	}
	if err := change(doc); err != nil {
		// change may have left doc half modified
		st.docMu.Lock()
		st.doc = nil
		st.docMu.Unlock()
		return err
	}
	return s.save(product, st, doc)
}

// view runs read with the descriptor of product under a shared lock.
func (s *FileStore) view(product string, read func(*descriptorDoc) error) error {
	st := s.state(product)
	st.mu.RLock()
	defer st.mu.RUnlock()
	doc, err := s.load(product, st)
	if err != nil {
		return err
	}
	return read(doc)
}

func (s *FileStore) ListPyramids(ctx context.Context, product string) ([]PyramidDescriptor, error) {
	var out []PyramidDescriptor
	err := s.view(product, func(doc *descriptorDoc) error {
		out = make([]PyramidDescriptor, 0, len(doc.Pyramids))
		for _, p := range doc.Pyramids {
			out = append(out, PyramidDescriptor{ID: p.ID, CRS: p.CRS, Format: p.Format})
		}
		return nil
	})
	return out, err
}

func (s *FileStore) CreatePyramid(ctx context.Context, product string, d PyramidDescriptor) error {
	return s.update(product, func(doc *descriptorDoc) error {
		if _, p := doc.pyramid(d.ID); p != nil {
			return fmt.Errorf("pyramid %s of %q already exists", d.ID, product)
		}
		doc.Pyramids = append(doc.Pyramids, pyramidDoc{ID: d.ID, CRS: d.CRS, Format: d.Format})
		return nil
	})
}

func (s *FileStore) DeletePyramid(ctx context.Context, product, pyramid string) error {
	found := false
	err := s.update(product, func(doc *descriptorDoc) error {
		i, p := doc.pyramid(pyramid)
		if found = p != nil; found {
			doc.Pyramids = append(doc.Pyramids[:i], doc.Pyramids[i+1:]...)
		}
		return nil
	})
	if err != nil || !found {
		return err
	}
	return os.RemoveAll(filepath.Join(s.productDir(product), pyramid))
}

func (s *FileStore) ListMosaics(ctx context.Context, product, pyramid string) ([]MosaicDescriptor, error) {
	var out []MosaicDescriptor
	err := s.view(product, func(doc *descriptorDoc) error {
		_, p := doc.pyramid(pyramid)
		if p == nil {
			return nil
		}
		out = make([]MosaicDescriptor, 0, len(p.Mosaics))
		for _, m := range p.Mosaics {
			out = append(out, MosaicDescriptor{
				ID:        m.ID,
				UpperLeft: m.UpperLeft,
				Scale:     m.Scale,
				GridSize:  imagePoint(m.GridSize),
				TileSize:  imagePoint(m.TileSize),
			})
		}
		return nil
	})
	return out, err
}

func (s *FileStore) CreateMosaic(ctx context.Context, product, pyramid string, m MosaicDescriptor) error {
	return s.update(product, func(doc *descriptorDoc) error {
		_, p := doc.pyramid(pyramid)
		if p == nil {
			return fmt.Errorf("pyramid %s of %q does not exist", pyramid, product)
		}
		p.Mosaics = append(p.Mosaics, mosaicDoc{
			ID:        m.ID,
			UpperLeft: m.UpperLeft,
			Scale:     m.Scale,
			GridSize:  [2]int{m.GridSize.X, m.GridSize.Y},
			TileSize:  [2]int{m.TileSize.X, m.TileSize.Y},
			slots:     make(map[[2]int]string),
		})
		return nil
	})
}

func (s *FileStore) DeleteMosaic(ctx context.Context, product, pyramid, mosaic string) error {
	found := false
	err := s.update(product, func(doc *descriptorDoc) error {
		_, p := doc.pyramid(pyramid)
		if p == nil {
			return nil
		}
		i, m := p.mosaic(mosaic)
		if found = m != nil; found {
			p.Mosaics = append(p.Mosaics[:i], p.Mosaics[i+1:]...)
		}
		return nil
	})
	if err != nil || !found {
		return err
	}
	return os.RemoveAll(s.mosaicDir(product, pyramid, mosaic))
}

func (s *FileStore) lookup(doc *descriptorDoc, key TileKey) (*pyramidDoc, *mosaicDoc, error) {
	_, p := doc.pyramid(key.Pyramid)
	if p == nil {
		return nil, nil, fmt.Errorf("pyramid %s of %q does not exist", key.Pyramid, key.Product)
	}
	_, m := p.mosaic(key.Mosaic)
	if m == nil {
		return nil, nil, fmt.Errorf("mosaic %s of pyramid %s does not exist", key.Mosaic, key.Pyramid)
	}
	return p, m, nil
}

func (s *FileStore) ReadTile(ctx context.Context, key TileKey) ([]byte, error) {
	var data []byte
	err := s.view(key.Product, func(doc *descriptorDoc) error {
		_, m, err := s.lookup(doc, key)
		if err != nil {
			return err
		}
		file, ok := m.slots[[2]int{key.Col, key.Row}]
		if !ok {
			return nil
		}
		data, err = os.ReadFile(filepath.Join(s.mosaicDir(key.Product, key.Pyramid, key.Mosaic), file))
		return err
	})
	return data, err
}

// WriteTiles writes every payload of a product to a file of its own, then
// commits the product descriptor naming them. Until that commit the
// previous tiles stay visible; when it fails the new files are removed.
func (s *FileStore) WriteTiles(ctx context.Context, tiles []TilePayload) error {
	byProduct := make(map[string][]TilePayload)
	for _, t := range tiles {
		byProduct[t.Product] = append(byProduct[t.Product], t)
	}
	for product, batch := range byProduct {
		if err := s.writeProductTiles(ctx, product, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) writeProductTiles(ctx context.Context, product string, tiles []TilePayload) error {
	files := make([]string, len(tiles))
	err := s.view(product, func(doc *descriptorDoc) error {
		for i, t := range tiles {
			p, _, err := s.lookup(doc, t.TileKey)
			if err != nil {
				return err
			}
			codec, err := s.codecs.Lookup(p.Format)
			if err != nil {
				return err
			}
			files[i] = filepath.Join(strconv.Itoa(t.Row), strconv.Itoa(t.Col)+"."+uuid.NewString()+"."+codec.Extension())
		}
		return nil
	})
	if err != nil {
		return err
	}

	var written []string
	cleanup := func() {
		for _, path := range written {
			os.Remove(path)
		}
	}
	for i, t := range tiles {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		path := filepath.Join(s.mosaicDir(product, t.Pyramid, t.Mosaic), files[i])
		if err := writeFileAtomic(path, t.Data); err != nil {
			cleanup()
			return err
		}
		written = append(written, path)
	}

	var superseded []string
	err = s.update(product, func(doc *descriptorDoc) error {
		for i, t := range tiles {
			// the mosaic may have been deleted since the files were named
			_, m, err := s.lookup(doc, t.TileKey)
			if err != nil {
				return err
			}
			pos := [2]int{t.Col, t.Row}
			if old, ok := m.slots[pos]; ok {
				superseded = append(superseded, filepath.Join(s.mosaicDir(product, t.Pyramid, t.Mosaic), old))
			}
			m.slots[pos] = files[i]
		}
		return nil
	})
	if err != nil {
		cleanup()
		return err
	}
	for _, path := range superseded {
		os.Remove(path)
	}
	return nil
}

func (s *FileStore) DeleteTile(ctx context.Context, key TileKey) error {
	var removed string
	err := s.update(key.Product, func(doc *descriptorDoc) error {
		_, m, err := s.lookup(doc, key)
		if err != nil {
			return err
		}
		pos := [2]int{key.Col, key.Row}
		removed = m.slots[pos]
		delete(m.slots, pos)
		return nil
	})
	if err != nil || len(removed) == 0 {
		return err
	}
	if err := os.Remove(filepath.Join(s.mosaicDir(key.Product, key.Pyramid, key.Mosaic), removed)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) TileKeys(ctx context.Context, product, pyramid, mosaic string) ([]TileKey, error) {
	var out []TileKey
	err := s.view(product, func(doc *descriptorDoc) error {
		_, p := doc.pyramid(pyramid)
		if p == nil {
			return nil
		}
		_, m := p.mosaic(mosaic)
		if m == nil {
			return nil
		}
		out = make([]TileKey, 0, len(m.slots))
		for pos := range m.slots {
			out = append(out, TileKey{Product: product, Pyramid: pyramid, Mosaic: mosaic, Col: pos[0], Row: pos[1]})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Col < out[j].Col
	})
	return out, err
}
