// Package pyramid implements multi-resolution tile pyramids: a pyramid
// groups the mosaics of one product in one CRS, a mosaic is a regular
// grid of tiles at one resolution, and tiles are encoded images stored
// through a Backend.
package pyramid

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/utils"
)

// Store gives access to the pyramids of every product kept in a backend.
type Store struct {
	Backend Backend
	Codecs  *CodecRegistry
	// Logger receives verbose messages when not nil.
	Logger *log.Logger

	mu sync.Mutex
	// removal count per product, pyramid and mosaic path
	epochs map[string]uint64
}

func NewStore(backend Backend, codecs *CodecRegistry) *Store {
	if codecs == nil {
		codecs = DefaultCodecs()
	}
	return &Store{Backend: backend, Codecs: codecs}
}

func (s *Store) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func (s *Store) epoch(path ...string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[strings.Join(path, "\x00")]
}

func (s *Store) retire(path ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs == nil {
		s.epochs = make(map[string]uint64)
	}
	s.epochs[strings.Join(path, "\x00")]++
}

// RetireProduct makes every pyramid and mosaic handle opened on product
// so far return an EntityRemovedError. The caller removes the data.
func (s *Store) RetireProduct(product string) {
	s.retire(product)
}

// ProductEpoch counts the calls to RetireProduct for product.
func (s *Store) ProductEpoch(product string) uint64 {
	return s.epoch(product)
}

func (s *Store) newPyramid(product string, d PyramidDescriptor, crs referencing.CRS, codec Codec) *Pyramid {
	return &Pyramid{
		ID:           d.ID,
		CRS:          crs,
		Format:       d.Format,
		product:      product,
		store:        s,
		codec:        codec,
		productEpoch: s.epoch(product),
		epoch:        s.epoch(product, d.ID),
	}
}

// Pyramids fetches every pyramid of product together with its mosaics.
func (s *Store) Pyramids(ctx context.Context, product string) ([]*Pyramid, error) {
	descs, err := s.Backend.ListPyramids(ctx, product)
	if err != nil {
		return nil, utils.AsStorageError(err, "list pyramids", product, "", 0)
	}
	out := make([]*Pyramid, 0, len(descs))
	for _, d := range descs {
		p, err := s.open(ctx, product, d)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Pyramid fetches one pyramid, returning nil when it does not exist.
func (s *Store) Pyramid(ctx context.Context, product, id string) (*Pyramid, error) {
	descs, err := s.Backend.ListPyramids(ctx, product)
	if err != nil {
		return nil, utils.AsStorageError(err, "list pyramids", product, "", 0)
	}
	for _, d := range descs {
		if d.ID == id {
			return s.open(ctx, product, d)
		}
	}
	return nil, nil
}

// CreatePyramid registers an empty pyramid for crs whose tiles are
// encoded in format.
func (s *Store) CreatePyramid(ctx context.Context, product string, crs referencing.CRS, format string) (*Pyramid, error) {
	if crs.IsZero() {
		return nil, utils.NewValidationError("pyramid of %q needs a CRS", product)
	}
	codec, err := s.Codecs.Lookup(format)
	if err != nil {
		return nil, err
	}
	d := PyramidDescriptor{ID: referencing.PyramidID(crs), CRS: crs.Identifier, Format: format}

	existing, err := s.Pyramid(ctx, product, d.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, utils.NewValidationError("product %q already has a pyramid in %s", product, crs)
	}
	if err := s.Backend.CreatePyramid(ctx, product, d); err != nil {
		return nil, utils.AsStorageError(err, "create pyramid", product, format, 0)
	}
	s.logf("created pyramid %s of %s", d.ID, product)
	return s.newPyramid(product, d, crs, codec), nil
}

// DeletePyramid removes a pyramid with all its mosaics and tiles.
func (s *Store) DeletePyramid(ctx context.Context, product, id string) error {
	if err := s.Backend.DeletePyramid(ctx, product, id); err != nil {
		return utils.AsStorageError(err, "delete pyramid", product, "", 0)
	}
	s.retire(product, id)
	s.logf("deleted pyramid %s of %s", id, product)
	return nil
}

func (s *Store) open(ctx context.Context, product string, d PyramidDescriptor) (*Pyramid, error) {
	crs, err := referencing.ParseCRS(d.CRS)
	if err != nil {
		return nil, utils.NewCorruptionError("pyramid %s of %q: %v", d.ID, product, err)
	}
	codec, err := s.Codecs.Lookup(d.Format)
	if err != nil {
		return nil, utils.NewCorruptionError("pyramid %s of %q: %v", d.ID, product, err)
	}
	p := s.newPyramid(product, d, crs, codec)

	mds, err := s.Backend.ListMosaics(ctx, product, d.ID)
	if err != nil {
		return nil, utils.AsStorageError(err, "list mosaics", product, d.Format, 0)
	}
	for _, md := range mds {
		p.mosaics = append(p.mosaics, newMosaic(p, md))
	}
	return p, nil
}

// Pyramid is a snapshot of a pyramid taken when it was fetched. Mosaics
// created or deleted through this handle are reflected by it; changes
// made through other handles are not, except removals: once its product,
// itself or one of its mosaics is removed through the same Store the
// affected handles return an EntityRemovedError.
type Pyramid struct {
	ID     string
	CRS    referencing.CRS
	Format string

	product      string
	store        *Store
	codec        Codec
	productEpoch uint64
	epoch        uint64

	mu      sync.Mutex
	mosaics []*Mosaic
	deleted bool
}

func (p *Pyramid) Product() string { return p.product }

func (p *Pyramid) ensureValid() error {
	if p.store.epoch(p.product) != p.productEpoch {
		return &utils.EntityRemovedError{Kind: "product", Name: p.product}
	}
	p.mu.Lock()
	deleted := p.deleted
	p.mu.Unlock()
	if deleted || p.store.epoch(p.product, p.ID) != p.epoch {
		return &utils.EntityRemovedError{Kind: "pyramid", Name: p.ID}
	}
	return nil
}

// Mosaics returns the mosaics in backend order.
func (p *Pyramid) Mosaics() []*Mosaic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Mosaic(nil), p.mosaics...)
}

func (p *Pyramid) Mosaic(id string) *Mosaic {
	for _, m := range p.Mosaics() {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Envelope is the union of the mosaic envelopes.
func (p *Pyramid) Envelope() (referencing.Envelope, bool) {
	mosaics := p.Mosaics()
	if len(mosaics) == 0 {
		return referencing.Envelope{}, false
	}
	env := mosaics[0].Envelope()
	for _, m := range mosaics[1:] {
		env.Bound = env.Bound.Union(m.Envelope().Bound)
	}
	return env, true
}

// MosaicSpec describes a new mosaic. UpperLeft is the world position of
// the corner of the first tile, Scale the world size of a pixel on each
// axis, GridSize the number of tiles and TileSize the number of pixels of
// each tile.
type MosaicSpec struct {
	UpperLeft [2]float64
	Scale     [2]float64
	GridSize  [2]int
	TileSize  [2]int
}

func (s MosaicSpec) validate() error {
	for i, v := range s.Scale {
		if !(v > 0) || math.IsInf(v, 0) {
			return utils.NewValidationError("scale on axis %d must be positive, got %g", i, v)
		}
	}
	for i, v := range s.UpperLeft {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return utils.NewValidationError("upper left ordinate %d is not finite", i)
		}
	}
	if s.GridSize[0] <= 0 || s.GridSize[1] <= 0 {
		return utils.NewValidationError("grid size must be positive, got %dx%d", s.GridSize[0], s.GridSize[1])
	}
	if s.TileSize[0] <= 0 || s.TileSize[1] <= 0 {
		return utils.NewValidationError("tile size must be positive, got %dx%d", s.TileSize[0], s.TileSize[1])
	}
	return nil
}

// CreateMosaic adds an empty mosaic to the pyramid.
func (p *Pyramid) CreateMosaic(ctx context.Context, spec MosaicSpec) (*Mosaic, error) {
	if err := p.ensureValid(); err != nil {
		return nil, err
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	md := MosaicDescriptor{
		ID:        uuid.NewString(),
		UpperLeft: spec.UpperLeft,
		Scale:     spec.Scale,
		GridSize:  imagePoint(spec.GridSize),
		TileSize:  imagePoint(spec.TileSize),
	}
	if err := p.store.Backend.CreateMosaic(ctx, p.product, p.ID, md); err != nil {
		return nil, utils.AsStorageError(err, "create mosaic", p.product, p.Format, 0)
	}
	m := newMosaic(p, md)

	p.mu.Lock()
	p.mosaics = append(p.mosaics, m)
	p.mu.Unlock()
	p.store.logf("created mosaic %s in pyramid %s of %s", md.ID, p.ID, p.product)
	return m, nil
}

// DeleteMosaic removes a mosaic and its tiles.
func (p *Pyramid) DeleteMosaic(ctx context.Context, id string) error {
	if err := p.ensureValid(); err != nil {
		return err
	}
	if err := p.store.Backend.DeleteMosaic(ctx, p.product, p.ID, id); err != nil {
		return utils.AsStorageError(err, "delete mosaic", p.product, p.Format, 0)
	}
	p.store.retire(p.product, p.ID, id)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.mosaics {
		if m.ID == id {
			m.deleted.Store(true)
			p.mosaics = append(p.mosaics[:i:i], p.mosaics[i+1:]...)
			break
		}
	}
	p.store.logf("deleted mosaic %s from pyramid %s of %s", id, p.ID, p.product)
	return nil
}

// Delete removes the pyramid from its store. The handle and its mosaics
// are unusable afterwards.
func (p *Pyramid) Delete(ctx context.Context) error {
	if err := p.ensureValid(); err != nil {
		return err
	}
	if err := p.store.DeletePyramid(ctx, p.product, p.ID); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = true
	for _, m := range p.mosaics {
		m.deleted.Store(true)
	}
	return nil
}

func (p *Pyramid) String() string {
	return fmt.Sprintf("pyramid %s (%s, %s) of %s", p.ID, p.CRS, p.Format, p.product)
}
