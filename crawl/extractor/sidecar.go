package extractor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/nci/pyramid/catalog"
	"github.com/nci/pyramid/pyramid"
	"github.com/nci/pyramid/referencing"
)

const SidecarName = "mosaic.yaml"

// ReadSidecar loads the mosaic.yaml of a crawl root.
func ReadSidecar(root string) (*Sidecar, error) {
	rawData, err := os.ReadFile(filepath.Join(root, SidecarName))
	if err != nil {
		return nil, err
	}
	sc := &Sidecar{}
	if err := yaml.UnmarshalStrict(rawData, sc); err != nil {
		return nil, fmt.Errorf("%s: %v", SidecarName, err)
	}
	if len(sc.CRS) == 0 {
		return nil, fmt.Errorf("%s: missing crs", SidecarName)
	}
	return sc, nil
}

func (sc *Sidecar) ParseCRS() (referencing.CRS, error) {
	return referencing.ParseCRS(sc.CRS)
}

func (sc *Sidecar) MosaicSpec() pyramid.MosaicSpec {
	return pyramid.MosaicSpec{
		UpperLeft: sc.UpperLeft,
		Scale:     sc.Scale,
		GridSize:  sc.GridSize,
		TileSize:  sc.TileSize,
	}
}

// Matches tells whether m is the mosaic described by sc.
func (sc *Sidecar) Matches(m *pyramid.Mosaic) bool {
	return [2]float64(m.UpperLeft) == sc.UpperLeft && m.Scale == sc.Scale &&
		m.GridSize.X == sc.GridSize[0] && m.GridSize.Y == sc.GridSize[1] &&
		m.TileSize.X == sc.TileSize[0] && m.TileSize.Y == sc.TileSize[1]
}

// TargetMosaic returns the mosaic of p described by sc, creating its
// pyramid and mosaic when missing. An empty sidecar format selects the
// product format.
func TargetMosaic(ctx context.Context, p *catalog.Product, sc *Sidecar) (*pyramid.Mosaic, error) {
	crs, err := sc.ParseCRS()
	if err != nil {
		return nil, err
	}
	models, err := p.Models(ctx)
	if err != nil {
		return nil, err
	}
	var model *pyramid.Pyramid
	for _, m := range models {
		if m.CRS.Equivalent(crs) {
			model = m
			break
		}
	}
	if model == nil {
		if model, err = p.CreateModel(ctx, crs, sc.Format); err != nil {
			return nil, err
		}
	} else if len(sc.Format) > 0 && sc.Format != model.Format {
		return nil, fmt.Errorf("pyramid %s of %s stores %s, %s declares %s", model.ID, p.Name, model.Format, SidecarName, sc.Format)
	}
	for _, m := range model.Mosaics() {
		if sc.Matches(m) {
			return m, nil
		}
	}
	return model.CreateMosaic(ctx, sc.MosaicSpec())
}
