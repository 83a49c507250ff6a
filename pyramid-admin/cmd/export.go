package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nci/pyramid/catalog"
	"github.com/nci/pyramid/pyramid"
)

const defaultExportBatch = 64

func newExportCmd(a *app) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "export PRODUCT DIR",
		Short: "Copy the pyramids of a product into a file store",
		Long: `Copy the pyramids of a product, with their mosaics and tiles, into a file
store rooted at DIR. Tiles keep their encoded form. The target must not
already hold a pyramid of the product in the same CRS.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if batch <= 0 {
				return fmt.Errorf("--batch must be positive")
			}
			codecs := pyramid.DefaultCodecs()
			fs, err := pyramid.NewFileStore(args[1], codecs)
			if err != nil {
				return err
			}
			dst := pyramid.NewStore(fs, codecs)
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				p, err := lookupProduct(ctx, db, args[0])
				if err != nil {
					return err
				}
				models, err := p.Models(ctx)
				if err != nil {
					return err
				}
				total := 0
				for _, src := range models {
					n, err := exportPyramid(ctx, dst, src, batch)
					total += n
					if err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d pyramids and %d tiles of %s\n", len(models), total, p.Name)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", defaultExportBatch, "tiles written per transaction")
	return cmd
}

func exportPyramid(ctx context.Context, dst *pyramid.Store, src *pyramid.Pyramid, batch int) (int, error) {
	out, err := dst.CreatePyramid(ctx, src.Product(), src.CRS, src.Format)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, sm := range src.Mosaics() {
		dm, err := out.CreateMosaic(ctx, pyramid.MosaicSpec{
			UpperLeft: [2]float64(sm.UpperLeft),
			Scale:     sm.Scale,
			GridSize:  [2]int{sm.GridSize.X, sm.GridSize.Y},
			TileSize:  [2]int{sm.TileSize.X, sm.TileSize.Y},
		})
		if err != nil {
			return written, err
		}
		positions, err := sm.Occupied(ctx)
		if err != nil {
			return written, err
		}
		for start := 0; start < len(positions); start += batch {
			end := min(start+batch, len(positions))
			tiles := make([]pyramid.Tile, 0, end-start)
			for _, pos := range positions[start:end] {
				t, err := sm.GetTile(ctx, pos.X, pos.Y)
				if err != nil {
					return written, err
				}
				if t.Empty() {
					continue
				}
				tiles = append(tiles, pyramid.Tile{Col: t.Col, Row: t.Row, Payload: t.Payload})
			}
			if err := dm.WriteTiles(ctx, tiles).Err(); err != nil {
				return written, err
			}
			written += len(tiles)
		}
	}
	return written, nil
}
