package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nci/pyramid/catalog"
	"github.com/nci/pyramid/pyramid"
	"github.com/nci/pyramid/referencing"
)

func newPyramidCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pyramid",
		Short: "Create, list and remove the pyramids of a product",
	}
	cmd.AddCommand(newPyramidCreateCmd(a), newPyramidListCmd(a), newPyramidRemoveCmd(a))
	return cmd
}

func newPyramidCreateCmd(a *app) *cobra.Command {
	var crsID, format string
	cmd := &cobra.Command{
		Use:   "create PRODUCT",
		Short: "Create an empty pyramid for a CRS",
		Long:  "Create an empty pyramid for a CRS. Without --format the tiles use the driver of the product format.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			crs, err := referencing.ParseCRS(crsID)
			if err != nil {
				return err
			}
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				p, err := lookupProduct(ctx, db, args[0])
				if err != nil {
					return err
				}
				m, err := p.CreateModel(ctx, crs, format)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created pyramid %s (%s) of %s\n", m.ID, m.Format, p.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&crsID, "crs", "EPSG:4326", "CRS of the pyramid")
	cmd.Flags().StringVar(&format, "format", "", "MIME type of the tiles")
	return cmd
}

func newPyramidListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list PRODUCT",
		Short: "List the pyramids of a product with their mosaics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				p, err := lookupProduct(ctx, db, args[0])
				if err != nil {
					return err
				}
				models, err := p.Models(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PYRAMID\tMOSAIC\tCRS\tFORMAT\tSCALE\tGRID\tTILE")
				for _, m := range models {
					fmt.Fprintf(w, "%s\t\t%s\t%s\t\t\t\n", m.ID, m.CRS, m.Format)
					for _, mo := range m.Mosaics() {
						fmt.Fprintf(w, "%s\t%s\t\t\t%g,%g\t%dx%d\t%dx%d\n", m.ID, mo.ID,
							mo.Scale[0], mo.Scale[1], mo.GridSize.X, mo.GridSize.Y, mo.TileSize.X, mo.TileSize.Y)
					}
				}
				return w.Flush()
			})
		},
	}
}

func newPyramidRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove PRODUCT PYRAMID",
		Short: "Remove a pyramid with its mosaics and tiles",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				p, err := lookupProduct(ctx, db, args[0])
				if err != nil {
					return err
				}
				if err := p.RemoveModel(ctx, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed pyramid %s of %s\n", args[1], p.Name)
				return nil
			})
		},
	}
}

func newMosaicCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mosaic",
		Short: "Add and remove the mosaics of a pyramid",
	}
	cmd.AddCommand(newMosaicCreateCmd(a), newMosaicRemoveCmd(a))
	return cmd
}

func newMosaicCreateCmd(a *app) *cobra.Command {
	var upperLeft, scale []float64
	var grid, tile []int
	cmd := &cobra.Command{
		Use:   "create PRODUCT PYRAMID",
		Short: "Add an empty mosaic to a pyramid",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(upperLeft) != 2 || len(scale) != 2 || len(grid) != 2 || len(tile) != 2 {
				return fmt.Errorf("--upper-left, --scale, --grid and --tile need 2 values each")
			}
			spec := pyramid.MosaicSpec{
				UpperLeft: [2]float64{upperLeft[0], upperLeft[1]},
				Scale:     [2]float64{scale[0], scale[1]},
				GridSize:  [2]int{grid[0], grid[1]},
				TileSize:  [2]int{tile[0], tile[1]},
			}
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				p, err := lookupPyramid(ctx, db, args[0], args[1])
				if err != nil {
					return err
				}
				m, err := p.CreateMosaic(ctx, spec)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), m.ID)
				return nil
			})
		},
	}
	cmd.Flags().Float64SliceVar(&upperLeft, "upper-left", nil, "upper left corner as x,y")
	cmd.Flags().Float64SliceVar(&scale, "scale", nil, "CRS units per pixel as x,y")
	cmd.Flags().IntSliceVar(&grid, "grid", nil, "number of tiles as cols,rows")
	cmd.Flags().IntSliceVar(&tile, "tile", []int{256, 256}, "tile size in pixels as width,height")
	return cmd
}

func newMosaicRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove PRODUCT PYRAMID MOSAIC",
		Short: "Remove a mosaic with its tiles",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				p, err := lookupPyramid(ctx, db, args[0], args[1])
				if err != nil {
					return err
				}
				if err := p.DeleteMosaic(ctx, args[2]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed mosaic %s\n", args[2])
				return nil
			})
		},
	}
}
