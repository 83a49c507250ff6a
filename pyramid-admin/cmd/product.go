package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nci/pyramid/catalog"
	"github.com/nci/pyramid/referencing"
)

func newProductCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Create, list and remove products",
	}
	cmd.AddCommand(newProductCreateCmd(a), newProductListCmd(a), newProductRemoveCmd(a))
	return cmd
}

func newProductCreateCmd(a *app) *cobra.Command {
	var (
		spec     catalog.ProductSpec
		crs      string
		bbox     []float64
		res      []float64
		temporal time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a product, optionally with a grid geometry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Name = args[0]
			spec.TemporalResolution = temporal
			if len(bbox) > 0 || len(res) > 0 {
				grid, err := gridGeometry(crs, bbox, res)
				if err != nil {
					return err
				}
				spec.Grid = grid
			}
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				p, err := db.CreateProduct(ctx, spec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created product %s\n", p.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&spec.Parent, "parent", "", "parent product")
	cmd.Flags().StringVar(&spec.Format, "format", "", "representative format")
	cmd.Flags().StringVar(&crs, "crs", "EPSG:4326", "CRS of the grid")
	cmd.Flags().Float64SliceVar(&bbox, "bbox", nil, "grid extent as minx,miny,maxx,maxy")
	cmd.Flags().Float64SliceVar(&res, "resolution", nil, "grid resolution as x,y")
	cmd.Flags().DurationVar(&temporal, "temporal-resolution", 0, "time between two coverages")
	return cmd
}

func gridGeometry(crsID string, bbox, res []float64) (*referencing.GridGeometry, error) {
	if len(bbox) != 4 {
		return nil, fmt.Errorf("--bbox needs 4 values, got %d", len(bbox))
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("--resolution needs 2 values, got %d", len(res))
	}
	crs, err := referencing.ParseCRS(crsID)
	if err != nil {
		return nil, err
	}
	return &referencing.GridGeometry{
		Envelope:   referencing.NewEnvelope(crs, bbox[0], bbox[1], bbox[2], bbox[3]),
		Resolution: [2]float64{res[0], res[1]},
	}, nil
}

func newProductListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the product tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				roots, err := db.Products(ctx)
				if err != nil {
					return err
				}
				for _, p := range roots {
					if err := printProduct(ctx, cmd.OutOrStdout(), p, 0); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func printProduct(ctx context.Context, w io.Writer, p *catalog.Product, depth int) error {
	line := strings.Repeat("  ", depth) + p.Name
	if len(p.Format) > 0 {
		line += " [" + p.Format + "]"
	}
	if g := p.Grid; g != nil {
		line += fmt.Sprintf(" %s", g.Envelope)
	}
	fmt.Fprintln(w, line)
	children, err := p.Components(ctx)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := printProduct(ctx, w, c, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func newProductRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a product with its components, pyramids and coverage references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				p, err := lookupProduct(ctx, db, args[0])
				if err != nil {
					return err
				}
				if err := p.Remove(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed product %s\n", p.Name)
				return nil
			})
		},
	}
}
