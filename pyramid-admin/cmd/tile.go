package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	_ "golang.org/x/image/tiff"

	"github.com/nci/pyramid/catalog"
	"github.com/nci/pyramid/pyramid"
)

func newTileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tile",
		Short: "Read, write and delete single tiles",
	}
	cmd.AddCommand(newTileGetCmd(a), newTileWriteCmd(a), newTileDeleteCmd(a))
	return cmd
}

func tilePosition(col, row string) (int, int, error) {
	c, err := strconv.Atoi(col)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid column %q", col)
	}
	r, err := strconv.Atoi(row)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid row %q", row)
	}
	return c, r, nil
}

func newTileGetCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get PRODUCT PYRAMID MOSAIC COL ROW",
		Short: "Copy the encoded tile to a file or standard output",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, row, err := tilePosition(args[3], args[4])
			if err != nil {
				return err
			}
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				m, err := lookupMosaic(ctx, db, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				t, err := m.GetTile(ctx, col, row)
				if err != nil {
					return err
				}
				if t.Empty() {
					return fmt.Errorf("tile (%d,%d) is empty", col, row)
				}
				if len(output) == 0 || output == "-" {
					_, err = cmd.OutOrStdout().Write(t.Payload)
					return err
				}
				return os.WriteFile(output, t.Payload, 0644)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, - for standard output")
	return cmd
}

func newTileWriteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "write PRODUCT PYRAMID MOSAIC COL ROW FILE",
		Short: "Store an image file as a tile",
		Long: `Store an image file as a tile. A file whose extension matches the pyramid
format is stored as is, any other PNG, JPEG or TIFF image is re-encoded.`,
		Args: cobra.ExactArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, row, err := tilePosition(args[3], args[4])
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[5])
			if err != nil {
				return err
			}
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				m, err := lookupMosaic(ctx, db, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				t, err := tileFromFile(m, col, row, args[5], raw)
				if err != nil {
					return err
				}
				if err := m.WriteTiles(ctx, []pyramid.Tile{t}).Err(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote tile (%d,%d)\n", col, row)
				return nil
			})
		},
	}
}

func tileFromFile(m *pyramid.Mosaic, col, row int, path string, raw []byte) (pyramid.Tile, error) {
	t := pyramid.Tile{Col: col, Row: row}
	codec, err := pyramid.DefaultCodecs().Lookup(m.Pyramid().Format)
	if err != nil {
		return t, err
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == codec.Extension() {
		t.Payload = raw
		return t, nil
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return t, fmt.Errorf("%s: %v", path, err)
	}
	t.Image = img
	return t, nil
}

func newTileDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete PRODUCT PYRAMID MOSAIC COL ROW",
		Short: "Empty a tile slot",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, row, err := tilePosition(args[3], args[4])
			if err != nil {
				return err
			}
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				m, err := lookupMosaic(ctx, db, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				if err := m.DeleteTile(ctx, col, row); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted tile (%d,%d)\n", col, row)
				return nil
			})
		},
	}
}
