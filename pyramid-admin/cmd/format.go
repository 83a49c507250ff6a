package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/nci/pyramid/catalog"
	"github.com/nci/pyramid/pyramid"
)

func newFormatCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Register and describe tile formats",
	}
	cmd.AddCommand(newFormatCreateCmd(a), newFormatShowCmd(a))
	return cmd
}

func newFormatCreateCmd(a *app) *cobra.Command {
	var driver, bands string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Register a format with the sample dimensions read from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := pyramid.DefaultCodecs().Lookup(driver); err != nil {
				return fmt.Errorf("%v, known formats: %v", err, pyramid.DefaultCodecs().Formats())
			}
			dims, err := readBands(bands)
			if err != nil {
				return err
			}
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				if err := db.CreateFormat(ctx, args[0], driver, dims); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created format %s with %d bands\n", args[0], len(dims))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&driver, "driver", pyramid.MimePNG, "MIME type of the tiles")
	cmd.Flags().StringVar(&bands, "bands", "", "YAML file describing the bands")
	cmd.MarkFlagRequired("bands")
	return cmd
}

type formatDoc struct {
	Driver string    `yaml:"driver"`
	Bands  []bandDoc `yaml:"bands"`
}

func newFormatShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print a format and its bands as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				f, err := db.Format(ctx, args[0])
				if err != nil {
					return err
				}
				if f == nil {
					return fmt.Errorf("unknown format %q", args[0])
				}
				out, err := yaml.Marshal(formatDoc{
					Driver: f.Driver,
					Bands:  describeBands(f.SampleDimensions).Bands,
				})
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			})
		},
	}
}
