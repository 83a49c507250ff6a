package cmd

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/nci/pyramid/catalog"
)

func newMetadataCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metadata PRODUCT",
		Short: "Print the metadata of a product as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(cmd, func(ctx context.Context, db *catalog.Database) error {
				p, err := lookupProduct(ctx, db, args[0])
				if err != nil {
					return err
				}
				md := &catalog.Metadata{}
				if err := p.CreateMetadata(ctx, md); err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(md)
			})
		},
	}
}
