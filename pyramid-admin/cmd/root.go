package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nci/pyramid/catalog"
	"github.com/nci/pyramid/pyramid"
	"github.com/nci/pyramid/utils"
)

// app is the state shared by the commands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	config  *utils.Config
}

// NewRootCmd builds the pyramid-admin command tree. Settings come from
// flags, PYRAMID_* environment variables (PYRAMID_CATALOG_DSN, ...) and
// an optional JSON or YAML config file, in that order of precedence.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "pyramid-admin",
		Short: "Manage the products, formats, pyramids and tiles of a pyramid catalog",
		Long: `pyramid-admin edits a pyramid catalog stored in PostgreSQL or SQLite.

Examples:
  # Register a format from a YAML band description
  pyramid-admin format create sst --driver application/x-raw16+zstd --bands sst.yaml

  # Create a product and its WGS84 pyramid
  pyramid-admin product create sst --format sst --crs EPSG:4326 --bbox -180,-90,180,90 --resolution 0.25,0.25
  pyramid-admin pyramid create sst --crs EPSG:4326

  # Use PostgreSQL
  PYRAMID_CATALOG_DRIVER=postgres PYRAMID_CATALOG_DSN="dbname=pyramid" pyramid-admin product list`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (JSON or YAML)")
	flags.String("driver", "sqlite", "catalog driver: postgres or sqlite")
	flags.String("dsn", "pyramid.db", "catalog data source name")
	flags.StringSlice("memcache", nil, "memcache servers invalidated on tile changes")
	flags.BoolP("verbose", "v", false, "log catalog operations")

	a.v.BindPFlag("catalog.driver", flags.Lookup("driver"))
	a.v.BindPFlag("catalog.dsn", flags.Lookup("dsn"))
	a.v.BindPFlag("memcache.servers", flags.Lookup("memcache"))
	a.v.BindPFlag("metrics.verbose", flags.Lookup("verbose"))

	root.AddCommand(
		newProductCmd(a),
		newFormatCmd(a),
		newPyramidCmd(a),
		newMosaicCmd(a),
		newTileCmd(a),
		newMetadataCmd(a),
		newExportCmd(a),
	)
	return root
}

// Execute runs the command line and exits on failure.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) loadConfig() error {
	if len(a.cfgFile) > 0 {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", a.cfgFile, err)
		}
	}
	a.v.SetEnvPrefix("PYRAMID")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	config := &utils.Config{}
	if err := utils.DecodeConfig(a.v, config); err != nil {
		return err
	}
	a.config = config
	return nil
}

// withCatalog opens the catalog for the duration of fn.
func (a *app) withCatalog(cmd *cobra.Command, fn func(ctx context.Context, db *catalog.Database) error) error {
	db, err := catalog.Open(a.config.Catalog.Driver, a.config.Catalog.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if a.config.Metrics.Verbose {
		db.Logger = log.New(cmd.ErrOrStderr(), "catalog: ", log.Ltime)
	}
	if len(a.config.Memcache.Servers) > 0 {
		mc := pyramid.NewMemcacheTiles(a.config.Memcache.Servers...)
		mc.Expiration = a.config.Memcache.Expiration
		db.EnableTileCache(mc)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	return fn(ctx, db)
}

func lookupProduct(ctx context.Context, db *catalog.Database, name string) (*catalog.Product, error) {
	p, err := db.Product(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("unknown product %q", name)
	}
	return p, nil
}

func lookupPyramid(ctx context.Context, db *catalog.Database, product, id string) (*pyramid.Pyramid, error) {
	p, err := lookupProduct(ctx, db, product)
	if err != nil {
		return nil, err
	}
	m, err := p.Model(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("product %q has no pyramid %q", product, id)
	}
	return m, nil
}

func lookupMosaic(ctx context.Context, db *catalog.Database, product, pyr, id string) (*pyramid.Mosaic, error) {
	p, err := lookupPyramid(ctx, db, product, pyr)
	if err != nil {
		return nil, err
	}
	m := p.Mosaic(id)
	if m == nil {
		return nil, fmt.Errorf("pyramid %q of %q has no mosaic %q", pyr, product, id)
	}
	return m, nil
}
