package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/nci/pyramid/catalog"
	extr "github.com/nci/pyramid/crawl/extractor"
	"github.com/nci/pyramid/pyramid"
	"github.com/nci/pyramid/utils"
)

func ensure(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	confFile := flag.String("conf", "", "JSON config file")
	driver := flag.String("driver", "sqlite", "catalog driver: postgres or sqlite")
	dsn := flag.String("dsn", "pyramid.db", "catalog data source name")
	product := flag.String("product", "", "product receiving the tiles")
	conc := flag.Int("conc", 4, "concurrent directory readers")
	pattern := flag.String("pattern", "", "govaluate filter over path and type, e.g. type == 'd' || path =~ '.png$'")
	followSymlink := flag.Bool("symlink", false, "follow symbolic links")
	batch := flag.Int("batch", extr.DefaultBatchSize, "tiles per write transaction")
	list := flag.String("list", "", "only list the tiles, as json or tsv")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("Please provide the root directory of a tile tree")
	}
	root := flag.Arg(0)

	expr, err := extr.ParsePatternExpression(*pattern)
	ensure(err)
	crawler := extr.NewTileCrawler(*conc, expr, *followSymlink)

	if len(*list) > 0 {
		done := make(chan struct{})
		go func() {
			defer close(done)
			for tf := range crawler.Outputs {
				out, _ := json.Marshal(tf)
				rec := string(out)
				if *list == "tsv" {
					rec = fmt.Sprintf("%s\ttile\t%s", tf.FilePath, rec)
				}
				fmt.Printf("%s\n", rec)
			}
		}()
		err := crawler.Crawl(root)
		<-done
		if err != nil {
			os.Stderr.Write([]byte(err.Error() + "\n"))
		}
		return
	}

	if len(*product) == 0 {
		log.Fatal("-product is required unless -list is given")
	}
	sc, err := extr.ReadSidecar(root)
	ensure(err)

	config := &utils.Config{}
	if len(*confFile) > 0 {
		ensure(config.LoadConfigFile(*confFile))
	} else {
		config.Catalog = utils.CatalogConfig{Driver: *driver, DSN: *dsn}
		ensure(config.Validate())
	}
	db, err := catalog.Open(config.Catalog.Driver, config.Catalog.DSN)
	ensure(err)
	defer db.Close()
	if len(config.Memcache.Servers) > 0 {
		mc := pyramid.NewMemcacheTiles(config.Memcache.Servers...)
		mc.Expiration = config.Memcache.Expiration
		db.EnableTileCache(mc)
	}

	ctx := context.Background()
	ensure(db.Migrate(ctx))
	p, err := db.Product(ctx, *product)
	ensure(err)
	if p == nil {
		log.Fatalf("unknown product %q", *product)
	}
	m, err := extr.TargetMosaic(ctx, p, sc)
	ensure(err)

	in := &extr.Ingester{Mosaic: m, Codecs: pyramid.DefaultCodecs(), BatchSize: *batch}
	if *verbose {
		in.Log = log.New(os.Stderr, "crawl: ", log.Ldate|log.Ltime)
	}
	type result struct {
		stats extr.IngestStats
		err   error
	}
	results := make(chan result, 1)
	go func() {
		stats, err := in.Ingest(ctx, crawler.Outputs)
		results <- result{stats, err}
	}()
	crawlErr := crawler.Crawl(root)
	r := <-results
	ensure(r.err)

	out, err := json.Marshal(map[string]interface{}{
		"product": p.Name,
		"pyramid": m.Pyramid().ID,
		"mosaic":  m.ID,
		"stats":   r.stats,
	})
	ensure(err)
	_, err = os.Stdout.Write(append(out, '\n'))
	ensure(err)
	if crawlErr != nil {
		log.Fatal(crawlErr)
	}
}
