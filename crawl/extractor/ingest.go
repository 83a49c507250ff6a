package extractor

import (
	"context"
	"log"
	"os"

	"github.com/nci/pyramid/pyramid"
)

const DefaultBatchSize = 64

// Ingester writes crawled tile files into a mosaic in batches.
type Ingester struct {
	Mosaic    *pyramid.Mosaic
	Codecs    *pyramid.CodecRegistry
	BatchSize int
	Log       *log.Logger
}

func (in *Ingester) logf(format string, args ...interface{}) {
	if in.Log != nil {
		in.Log.Printf(format, args...)
	}
}

// codecs maps file extensions to the codecs decoding them.
func (in *Ingester) codecs() map[string]pyramid.Codec {
	byExt := make(map[string]pyramid.Codec)
	for _, format := range in.Codecs.Formats() {
		c, err := in.Codecs.Lookup(format)
		if err != nil {
			continue
		}
		if _, found := byExt[c.Extension()]; !found {
			byExt[c.Extension()] = c
		}
	}
	return byExt
}

// Ingest consumes tiles until the channel is closed. Tiles outside the
// mosaic or of an unknown extension are skipped; unreadable tiles and
// tiles the mosaic refuses are counted as failed. Files already in the
// mosaic format are stored as is, others are decoded and re-encoded.
// Once ctx is done the remaining tiles are drained and ctx.Err returned.
func (in *Ingester) Ingest(ctx context.Context, tiles <-chan *TileFile) (IngestStats, error) {
	var stats IngestStats
	byExt := in.codecs()
	target, err := in.Codecs.Lookup(in.Mosaic.Pyramid().Format)
	if err != nil {
		for range tiles {
		}
		return stats, err
	}
	batchSize := in.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var batch []pyramid.Tile
	flush := func() {
		if len(batch) == 0 {
			return
		}
		res := in.Mosaic.WriteTiles(ctx, batch)
		for _, r := range res.Results {
			if r.Err != nil {
				stats.Failed++
				in.logf("tile (%d,%d): %v", r.Col, r.Row, r.Err)
			} else {
				stats.Written++
			}
		}
		batch = batch[:0]
	}

	for tf := range tiles {
		if ctx.Err() != nil {
			continue
		}
		codec, ok := byExt[tf.Ext]
		if !ok || !in.Mosaic.InBounds(tf.Col, tf.Row) {
			stats.Skipped++
			continue
		}
		data, err := os.ReadFile(tf.FilePath)
		if err != nil {
			stats.Failed++
			in.logf("%s: %v", tf.FilePath, err)
			continue
		}
		t := pyramid.Tile{Col: tf.Col, Row: tf.Row}
		if tf.Ext == target.Extension() {
			t.Payload = data
		} else {
			img, err := pyramid.DecodeTile(codec, data)
			if err != nil {
				stats.Failed++
				in.logf("%s: %v", tf.FilePath, err)
				continue
			}
			t.Image = img
		}
		batch = append(batch, t)
		if len(batch) >= batchSize {
			flush()
		}
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	flush()
	return stats, nil
}
