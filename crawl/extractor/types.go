package extractor

import "time"

// TileFile is a tile found under a crawl root laid out as <row>/<col>.<ext>.
type TileFile struct {
	FilePath string    `json:"file_path"`
	Col      int       `json:"col"`
	Row      int       `json:"row"`
	Ext      string    `json:"ext"`
	Size     int64     `json:"size"`
	MTime    time.Time `json:"mtime"`
	ID       string    `json:"id"`
}

// Sidecar is the mosaic.yaml found at a crawl root. It names the target
// pyramid and describes the mosaic the tiles belong to.
type Sidecar struct {
	CRS       string     `yaml:"crs"`
	Format    string     `yaml:"format"`
	UpperLeft [2]float64 `yaml:"upper_left"`
	Scale     [2]float64 `yaml:"scale"`
	GridSize  [2]int     `yaml:"grid_size"`
	TileSize  [2]int     `yaml:"tile_size"`
}

// IngestStats summarises one ingestion.
type IngestStats struct {
	Written int `json:"written"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}
