// Pyramid catalog API
// Copyright (c) 2017, NCI, Australian National University.

package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	reuseport "github.com/kavu/go_reuseport"

	"github.com/nci/pyramid/catalog"
	"github.com/nci/pyramid/metrics"
	"github.com/nci/pyramid/processor"
	"github.com/nci/pyramid/pyramid"
	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/utils"
)

var (
	confFile  = flag.String("conf", "", "JSON config file; overrides the catalog and memcache flags")
	dbDriver  = flag.String("driver", "postgres", "catalog driver: postgres or sqlite")
	dbDSN     = flag.String("dsn", "user=api host=/var/run/postgresql dbname=pyramid sslmode=disable", "catalog data source name")
	dbPool    = flag.Int("pool", 8, "database pool size")
	dbLimit   = flag.Int("limit", 64, "database concurrent requests")
	httpPort  = flag.Int("port", 8888, "http port")
	mcURI     = flag.String("memcache", "", "memcache uri host:port")
	logDir    = flag.String("log_dir", "", "metrics log directory, - for stdout")
	verbose   = flag.Bool("v", false, "verbose mode")
	requestTO = flag.Duration("timeout", 60*time.Second, "request timeout")
)

var (
	Error *log.Logger
	Info  *log.Logger
)

// Spit out a simple JSON-formatted error message for Content-Type: application/json
func httpJSONError(response http.ResponseWriter, err error, status int) {
	response.Header().Set("Content-Type", "application/json")
	response.Header().Set("X-Content-Type-Options", "nosniff")
	response.WriteHeader(status)
	fmt.Fprintf(response, `{ "error": %q }`+"\n", err.Error())
}

// statusOf maps the error classes to HTTP status codes.
func statusOf(err error) int {
	switch {
	case utils.IsValidation(err), utils.IsReferencing(err):
		return http.StatusBadRequest
	case utils.IsRemoved(err):
		return http.StatusGone
	case utils.IsStorage(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

var errNotFound = errors.New("not found")

type server struct {
	db      *catalog.Database
	cache   pyramid.TileCache
	config  *atomic.Pointer[utils.Config]
	limiter *processor.ConcLimiter
	metrics metrics.Logger
	timeout time.Duration
}

func newServer(db *catalog.Database, config *utils.Config) *server {
	s := &server{
		db:      db,
		config:  &atomic.Pointer[utils.Config]{},
		limiter: processor.NewConcLimiter(config.ServiceConfig.MaxConcurrency),
		timeout: *requestTO,
	}
	s.config.Store(config)
	return s
}

// cacheable operations only read catalog state.
var cacheable = []string{"products", "metadata", "domain"}

func (s *server) ServeHTTP(response http.ResponseWriter, request *http.Request) {
	if *verbose {
		Info.Printf("%s\n", request.URL.String())
	}
	collector := metrics.NewMetricsCollector(s.metrics)
	defer collector.Log()
	t0 := time.Now()
	collector.Info.ReqTime = t0.Format(time.RFC3339Nano)
	collector.Info.URL.RawURL = request.URL.String()
	collector.Info.RemoteAddr = request.RemoteAddr
	defer func() { collector.Info.ReqDuration = time.Since(t0) }()

	rec := &statusRecorder{ResponseWriter: response, status: http.StatusOK}
	defer func() { collector.Info.HTTPStatus = rec.status }()

	query, err := utils.ParseQuery(request.URL.RawQuery)
	if err != nil {
		httpJSONError(rec, fmt.Errorf("failed to parse query: %v", err), http.StatusBadRequest)
		return
	}

	var hash string
	if s.cache != nil && isCacheable(query) {
		buff := md5.Sum([]byte(request.URL.RequestURI()))
		hash = hex.EncodeToString(buff[:])
		if cached, err := s.cache.Get(hash); err == nil {
			rec.Header().Set("Content-Type", "application/json")
			rec.Write(cached)
			return
		}
	}

	ctx, cancel := context.WithTimeout(request.Context(), s.timeout)
	defer cancel()

	var payload interface{}
	switch {
	case has(query, "products"):
		payload, err = s.products(ctx)
	case has(query, "metadata"):
		payload, err = s.metadata(ctx, query)
	case has(query, "domain"):
		payload, err = s.domain(ctx, query)
	case has(query, "read"):
		payload, err = s.read(ctx, query, collector.Info.Store)
	case has(query, "tile"):
		s.tile(ctx, rec, query, collector.Info.Store)
		return
	case has(query, "render"):
		s.render(ctx, rec, query, collector.Info.Store)
		return
	default:
		httpJSONError(rec, errors.New("unknown operation; currently supported: ?products, ?metadata, ?domain, ?tile, ?read, ?render"), http.StatusBadRequest)
		return
	}
	if err != nil {
		httpJSONError(rec, err, statusOf(err))
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		httpJSONError(rec, err, http.StatusInternalServerError)
		return
	}
	rec.Header().Set("Content-Type", "application/json")
	rec.Write(body)

	if len(hash) > 0 {
		// don't care about errors; memcache may not necessarily retain this anyway
		s.cache.Set(hash, body)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func has(query url.Values, key string) bool {
	_, ok := query[key]
	return ok
}

func isCacheable(query url.Values) bool {
	for _, op := range cacheable {
		if has(query, op) {
			return true
		}
	}
	return false
}

type productNode struct {
	Name       string         `json:"name"`
	Format     string         `json:"format,omitempty"`
	Components []*productNode `json:"components,omitempty"`
}

func (s *server) products(ctx context.Context) (interface{}, error) {
	roots, err := s.db.Products(ctx)
	if err != nil {
		return nil, err
	}
	var walk func(p *catalog.Product) (*productNode, error)
	walk = func(p *catalog.Product) (*productNode, error) {
		n := &productNode{Name: p.Name, Format: p.Format}
		children, err := p.Components(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			cn, err := walk(c)
			if err != nil {
				return nil, err
			}
			n.Components = append(n.Components, cn)
		}
		return n, nil
	}
	out := []*productNode{}
	for _, r := range roots {
		n, err := walk(r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *server) product(ctx context.Context, query url.Values) (*catalog.Product, error) {
	name, _ := utils.QueryValue(query, "product")
	if len(name) == 0 {
		return nil, utils.NewValidationError("missing product parameter")
	}
	p, err := s.db.Product(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("product %q: %w", name, errNotFound)
	}
	return p, nil
}

func (s *server) metadata(ctx context.Context, query url.Values) (interface{}, error) {
	p, err := s.product(ctx, query)
	if err != nil {
		return nil, err
	}
	md := &catalog.Metadata{}
	if err := p.CreateMetadata(ctx, md); err != nil {
		return nil, err
	}
	return md, nil
}

type domainDoc struct {
	BBox  []float64  `json:"bbox"`
	CRS   string     `json:"crs"`
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

func (s *server) domain(ctx context.Context, query url.Values) (interface{}, error) {
	p, err := s.product(ctx, query)
	if err != nil {
		return nil, err
	}
	dom, err := p.Domain(ctx)
	if err != nil {
		return nil, err
	}
	if dom == nil {
		return nil, fmt.Errorf("product %q has no coverage references: %w", p.Name, errNotFound)
	}
	doc := &domainDoc{
		BBox: []float64{dom.BBox.Min[0], dom.BBox.Min[1], dom.BBox.Max[0], dom.BBox.Max[1]},
		CRS:  dom.CRS.Identifier,
	}
	if !dom.Start.IsZero() {
		doc.Start = &dom.Start
	}
	if !dom.End.IsZero() {
		doc.End = &dom.End
	}
	return doc, nil
}

func intParam(query url.Values, key string) (int, error) {
	v, _ := utils.QueryValue(query, key)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, utils.NewValidationError("invalid %s parameter %q", key, v)
	}
	return n, nil
}

func (s *server) tile(ctx context.Context, w http.ResponseWriter, query url.Values, info *metrics.StoreInfo) {
	p, err := s.product(ctx, query)
	if err != nil {
		httpJSONError(w, err, statusOf(err))
		return
	}
	pyrID, _ := utils.QueryValue(query, "pyramid")
	mosaicID, _ := utils.QueryValue(query, "mosaic")
	col, err := intParam(query, "col")
	if err != nil {
		httpJSONError(w, err, statusOf(err))
		return
	}
	row, err := intParam(query, "row")
	if err != nil {
		httpJSONError(w, err, statusOf(err))
		return
	}

	// a pyramid is addressed by its identifier or by its CRS
	if crs, err := referencing.ParseCRS(pyrID); err == nil {
		pyrID = referencing.PyramidID(crs)
	}
	model, err := p.Model(ctx, pyrID)
	if err == nil && model == nil {
		err = fmt.Errorf("pyramid %q of %q: %w", pyrID, p.Name, errNotFound)
	}
	if err != nil {
		httpJSONError(w, err, statusOf(err))
		return
	}
	m := model.Mosaic(mosaicID)
	if m == nil {
		err = fmt.Errorf("mosaic %q: %w", mosaicID, errNotFound)
		httpJSONError(w, err, statusOf(err))
		return
	}
	info.Product, info.Pyramid, info.Mosaic = p.Name, model.ID, m.ID
	env := m.TileEnvelope(col, row)
	info.Envelope = &env

	if err := s.limiter.Acquire(ctx); err != nil {
		httpJSONError(w, err, http.StatusServiceUnavailable)
		return
	}
	defer s.limiter.Release()
	t, err := m.GetTile(ctx, col, row)
	if err != nil {
		httpJSONError(w, err, statusOf(err))
		return
	}
	if t.Payload == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	info.NumTiles = 1
	info.BytesRead = int64(len(t.Payload))
	w.Header().Set("Content-Type", model.Format)
	w.Write(t.Payload)
}

// coverage resolves the bbox, crs, resolution and bands parameters.
func (s *server) coverage(ctx context.Context, query url.Values, info *metrics.StoreInfo) (*pyramid.Coverage, error) {
	t0 := time.Now()
	defer func() { info.Duration = time.Since(t0) }()

	p, err := s.product(ctx, query)
	if err != nil {
		return nil, err
	}
	info.Product = p.Name

	crs := referencing.WGS84
	if v, ok := utils.QueryValue(query, "crs"); ok && len(v) > 0 {
		if crs, err = referencing.ParseCRS(v); err != nil {
			return nil, err
		}
	}
	v, _ := utils.QueryValue(query, "bbox")
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return nil, utils.NewValidationError("bbox needs 4 comma separated values, got %q", v)
	}
	var box [4]float64
	for i, part := range parts {
		if box[i], err = strconv.ParseFloat(strings.TrimSpace(part), 64); err != nil {
			return nil, utils.NewValidationError("invalid bbox value %q", part)
		}
	}
	if box[0] >= box[2] || box[1] >= box[3] {
		return nil, utils.NewValidationError("empty bbox %v", box)
	}
	aoi := referencing.NewEnvelope(crs, box[0], box[1], box[2], box[3])
	info.Envelope = &aoi

	var bands []int
	if v, ok := utils.QueryValue(query, "bands"); ok && len(v) > 0 {
		for _, part := range strings.Split(v, ",") {
			b, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, utils.NewValidationError("invalid band %q", part)
			}
			bands = append(bands, b)
		}
	}

	var cov *pyramid.Coverage
	if v, ok := utils.QueryValue(query, "resolution"); ok && len(v) > 0 {
		res, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return nil, utils.NewValidationError("invalid resolution %q", v)
		}
		info.Resolution = res
		cov, err = p.ReadAt(ctx, aoi, res, bands)
	} else {
		cov, err = p.Read(ctx, aoi, bands)
	}
	if err != nil {
		return nil, err
	}
	if cov == nil {
		return nil, fmt.Errorf("no data at this resolution in %v: %w", aoi, errNotFound)
	}
	info.Pyramid = cov.Mosaic.Pyramid().ID
	info.Mosaic = cov.Mosaic.ID
	tr := cov.TileRange()
	info.NumTiles = tr.Dx() * tr.Dy()
	return cov, nil
}

type readDoc struct {
	BBox   []float64    `json:"bbox"`
	CRS    string       `json:"crs"`
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Bands  []string     `json:"bands"`
	Values [][]*float64 `json:"values"`
}

func (s *server) read(ctx context.Context, query url.Values, info *metrics.StoreInfo) (interface{}, error) {
	cov, err := s.coverage(ctx, query, info)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, utils.AsStorageError(err, "read", info.Product, "", 0)
	}
	defer s.limiter.Release()
	values, err := cov.Values(ctx)
	if err != nil {
		return nil, err
	}

	doc := &readDoc{
		BBox:   []float64{cov.Envelope.Min[0], cov.Envelope.Min[1], cov.Envelope.Max[0], cov.Envelope.Max[1]},
		CRS:    cov.Envelope.CRS.Identifier,
		Width:  cov.Width,
		Height: cov.Height,
	}
	for i, band := range values {
		name := fmt.Sprintf("band%d", i)
		if i < len(cov.Bands) {
			name = cov.Bands[i].Name
		}
		doc.Bands = append(doc.Bands, name)
		// NaN has no JSON representation
		out := make([]*float64, len(band))
		for j := range band {
			if !math.IsNaN(band[j]) {
				out[j] = &band[j]
			}
		}
		doc.Values = append(doc.Values, out)
	}
	return doc, nil
}

func (s *server) render(ctx context.Context, w http.ResponseWriter, query url.Values, info *metrics.StoreInfo) {
	cov, err := s.coverage(ctx, query, info)
	if err != nil {
		httpJSONError(w, err, statusOf(err))
		return
	}
	req := &processor.RenderRequest{}
	if style := s.config.Load().Style(info.Product); style != nil {
		req.Palette = style.Palette
		req.ScaleParams.Clip = style.ClipValue
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		httpJSONError(w, err, http.StatusServiceUnavailable)
		return
	}
	defer s.limiter.Release()
	img, err := processor.Render(ctx, cov, req)
	if err != nil {
		httpJSONError(w, err, statusOf(err))
		return
	}
	w.Header().Set("Content-Type", pyramid.MimePNG)
	w.Write(img)
}

func loadConfig() (*utils.Config, error) {
	config := &utils.Config{}
	if len(*confFile) > 0 {
		return config, config.LoadConfigFile(*confFile)
	}
	config.Catalog = utils.CatalogConfig{Driver: *dbDriver, DSN: *dbDSN}
	if len(*mcURI) > 0 {
		config.Memcache.Servers = []string{*mcURI}
	}
	config.ServiceConfig.APIAddress = fmt.Sprintf(":%d", *httpPort)
	config.Metrics.LogDir = *logDir
	return config, config.Validate()
}

func main() {
	Error = log.New(os.Stderr, "API: ", log.Ldate|log.Ltime|log.Lshortfile)
	Info = log.New(os.Stdout, "API: ", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Parse()

	config, err := loadConfig()
	if err != nil {
		Error.Fatalf("Error in loading config: %v", err)
	}
	Info.Printf("catalog %s pool %d address %s", config.Catalog.Driver, *dbPool, config.ServiceConfig.APIAddress)

	db, err := catalog.Open(config.Catalog.Driver, config.Catalog.DSN)
	if err != nil {
		panic(err)
	}
	defer db.Close()
	if db.Dialect() == catalog.Postgres {
		db.DB().SetMaxIdleConns(*dbPool)
		db.DB().SetMaxOpenConns(*dbLimit)
	}
	if *verbose {
		db.Logger = Info
	}
	if err := db.Migrate(context.Background()); err != nil {
		Error.Fatalf("Error in migrating catalog: %v", err)
	}

	s := newServer(db, config)
	if len(config.Memcache.Servers) > 0 {
		// lazy connection; errors returned in .Get
		mc := pyramid.NewMemcacheTiles(config.Memcache.Servers...)
		mc.Expiration = config.Memcache.Expiration
		s.cache = mc
		db.EnableTileCache(mc)
	}

	switch config.Metrics.LogDir {
	case "":
	case "-":
		s.metrics = metrics.NewStdoutLogger()
	default:
		s.metrics = metrics.NewFileLogger(config.Metrics.LogDir, config.Metrics.MaxLogFileSize, config.Metrics.MaxLogFiles, config.Metrics.Verbose)
	}

	if len(*confFile) > 0 {
		utils.WatchConfig(Info, Error, *confFile, s.config)
	}

	listener, err := reuseport.Listen("tcp", config.ServiceConfig.APIAddress)
	if err != nil {
		Error.Fatalf("Error in listening on %s: %v", config.ServiceConfig.APIAddress, err)
	}
	Info.Printf("API is ready")
	log.Fatal(http.Serve(listener, s))
}
