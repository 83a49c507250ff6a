package tileservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nci/pyramid/catalog"
	"github.com/nci/pyramid/metrics"
	"github.com/nci/pyramid/processor"
	"github.com/nci/pyramid/pyramid"
	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/utils"
)

var errNotFound = errors.New("not found")

// Server serves the products of a catalog.
type Server struct {
	DB      *catalog.Database
	Limiter *processor.ConcLimiter
	Log     *log.Logger
}

func NewServer(db *catalog.Database, concurrency int) *Server {
	return &Server{DB: db, Limiter: processor.NewConcLimiter(concurrency)}
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.Log != nil {
		s.Log.Printf(format, args...)
	}
}

// toStatus maps the error classes to gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case utils.IsValidation(err), utils.IsReferencing(err):
		code = codes.InvalidArgument
	case utils.IsRemoved(err), errors.Is(err, errNotFound):
		code = codes.NotFound
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case utils.IsStorage(err):
		code = codes.Unavailable
	case utils.IsCorruption(err):
		code = codes.DataLoss
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func intField(in *structpb.Struct, key string) (int, error) {
	v, ok := in.GetFields()[key]
	if !ok {
		return 0, utils.NewValidationError("missing %s", key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, utils.NewValidationError("%s must be an integer", key)
	}
	return int(n.NumberValue), nil
}

func (s *Server) product(ctx context.Context, name string) (*catalog.Product, error) {
	if len(name) == 0 {
		return nil, utils.NewValidationError("missing product")
	}
	p, err := s.DB.Product(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("product %q: %w", name, errNotFound)
	}
	return p, nil
}

func (s *Server) Read(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	out, err := s.read(ctx, in)
	return out, toStatus(err)
}

func (s *Server) read(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	info := storeInfo(ctx)
	t0 := time.Now()
	defer func() { info.Duration = time.Since(t0) }()

	p, err := s.product(ctx, stringField(in, "product"))
	if err != nil {
		return nil, err
	}
	info.Product = p.Name

	crs := referencing.WGS84
	if id := stringField(in, "crs"); len(id) > 0 {
		if crs, err = referencing.ParseCRS(id); err != nil {
			return nil, err
		}
	}
	box := in.GetFields()["bbox"].GetListValue().GetValues()
	if len(box) != 4 {
		return nil, utils.NewValidationError("bbox needs 4 values, got %d", len(box))
	}
	aoi := referencing.NewEnvelope(crs, box[0].GetNumberValue(), box[1].GetNumberValue(), box[2].GetNumberValue(), box[3].GetNumberValue())
	if aoi.Width() <= 0 || aoi.Height() <= 0 {
		return nil, utils.NewValidationError("empty bbox %v", aoi)
	}
	info.Envelope = &aoi

	var bands []int
	for _, b := range in.GetFields()["bands"].GetListValue().GetValues() {
		bands = append(bands, int(b.GetNumberValue()))
	}

	var cov *pyramid.Coverage
	if v, ok := in.GetFields()["resolution"]; ok {
		info.Resolution = v.GetNumberValue()
		cov, err = p.ReadAt(ctx, aoi, info.Resolution, bands)
	} else {
		cov, err = p.Read(ctx, aoi, bands)
	}
	if err != nil {
		return nil, err
	}
	if cov == nil {
		return nil, fmt.Errorf("no data in %v: %w", aoi, errNotFound)
	}
	info.Pyramid, info.Mosaic = cov.Mosaic.Pyramid().ID, cov.Mosaic.ID
	tr := cov.TileRange()
	info.NumTiles = tr.Dx() * tr.Dy()

	if err := s.Limiter.Acquire(ctx); err != nil {
		return nil, utils.AsStorageError(err, "read", p.Name, "", 0)
	}
	defer s.Limiter.Release()
	values, err := cov.Values(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]interface{}, len(values))
	rasters := make([]interface{}, len(values))
	for i, band := range values {
		names[i] = fmt.Sprintf("band%d", i)
		if i < len(cov.Bands) {
			names[i] = cov.Bands[i].Name
		}
		// NaN travels as null
		raster := make([]interface{}, len(band))
		for j, v := range band {
			if !math.IsNaN(v) {
				raster[j] = v
			}
		}
		rasters[i] = raster
	}
	env := cov.Envelope
	return structpb.NewStruct(map[string]interface{}{
		"product": p.Name,
		"crs":     env.CRS.Identifier,
		"bbox":    []interface{}{env.Min[0], env.Min[1], env.Max[0], env.Max[1]},
		"width":   cov.Width,
		"height":  cov.Height,
		"bands":   names,
		"values":  rasters,
	})
}

func (s *Server) GetTile(ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
	out, err := s.getTile(ctx, in)
	return out, toStatus(err)
}

func (s *Server) getTile(ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
	info := storeInfo(ctx)
	p, err := s.product(ctx, stringField(in, "product"))
	if err != nil {
		return nil, err
	}
	col, err := intField(in, "col")
	if err != nil {
		return nil, err
	}
	row, err := intField(in, "row")
	if err != nil {
		return nil, err
	}
	pyrID, mosaicID := stringField(in, "pyramid"), stringField(in, "mosaic")
	model, err := p.Model(ctx, pyrID)
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, fmt.Errorf("pyramid %q of %q: %w", pyrID, p.Name, errNotFound)
	}
	m := model.Mosaic(mosaicID)
	if m == nil {
		return nil, fmt.Errorf("mosaic %q: %w", mosaicID, errNotFound)
	}
	info.Product, info.Pyramid, info.Mosaic = p.Name, model.ID, m.ID

	if err := s.Limiter.Acquire(ctx); err != nil {
		return nil, utils.AsStorageError(err, "read tile", p.Name, model.Format, 0)
	}
	defer s.Limiter.Release()
	t, err := m.GetTile(ctx, col, row)
	if err != nil {
		return nil, err
	}
	if t.Payload != nil {
		info.NumTiles = 1
		info.BytesRead = int64(len(t.Payload))
	}
	if err := grpc.SetHeader(ctx, metadata.Pairs(TileFormatHeader, model.Format)); err != nil {
		s.logf("set header: %v", err)
	}
	return wrapperspb.Bytes(t.Payload), nil
}

func (s *Server) Describe(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	out, err := s.describe(ctx, in.GetValue())
	return out, toStatus(err)
}

func (s *Server) describe(ctx context.Context, name string) (*structpb.Struct, error) {
	p, err := s.product(ctx, name)
	if err != nil {
		return nil, err
	}
	storeInfo(ctx).Product = p.Name
	md := &catalog.Metadata{}
	if err := p.CreateMetadata(ctx, md); err != nil {
		return nil, err
	}
	// go through JSON so that the document matches the HTTP API
	buf, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]interface{})
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, err
	}
	if md.Start != nil {
		if doc["start"], err = timestamp(*md.Start); err != nil {
			return nil, err
		}
	}
	if md.End != nil {
		if doc["end"], err = timestamp(*md.End); err != nil {
			return nil, err
		}
	}
	return structpb.NewStruct(doc)
}

// timestamp formats t the way protobuf Timestamps are written in JSON,
// rejecting times a Timestamp cannot hold.
func timestamp(t time.Time) (string, error) {
	ts, err := ptypes.TimestampProto(t)
	if err != nil {
		return "", utils.NewCorruptionError("time %v: %v", t, err)
	}
	return ptypes.TimestampString(ts), nil
}

type collectorKey struct{}

// storeInfo returns the record of the request metrics, or a scratch one
// when the call is not instrumented.
func storeInfo(ctx context.Context) *metrics.StoreInfo {
	if c, ok := ctx.Value(collectorKey{}).(*metrics.MetricsCollector); ok {
		return c.Info.Store
	}
	return &metrics.StoreInfo{}
}

// MetricsInterceptor logs one metrics record per call.
func MetricsInterceptor(logger metrics.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		collector := metrics.NewMetricsCollector(logger)
		defer collector.Log()
		t0 := time.Now()
		collector.Info.ReqTime = t0.Format(time.RFC3339Nano)
		collector.Info.RPC.Method = info.FullMethod

		resp, err := handler(context.WithValue(ctx, collectorKey{}, collector), req)

		collector.Info.ReqDuration = time.Since(t0)
		collector.Info.RPC.Duration = collector.Info.ReqDuration
		collector.Info.RPC.Code = status.Code(err).String()
		if m, ok := resp.(proto.Message); ok && err == nil {
			collector.Info.RPC.BytesSent = int64(proto.Size(m))
		}
		return resp, err
	}
}
