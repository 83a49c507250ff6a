package tileservice

import (
	"context"
	"errors"
	"image"
	"image/color"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nci/pyramid/catalog"
	"github.com/nci/pyramid/metrics"
	"github.com/nci/pyramid/pyramid"
	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/sample"
	"github.com/nci/pyramid/utils"
)

type recordingLogger struct {
	mu    sync.Mutex
	infos []*metrics.MetricsInfo
}

func (l *recordingLogger) Log(info *metrics.MetricsInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, info)
}

func (l *recordingLogger) last() *metrics.MetricsInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.infos[len(l.infos)-1]
}

type fixture struct {
	client *TileServiceClient
	mosaic *pyramid.Mosaic
	logs   *recordingLogger
}

// newFixture serves a "dem" product whose single mosaic is a 2x2 grid
// of 4x4 tiles over [0, 8] x [0, 8]; only tile (0,0) is written.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := catalog.OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	dims := []sample.SampleDimension{{Name: "height", Unit: sample.Metre, Categories: []sample.Category{
		sample.NoData(0),
		sample.NewLinear("height", 1, 1000, 0.5, 0),
	}}}
	require.NoError(t, db.CreateFormat(ctx, "dem", pyramid.MimeRawLZ4, dims))
	p, err := db.CreateProduct(ctx, catalog.ProductSpec{Name: "dem", Format: "dem", Grid: &referencing.GridGeometry{
		Envelope:   referencing.NewEnvelope(referencing.WGS84, 0, 0, 8, 8),
		Resolution: [2]float64{1, 1},
	}})
	require.NoError(t, err)
	day := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, p.AddCoverageReferences(ctx, []catalog.CoverageReference{{
		Path: "/data/dem.tif", Envelope: referencing.NewEnvelope(referencing.WGS84, 0, 0, 8, 8),
		Start: day, End: day.Add(24 * time.Hour), Width: 8, Height: 8,
	}}))

	model, err := p.CreateModel(ctx, referencing.WGS84, "")
	require.NoError(t, err)
	m, err := model.CreateMosaic(ctx, pyramid.MosaicSpec{
		UpperLeft: [2]float64{0, 8},
		Scale:     [2]float64{1, 1},
		GridSize:  [2]int{2, 2},
		TileSize:  [2]int{4, 4},
	})
	require.NoError(t, err)
	tile := image.NewGray16(image.Rect(0, 0, 4, 4))
	for i := 0; i < 16; i++ {
		tile.SetGray16(i%4, i/4, color.Gray16{Y: uint16(i * 2)})
	}
	require.NoError(t, m.WriteTiles(ctx, []pyramid.Tile{{Col: 0, Row: 0, Image: tile}}).Err())

	logs := &recordingLogger{}
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(MetricsInterceptor(logs)))
	RegisterTileServiceServer(srv, NewServer(db, 2))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fixture{client: NewTileServiceClient(conn), mosaic: m, logs: logs}
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestRead(t *testing.T) {
	f := newFixture(t)
	out, err := f.client.Read(context.Background(), mustStruct(t, map[string]interface{}{
		"product": "dem",
		"bbox":    []interface{}{0, 4, 4, 8},
	}))
	require.NoError(t, err)

	doc := out.AsMap()
	assert.Equal(t, float64(4), doc["width"])
	assert.Equal(t, float64(4), doc["height"])
	assert.Equal(t, []interface{}{"height"}, doc["bands"])
	values := doc["values"].([]interface{})[0].([]interface{})
	require.Len(t, values, 16)
	assert.Nil(t, values[0])
	assert.Equal(t, 5.0, values[5])

	info := f.logs.last()
	assert.Equal(t, "/pyramid.TileService/Read", info.RPC.Method)
	assert.Equal(t, codes.OK.String(), info.RPC.Code)
	assert.Equal(t, "dem", info.Store.Product)
	assert.Equal(t, 1, info.Store.NumTiles)
	assert.Positive(t, info.RPC.BytesSent)
}

func TestReadErrors(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		req  map[string]interface{}
		code codes.Code
	}{
		{"missing product", map[string]interface{}{"bbox": []interface{}{0, 0, 1, 1}}, codes.InvalidArgument},
		{"unknown product", map[string]interface{}{"product": "nope", "bbox": []interface{}{0, 0, 1, 1}}, codes.NotFound},
		{"short bbox", map[string]interface{}{"product": "dem", "bbox": []interface{}{0, 0, 1}}, codes.InvalidArgument},
		{"empty bbox", map[string]interface{}{"product": "dem", "bbox": []interface{}{1, 1, 1, 2}}, codes.InvalidArgument},
		{"no data", map[string]interface{}{"product": "dem", "bbox": []interface{}{50, 50, 60, 60}}, codes.NotFound},
		{"unsupported crs", map[string]interface{}{"product": "dem", "bbox": []interface{}{0, 0, 1, 1}, "crs": "EPSG:32755"}, codes.InvalidArgument},
		{"bad band", map[string]interface{}{"product": "dem", "bbox": []interface{}{0, 0, 1, 1}, "bands": []interface{}{3}}, codes.InvalidArgument},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := f.client.Read(context.Background(), mustStruct(t, c.req))
			assert.Equal(t, c.code, status.Code(err), "%v", err)
		})
	}
}

func TestGetTile(t *testing.T) {
	f := newFixture(t)
	m := f.mosaic
	req := func(col, row int) *structpb.Struct {
		return mustStruct(t, map[string]interface{}{
			"product": "dem", "pyramid": m.Pyramid().ID, "mosaic": m.ID, "col": col, "row": row,
		})
	}

	var header metadata.MD
	out, err := f.client.GetTile(context.Background(), req(0, 0), grpc.Header(&header))
	require.NoError(t, err)
	want, err := m.GetTile(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, want.Payload, out.GetValue())
	assert.Equal(t, []string{pyramid.MimeRawLZ4}, header.Get(TileFormatHeader))

	out, err = f.client.GetTile(context.Background(), req(1, 1))
	require.NoError(t, err)
	assert.Empty(t, out.GetValue())

	_, err = f.client.GetTile(context.Background(), req(2, 0))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	bad := req(0, 0)
	bad.Fields["col"] = structpb.NewNumberValue(0.5)
	_, err = f.client.GetTile(context.Background(), bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	bad = req(0, 0)
	bad.Fields["mosaic"] = structpb.NewStringValue("nope")
	_, err = f.client.GetTile(context.Background(), bad)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestDescribe(t *testing.T) {
	f := newFixture(t)
	out, err := f.client.Describe(context.Background(), wrapperspb.String("dem"))
	require.NoError(t, err)
	doc := out.AsMap()
	assert.Equal(t, "dem", doc["identifier"])
	assert.Equal(t, []interface{}{0.0, 0.0, 8.0, 8.0}, doc["bbox"])
	assert.Equal(t, "2020-01-01T00:00:00Z", doc["start"])
	assert.Equal(t, "2020-01-02T00:00:00Z", doc["end"])
	bands := doc["bands"].([]interface{})
	require.Len(t, bands, 1)
	assert.Equal(t, "height", bands[0].(map[string]interface{})["name"])

	_, err = f.client.Describe(context.Background(), wrapperspb.String(""))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestToStatus(t *testing.T) {
	assert.NoError(t, toStatus(nil))
	assert.Equal(t, codes.DataLoss, status.Code(toStatus(utils.NewCorruptionError("bad"))))
	assert.Equal(t, codes.NotFound, status.Code(toStatus(&utils.EntityRemovedError{Kind: "product", Name: "p"})))
	assert.Equal(t, codes.Canceled, status.Code(toStatus(utils.AsStorageError(context.Canceled, "read", "p", "", 0))))
	assert.Equal(t, codes.Unavailable, status.Code(toStatus(utils.AsStorageError(errors.New("disk full"), "read", "p", "", 0))))
	assert.Equal(t, codes.Internal, status.Code(toStatus(assert.AnError)))
}
