package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/url"
	"time"

	"github.com/paulmach/orb/encoding/wkt"

	"github.com/nci/pyramid/referencing"
	"github.com/nci/pyramid/utils"
)

type URLInfo struct {
	RawURL string            `json:"raw_url"`
	Host   string            `json:"host"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query"`
}

// StoreInfo describes the pyramid work done for one request.
type StoreInfo struct {
	Duration   time.Duration `json:"duration"`
	Product    string        `json:"product"`
	Pyramid    string        `json:"pyramid"`
	Mosaic     string        `json:"mosaic"`
	Resolution float64       `json:"resolution"`
	// Envelope is logged in WGS84 as Geometry.
	Envelope     *referencing.Envelope `json:"-"`
	Geometry     string                `json:"geometry"`
	GeometryArea float64               `json:"geometry_area"`
	NumTiles     int                   `json:"num_tiles"`
	BytesRead    int64                 `json:"bytes_read"`
}

type RPCInfo struct {
	Duration  time.Duration `json:"duration"`
	Method    string        `json:"method"`
	BytesSent int64         `json:"bytes_sent"`
	Code      string        `json:"code"`
}

type MetricsInfo struct {
	ReqTime     string        `json:"req_time"`
	ReqDuration time.Duration `json:"req_duration"`
	URL         URLInfo       `json:"url"`
	RemoteAddr  string        `json:"remote_addr"`
	RemoteHost  string        `json:"remote_host"`
	RemotePort  string        `json:"remote_port"`
	HTTPStatus  int           `json:"http_status"`
	Store       *StoreInfo    `json:"store"`
	RPC         *RPCInfo      `json:"rpc"`
}

type MetricsCollector struct {
	Info   *MetricsInfo
	logger Logger
}

func NewMetricsCollector(logger Logger) *MetricsCollector {
	return &MetricsCollector{
		Info: &MetricsInfo{
			Store: &StoreInfo{},
			RPC:   &RPCInfo{},
		},
		logger: logger,
	}
}

func (m *MetricsCollector) Log() {
	if m.logger != nil {
		m.logger.Log(m.Info)
	}
}

func (i *MetricsInfo) ToJSON() (string, error) {
	i.normaliseNetworkAddr(i.RemoteAddr)
	if err := i.normaliseURL(&i.URL); err != nil {
		log.Printf("metrics: normaliseURL() error: %v", err)
	}
	if err := i.normaliseGeometry(); err != nil {
		log.Printf("metrics: normaliseGeometry() error: %v", err)
	}

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(i); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (i *MetricsInfo) normaliseNetworkAddr(addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		i.RemoteHost = host
		i.RemotePort = port
	} else {
		i.RemoteHost = addr
	}
}

func (i *MetricsInfo) normaliseURL(u *URLInfo) error {
	if len(u.RawURL) == 0 {
		return nil
	}
	r, err := url.Parse(u.RawURL)
	if err != nil {
		return err
	}

	u.Host = r.Host
	u.Path = r.Path
	query, err := utils.ParseQuery(r.RawQuery)
	if err != nil {
		return err
	}

	if u.Query == nil {
		u.Query = make(map[string]string)
	}
	for k, v := range query {
		switch len(v) {
		case 0:
			u.Query[k] = ""
		case 1:
			u.Query[k] = v[0]
		default:
			u.Query[k] = fmt.Sprintf("%v", v)
		}
	}
	return nil
}

func (i *MetricsInfo) normaliseGeometry() error {
	s := i.Store
	if s == nil {
		return nil
	}
	if s.Envelope == nil {
		if len(s.Geometry) == 0 {
			s.Geometry = "POLYGON EMPTY"
		}
		return nil
	}

	env, err := referencing.OrbTransformer{}.Transform(*s.Envelope, referencing.WGS84)
	if err != nil {
		s.Geometry = "POLYGON EMPTY"
		return fmt.Errorf("failed to transform %v: %v", s.Envelope, err)
	}
	s.Geometry = wkt.MarshalString(env.Bound.ToPolygon())
	s.GeometryArea = env.Width() * env.Height()
	return nil
}
