package utils

import (
	"fmt"
	"image/color"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type ServiceConfig struct {
	Hostname           string `json:"hostname" mapstructure:"hostname"`
	APIAddress         string `json:"api_address" mapstructure:"api_address"`
	GRPCAddress        string `json:"grpc_address" mapstructure:"grpc_address"`
	MaxGrpcRecvMsgSize int    `json:"max_grpc_recv_msg_size" mapstructure:"max_grpc_recv_msg_size"`
	// MaxConcurrency bounds the number of requests decoding tiles at once.
	MaxConcurrency int `json:"max_concurrency" mapstructure:"max_concurrency"`
}

// CatalogConfig selects the database holding products and tiles. Driver
// is "postgres" or "sqlite".
type CatalogConfig struct {
	Driver string `json:"driver" mapstructure:"driver"`
	DSN    string `json:"dsn" mapstructure:"dsn"`
}

type MemcacheConfig struct {
	Servers []string `json:"servers" mapstructure:"servers"`
	// Expiration in seconds of cached tiles and responses.
	Expiration int32 `json:"expiration" mapstructure:"expiration"`
}

type MetricsConfig struct {
	LogDir string `json:"log_dir" mapstructure:"log_dir"`
	// MaxLogFileSize in megabytes.
	MaxLogFileSize int  `json:"max_log_file_size" mapstructure:"max_log_file_size"`
	MaxLogFiles    int  `json:"max_log_files" mapstructure:"max_log_files"`
	Verbose        bool `json:"verbose" mapstructure:"verbose"`
}

type Palette struct {
	Interpolate bool         `json:"interpolate" mapstructure:"interpolate"`
	Colours     []color.RGBA `json:"colours" mapstructure:"colours"`
}

// ProductStyle holds the rendering options of one product preview.
type ProductStyle struct {
	Product string   `json:"product" mapstructure:"product"`
	Band    int      `json:"band" mapstructure:"band"`
	Palette *Palette `json:"palette" mapstructure:"palette"`
	// ClipValue overrides the upper bound of the band measurement range.
	ClipValue float64 `json:"clip_value" mapstructure:"clip_value"`
}

// Config is the configuration shared by the API server, the tile RPC
// server, the crawler and the admin tool.
type Config struct {
	ServiceConfig ServiceConfig  `json:"service_config" mapstructure:"service_config"`
	Catalog       CatalogConfig  `json:"catalog" mapstructure:"catalog"`
	Memcache      MemcacheConfig `json:"memcache" mapstructure:"memcache"`
	Metrics       MetricsConfig  `json:"metrics" mapstructure:"metrics"`
	Styles        []ProductStyle `json:"styles" mapstructure:"styles"`
}

const DefaultRecvMsgSize = 10 * 1024 * 1024
const DefaultAPIAddress = ":8888"
const DefaultGRPCAddress = ":6000"

// DefaultCacheExpiration is the memcache item lifetime in seconds.
const DefaultCacheExpiration = 3600

// Style returns the rendering options of product, nil when it has none.
func (config *Config) Style(product string) *ProductStyle {
	for i := range config.Styles {
		if config.Styles[i].Product == product {
			return &config.Styles[i]
		}
	}
	return nil
}

// Validate fills defaults and checks the values a server cannot start
// without.
func (config *Config) Validate() error {
	sc := &config.ServiceConfig
	if len(sc.APIAddress) == 0 {
		sc.APIAddress = DefaultAPIAddress
	}
	if len(sc.GRPCAddress) == 0 {
		sc.GRPCAddress = DefaultGRPCAddress
	}
	if sc.MaxGrpcRecvMsgSize <= 0 {
		sc.MaxGrpcRecvMsgSize = DefaultRecvMsgSize
	}
	if config.Memcache.Expiration <= 0 {
		config.Memcache.Expiration = DefaultCacheExpiration
	}

	switch strings.ToLower(config.Catalog.Driver) {
	case "":
		config.Catalog.Driver = "sqlite"
	case "postgres", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unsupported catalog driver: %s", config.Catalog.Driver)
	}
	if len(config.Catalog.DSN) == 0 {
		return fmt.Errorf("catalog dsn is required")
	}

	for _, s := range config.Styles {
		if s.Palette != nil && s.Palette.Colours != nil && len(s.Palette.Colours) < 2 {
			return fmt.Errorf("the colour palette of %s must contain at least 2 colours", s.Product)
		}
	}
	return nil
}

// ConfigDecodeHook converts the string forms accepted in config
// documents and environment variables: "#rrggbb" colours and comma
// separated lists.
func ConfigDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		StringToColourHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// DecodeConfig unmarshals the settings held by v and validates them.
func DecodeConfig(v *viper.Viper, config *Config) error {
	if err := v.Unmarshal(config, viper.DecodeHook(ConfigDecodeHook())); err != nil {
		return fmt.Errorf("Error at decoding config document: %v", err)
	}
	return config.Validate()
}

// LoadConfigFile reads and validates a JSON or YAML config document.
func (config *Config) LoadConfigFile(configFile string) error {
	*config = Config{}
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("Error while reading config file: %s. Error: %v", configFile, err)
	}
	return DecodeConfig(v, config)
}

// WatchConfig reloads configFile into current on SIGHUP. A document that
// fails to load leaves current untouched.
func WatchConfig(infoLog, errLog *log.Logger, configFile string, current *atomic.Pointer[Config]) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			infoLog.Println("Caught SIGHUP, reloading config...")
			config := &Config{}
			if err := config.LoadConfigFile(configFile); err != nil {
				errLog.Printf("Error in loading config file: %v\n", err)
				continue
			}
			current.Store(config)
		}
	}()
}
