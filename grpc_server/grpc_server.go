package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	reuseport "github.com/kavu/go_reuseport"
	"google.golang.org/grpc"

	"github.com/nci/pyramid/catalog"
	"github.com/nci/pyramid/grpc_server/tileservice"
	"github.com/nci/pyramid/metrics"
	"github.com/nci/pyramid/pyramid"
	"github.com/nci/pyramid/utils"
)

func main() {
	port := flag.Int("p", 6000, "gRPC server listening port.")
	poolSize := flag.Int("n", 8, "Maximum number of requests handled concurrently.")
	confFile := flag.String("conf", "", "JSON config file")
	driver := flag.String("driver", "sqlite", "catalog driver: postgres or sqlite")
	dsn := flag.String("dsn", "pyramid.db", "catalog data source name")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	config := &utils.Config{}
	var err error
	if len(*confFile) > 0 {
		err = config.LoadConfigFile(*confFile)
	} else {
		config.Catalog = utils.CatalogConfig{Driver: *driver, DSN: *dsn}
		config.ServiceConfig.GRPCAddress = fmt.Sprintf(":%d", *port)
		config.ServiceConfig.MaxConcurrency = *poolSize
		err = config.Validate()
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := catalog.Open(config.Catalog.Driver, config.Catalog.DSN)
	if err != nil {
		log.Fatalf("failed to open catalog: %v", err)
	}
	if *debug {
		db.Logger = log.New(os.Stdout, "catalog: ", log.Ldate|log.Ltime)
	}
	if err := db.Migrate(context.Background()); err != nil {
		log.Fatalf("failed to migrate catalog: %v", err)
	}
	if len(config.Memcache.Servers) > 0 {
		mc := pyramid.NewMemcacheTiles(config.Memcache.Servers...)
		mc.Expiration = config.Memcache.Expiration
		db.EnableTileCache(mc)
	}

	var logger metrics.Logger
	switch config.Metrics.LogDir {
	case "":
	case "-":
		logger = metrics.NewStdoutLogger()
	default:
		fl := metrics.NewFileLogger(config.Metrics.LogDir, config.Metrics.MaxLogFileSize, config.Metrics.MaxLogFiles, config.Metrics.Verbose)
		defer fl.Close()
		logger = fl
	}

	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(config.ServiceConfig.MaxGrpcRecvMsgSize),
		grpc.UnaryInterceptor(tileservice.MetricsInterceptor(logger)),
	)
	ts := tileservice.NewServer(db, config.ServiceConfig.MaxConcurrency)
	if *debug {
		ts.Log = log.New(os.Stdout, "tileservice: ", log.Ldate|log.Ltime)
	}
	tileservice.RegisterTileServiceServer(s, ts)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signals
		s.GracefulStop()
	}()

	lis, err := reuseport.Listen("tcp", config.ServiceConfig.GRPCAddress)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	log.Printf("serving %s catalog on %s", config.Catalog.Driver, config.ServiceConfig.GRPCAddress)
	if err := s.Serve(lis); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
	db.Close()
}
