// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/akhenakh/topocorrect/geotiff"
	applog "github.com/akhenakh/topocorrect/logging"
	"github.com/akhenakh/topocorrect/topocorrection"
)

const (
	appName     = "topocorrect-service"
	serviceName = "topocorrect.v1.CorrectionService"
)

var (
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpAPIServer     *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel          string  `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort          int     `env:"HTTP_PORT" envDefault:"8080"`
	HealthPort        int     `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort   int     `env:"METRICS_PORT" envDefault:"8888"`
	CacheMaxSize      int64   `env:"CACHE_MAX_SIZE" envDefault:"0"`
	CacheItemsToPrune uint32  `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"16"`
	WorkDir           string  `env:"WORK_DIR"`
	DataDir           string  `env:"DATA_DIR" envDefault:"."`
	MaxConcurrentJobs int64   `env:"MAX_CONCURRENT_JOBS" envDefault:"2"`
	DefaultNoData     float64 `env:"DEFAULT_NODATA" envDefault:"0"`
	CompressOutput    bool    `env:"COMPRESS_OUTPUT" envDefault:"true"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := applog.New(cfg.LogLevel, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	metrics := topocorrection.NewMetrics(prometheus.DefaultRegisterer)
	prometheus.MustRegister(grpcMetrics)

	runner := newRunner(cfg, logger, metrics)
	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// HTTP API Server
	g.Go(func() error {
		return startHTTPAPIServer(ctx, logger, cfg, runner)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpAPIServer != nil {
		if err := httpAPIServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP API server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func newRunner(cfg Config, logger *slog.Logger, metrics *topocorrection.Metrics) *topocorrection.Runner {
	logger.Info("configuring block cache", "max_size", cfg.CacheMaxSize, "items_to_prune", cfg.CacheItemsToPrune)
	compression := uint16(geotiff.Uncompressed)
	if cfg.CompressOutput {
		compression = geotiff.DEFLATE
	}
	return &topocorrection.Runner{
		Registry: topocorrection.DefaultRegistry(),
		Opener: geotiff.Opener{
			CacheSize:    cfg.CacheMaxSize,
			ItemsToPrune: cfg.CacheItemsToPrune,
			Logger:       logger,
		},
		WorkDir:     cfg.WorkDir,
		NoData:      cfg.DefaultNoData,
		Compression: compression,
		Logger:      logger,
		Metrics:     metrics,
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.FinishCall)}
	grpcHealthServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(
				InterceptorLogger(logger),
				lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			grpcMetrics.StreamServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	reflection.Register(grpcHealthServer) // Enable reflection for tools like grpcurl
	grpcMetrics.InitializeMetrics(grpcHealthServer)

	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startHTTPAPIServer(ctx context.Context, logger *slog.Logger, cfg Config, runner *topocorrection.Runner) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	api := &API{
		runner:  runner,
		jobs:    semaphore.NewWeighted(max(cfg.MaxConcurrentJobs, 1)),
		dataDir: cfg.DataDir,
		logger:  logger,
	}

	httpAPIServer = &http.Server{
		Addr:        addr,
		Handler:     api.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	logger.Info("HTTP API server listening", "address", addr, "max_concurrent_jobs", cfg.MaxConcurrentJobs, "data_dir", cfg.DataDir)

	if err := httpAPIServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP API server failed: %w", err)
	}
	return nil
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
