// Command facetd serves the multi-facet conversation evaluation API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/convoscore/go-facet/infrastructure/catalog"
	"github.com/convoscore/go-facet/infrastructure/confidence"
	"github.com/convoscore/go-facet/infrastructure/httpapi"
	"github.com/convoscore/go-facet/infrastructure/inference"
	"github.com/convoscore/go-facet/infrastructure/middleware"
	"github.com/convoscore/go-facet/infrastructure/prompt"
	"github.com/convoscore/go-facet/infrastructure/storage"
	"github.com/convoscore/go-facet/internal/application"
	"github.com/convoscore/go-facet/internal/ports"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "Path to the YAML configuration file")
		devLogging = flag.Bool("dev", false, "Use human-readable development logging")
	)
	flag.Parse()

	// Optional; secrets referenced as ${VAR} in the config come from the
	// environment.
	_ = godotenv.Load()

	logger, err := newLogger(*devLogging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("facetd failed", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := application.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	facetCatalog, err := catalog.NewFromFile(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	logger.Info("facet catalog loaded",
		zap.String("path", cfg.Catalog.Path),
		zap.Int("facets", facetCatalog.Len()))

	metrics := middleware.NewPrometheusMetrics(nil)

	inferenceSvc, err := inference.NewService(cfg.Inference, logger, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = inferenceSvc.Close() }()
	inferenceSvc.StartJanitor()

	estTokens, err := inference.NewCachingTokenEstimator(inference.NewWordTokenEstimator(0), 4096)
	if err != nil {
		return err
	}
	builder, err := prompt.NewBuilder(cfg.Prompt, estTokens)
	if err != nil {
		return err
	}

	estimator, err := confidence.New(cfg.Confidence)
	if err != nil {
		return err
	}

	var store ports.ResultStore = storage.NoopStore{}
	if cfg.Storage.DSN != "" {
		pgStore, err := storage.NewPostgresStore(ctx, cfg.Storage, logger)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store = pgStore
	}

	engine, err := application.NewEngine(cfg.Engine,
		facetCatalog, inferenceSvc, builder, estimator, store, metrics, logger)
	if err != nil {
		return err
	}

	api := httpapi.NewServer(engine, facetCatalog, inferenceSvc, logger, httpapi.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
