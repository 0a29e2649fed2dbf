package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/arcoscribe/server/cmd/api/api"
	"github.com/arcoscribe/server/cmd/config"
	"github.com/arcoscribe/server/lib/capture"
	"github.com/arcoscribe/server/lib/concat"
	"github.com/arcoscribe/server/lib/lifecycle"
	"github.com/arcoscribe/server/lib/logger"
	"github.com/arcoscribe/server/lib/store"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	config, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("server configuration", "config", config)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ensure the capture binaries are available
	mustBinary(config.PathToFFmpeg)
	mustBinary(config.PathToFFprobe)

	if err := os.MkdirAll(config.OutputDir, 0755); err != nil {
		slogger.Error("failed to create output directory", "err", err, "dir", config.OutputDir)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)

	defaultParams := capture.Params{
		InputFormat:  &config.InputFormat,
		Device:       &config.Device,
		SampleRate:   &config.SampleRate,
		Channels:     &config.Channels,
		AudioBitrate: &config.AudioBitrate,
		OutputDir:    &config.OutputDir,
	}
	if err := defaultParams.Validate(); err != nil {
		slogger.Error("invalid default capture parameters", "err", err)
		os.Exit(1)
	}

	catalog, err := store.Open(config.DBPath)
	if err != nil {
		slogger.Error("failed to open recordings catalog", "err", err)
		os.Exit(1)
	}

	var controller lifecycle.Controller = lifecycle.NewNoopController()
	if config.SuspendControlFile != "" {
		controller = lifecycle.NewFileController(config.SuspendControlFile)
	}

	apiService, err := api.New(api.Options{
		OutputDir:          config.OutputDir,
		MaxSegmentDuration: config.MaxSegmentDuration,
		ProgressInterval:   config.ProgressInterval,
		DefaultParams:      defaultParams,
		NewFactory: func(p capture.Params) (capture.Factory, error) {
			return capture.NewFFmpegFactory(config.PathToFFmpeg, config.PathToFFprobe, p)
		},
		Joiner: concat.NewFFmpegConcatenator(config.PathToFFmpeg, config.PathToFFprobe, concat.DefaultTolerance),
		NewGuard: func() *lifecycle.Guard {
			return lifecycle.NewGuard(controller, config.GuardMaxHold)
		},
		Catalog: catalog,
	})
	if err != nil {
		slogger.Error("failed to build api service", "err", err)
		os.Exit(1)
	}
	apiService.Routes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}

	go func() {
		slogger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	// graceful shutdown: active sessions are stopped and cataloged
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	shutdownCtx := logger.AddToContext(context.Background(), slogger)
	g, _ := errgroup.WithContext(shutdownCtx)

	g.Go(func() error {
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error {
		return apiService.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
	}
}

func mustBinary(path string) {
	cmd := exec.Command(path, "-version")
	if err := cmd.Run(); err != nil {
		panic(fmt.Errorf("%s not found or not executable: %w", path, err))
	}
}
