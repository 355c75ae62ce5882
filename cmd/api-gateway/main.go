package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/upb/microapp-gateway/app"
	"github.com/upb/microapp-gateway/config"
	"github.com/upb/microapp-gateway/internal/observability"
	"github.com/upb/microapp-gateway/routes"
)

// listen opens the server sockets; tests replace it to observe binding
var listen = net.Listen

func main() {
	os.Exit(run(context.Background()))
}

// run boots the gateway and serves until ctx is done or a signal arrives.
// Every bootstrap step completes before any socket is opened.
func run(ctx context.Context) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting microapp gateway", zap.Stringer("config", cfg))

	metrics := observability.NewMetrics()
	deps, err := app.NewDependencies(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := deps.Close(closeCtx); err != nil {
			logger.Error("failed to close dependencies", zap.Error(err))
		}
	}()

	if err := serve(ctx, deps); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return 1
	}

	logger.Info("microapp gateway stopped")
	return 0
}

// serve runs the API server and, when enabled, the metrics server until ctx
// is done, then shuts both down gracefully.
func serve(ctx context.Context, deps *app.Dependencies) error {
	cfg := deps.Config
	logger := deps.Logger

	servers := []*http.Server{{
		Addr:         cfg.Server.Address(),
		Handler:      routes.SetupRoutes(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     zap.NewStdLog(logger.Named("http")),
	}}
	if cfg.Observability.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", deps.Metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Observability.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := listen("tcp", srv.Addr)
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
	}

	serverErrors := make(chan error, len(servers))
	for i, srv := range servers {
		go func(srv *http.Server, ln net.Listener, tls bool) {
			logger.Info("server listening", zap.String("addr", ln.Addr().String()), zap.Bool("tls", tls))

			var err error
			if tls {
				err = srv.ServeTLS(ln, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			} else {
				err = srv.Serve(ln)
			}
			if !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- err
			}
		}(srv, listeners[i], i == 0 && cfg.Server.TLS.Enabled)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-serverErrors:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			serveErr = errors.Join(serveErr, fmt.Errorf("graceful shutdown of %s failed: %w", srv.Addr, err))
		}
	}
	return serveErr
}
