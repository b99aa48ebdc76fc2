package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/target/mmk-queue/config"
	httpx "github.com/target/mmk-queue/internal/http"
	"github.com/target/mmk-queue/internal/service"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config   config.HTTPConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// NewHTTPServer builds the JSON API server. It does not start listening.
func NewHTTPServer(cfg HTTPServerConfig) *http.Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler := httpx.NewRouter(httpx.RouterServices{
		Queue:  cfg.Services.Queue,
		Status: cfg.Services.Status,
		Logger: logger,
	})

	// Guard against empty addr to avoid listening on Go default
	addr := cfg.Config.Addr
	if addr == "" {
		addr = ":8080"
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       cfg.Config.ReadTimeout,
		ReadHeaderTimeout: cfg.Config.ReadTimeout,
		WriteTimeout:      cfg.Config.WriteTimeout,
		IdleTimeout:       2 * cfg.Config.WriteTimeout,
	}
}

// apiRuntime serves the JSON API as an app-kind daemon: registered with its routing
// endpoint while serving, endpoint cleared on exit.
type apiRuntime struct {
	server    *http.Server
	heartbeat *service.HeartbeatService
	httpCfg   config.HTTPConfig
	logger    *slog.Logger
}

// run binds the listener, registers the daemon and serves until ctx is canceled, a halt is
// requested or the server fails. Returns ErrHalted on halt.
func (a *apiRuntime) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	if err := a.heartbeat.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("api startup: %w", err), ln.Close())
	}

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()

	served := make(chan error, 1)
	go func() {
		a.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		err := a.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			a.logger.Error("HTTP server failed", "error", err)
		}
		// a dead server must not keep advertising itself
		stop()
		served <- err
	}()

	runErr := a.heartbeat.Run(hbCtx)

	bg := context.WithoutCancel(ctx)
	if err := a.heartbeat.Shutdown(bg); err != nil {
		a.logger.Error("enter shutdown phase", "error", err)
	}
	shutdownErr := shutdownHTTPServer(bg, a.server, a.httpCfg, a.logger)
	serveErr := <-served
	if err := a.heartbeat.Exit(bg); err != nil {
		a.logger.Error("api exit", "error", err)
	}
	if serveErr == nil && shutdownErr == nil {
		return runErr
	}
	return errors.Join(runErr, serveErr, shutdownErr)
}

// shutdownHTTPServer gracefully shuts down the HTTP server.
func shutdownHTTPServer(ctx context.Context, server *http.Server, cfg config.HTTPConfig, logger *slog.Logger) error {
	if server == nil {
		return nil
	}

	logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	logger.Info("HTTP server stopped")
	return nil
}
