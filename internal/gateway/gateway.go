// ABOUTME: Gateway orchestrator that coordinates the HTTP API and gRPC health servers
// ABOUTME: Manages the store, execution service, listeners, and shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/coven-state/internal/auth"
	"github.com/2389/coven-state/internal/config"
	"github.com/2389/coven-state/internal/execution"
	"github.com/2389/coven-state/internal/executor"
	"github.com/2389/coven-state/internal/metrics"
	"github.com/2389/coven-state/internal/store"
)

// HealthService is the gRPC health service name reported while the store is reachable.
const HealthService = "coven.state"

const (
	storeWatchInterval = 15 * time.Second
	pingTimeout        = 2 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Gateway orchestrates the coven-state server components.
// It serves the thread state API over HTTP and a gRPC health service.
type Gateway struct {
	config      *config.Config
	store       store.Store
	service     *execution.Service
	grpcServer  *grpc.Server   // nil when no gRPC address is configured
	health      *health.Server // nil with grpcServer
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore opens the configured backend.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	s, err := store.Open(store.Options{
		Driver:      cfg.Database.Driver,
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
		Retries:     cfg.Store.Retries,
		PageSize:    cfg.Store.HistoryPageSize,
		Logger:      logger.With("component", "store"),
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates a gRPC server carrying only the standard health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	return server, hs
}

// createAuthMiddleware picks JWT or trusted-header tenancy based on config.
func createAuthMiddleware(cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	authLogger := logger.With("component", "auth")
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("jwt auth disabled - trusting tenant header", "header", cfg.Auth.TenantHeader)
		return auth.HTTPAuthMiddleware(nil, cfg.Auth.TenantHeader, authLogger), nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("jwt auth enabled")
	return auth.HTTPAuthMiddleware(verifier, "", authLogger), nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := executor.NewDefaultRegistry(executor.RemoteConfig{
		Timeout:      cfg.Execution.ExecutorTimeout,
		AllowedHosts: cfg.Execution.RemoteHosts,
	})
	svc, err := execution.New(s, registry, execution.Options{
		MaxAttempts:     cfg.Execution.MaxAttempts,
		ExecutorTimeout: cfg.Execution.ExecutorTimeout,
		CacheSize:       cfg.Assistants.CacheSize,
		CacheTTL:        cfg.Assistants.CacheTTL,
	}, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	authMiddleware, err := createAuthMiddleware(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw := &Gateway{
		config:  cfg,
		store:   s,
		service: svc,
		logger:  logger.With("component", "gateway"),
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.health = createGRPCServer()
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}

	// API endpoints - tenant required
	gw.registerAPIRoutes(mux, authMiddleware)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           instrument(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run opens the listeners, serves until ctx is canceled or a server fails,
// then shuts everything down. A canceled context is a clean exit.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.openListeners(ctx)
	if err != nil {
		return err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if g.health != nil {
		go g.watchStore(watchCtx, storeWatchInterval)
	}

	errCh := g.serve(ls)

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serveErr = <-errCh:
		g.logger.Error("server error", "error", serveErr)
	}
	stopWatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		return err
	}
	return serveErr
}

// serve starts one goroutine per listener. The returned channel yields the
// first server failure; later failures are logged and dropped.
func (g *Gateway) serve(ls *listenerSet) <-chan error {
	errCh := make(chan error, 1)
	report := func(err error) {
		select {
		case errCh <- err:
		default:
			g.logger.Error("additional server error", "error", err)
		}
	}

	if ls.grpc != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				report(fmt.Errorf("gRPC server: %w", err))
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", ls.http.Addr().String())
		if err := g.httpServer.Serve(ls.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			report(fmt.Errorf("HTTP server: %w", err))
		}
	}()

	return errCh
}

// watchStore keeps the gRPC health status in step with store reachability
// between readiness checks.
func (g *Gateway) watchStore(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.checkStore(ctx)
		}
	}
}

// checkStore pings the store and publishes the result to the health service.
func (g *Gateway) checkStore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	err := g.store.Ping(ctx)
	if g.health != nil {
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		g.health.SetServingStatus(HealthService, status)
	}
	return err
}

// Shutdown stops the servers, the tailnet node, and the store. Every step
// runs even when an earlier one fails.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	errs := []error{wrapClose("HTTP shutdown", g.httpServer.Shutdown(ctx))}

	if g.grpcServer != nil {
		g.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			g.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			g.grpcServer.Stop()
		}
	}

	if g.tsnetServer != nil {
		errs = append(errs, wrapClose("tailscale shutdown", g.tsnetServer.Close()))
	}
	errs = append(errs, wrapClose("store close", g.store.Close()))

	return errors.Join(errs...)
}

func wrapClose(label string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", label, err)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.checkStore(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
