// ABOUTME: Tests for the Gateway orchestrator lifecycle and health endpoints
// ABOUTME: Runs real HTTP and gRPC listeners on loopback ports

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-state/internal/config"
)

// freeAddr returns a loopback address with an available port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			Path:        filepath.Join(t.TempDir(), "state.db"),
			BusyTimeout: 5 * time.Second,
		},
		Auth: config.AuthConfig{
			TenantHeader: "X-Tenant-ID",
		},
		Execution: config.ExecutionConfig{
			MaxAttempts:     4,
			ExecutorTimeout: 5 * time.Second,
		},
		Store: config.StoreConfig{
			Retries:         3,
			HistoryPageSize: 2,
		},
		Assistants: config.AssistantsConfig{
			CacheSize: 16,
			CacheTTL:  time.Minute,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runGateway starts gw in the background and waits for the HTTP port.
func runGateway(t *testing.T, gw *Gateway, cfg *config.Config) {
	t.Helper()
	go func() {
		_ = gw.Run(t.Context())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", cfg.Server.HTTPAddr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway did not start listening")
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.store == nil {
		t.Error("store should not be nil")
	}
	if gw.service == nil {
		t.Error("service should not be nil")
	}
	if gw.grpcServer == nil {
		t.Error("grpcServer should not be nil when grpc_addr is set")
	}
}

func TestGatewayNew_WithoutGRPC(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = ""

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.grpcServer != nil {
		t.Error("grpcServer should be nil without grpc_addr")
	}
}

func TestGatewayNew_ShortJWTSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "too-short"

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("New() should fail with a short jwt secret")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestHealthEndpoints(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	runGateway(t, gw, cfg)

	for _, path := range []string{"/health", "/health/ready"} {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + path)
		if err != nil {
			t.Fatalf("%s request failed: %v", path, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	runGateway(t, gw, cfg)

	// Generate one API request so the HTTP collectors have a sample.
	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/threads")
	if err != nil {
		t.Fatalf("threads request failed: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get("http://" + cfg.Server.HTTPAddr + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !containsAll(string(body), "coven_state_http_requests_total", `route="/threads"`) {
		t.Errorf("metrics output missing http request counter:\n%s", body)
	}
}

func TestGRPCHealth(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	runGateway(t, gw, cfg)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient() failed: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health status = %v, want SERVING", resp.GetStatus())
	}
}

func TestReadyEndpoint_StoreClosed(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if err := gw.store.Close(); err != nil {
		t.Fatalf("closing store: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := newRecorder()
	gw.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatalf("health Check() failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("health status = %v, want NOT_SERVING", resp.GetStatus())
	}
}

func TestWatchStore_FlipsHealth(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.watchStore(ctx, 10*time.Millisecond)

	if err := gw.store.Close(); err != nil {
		t.Fatalf("closing store: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := gw.health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("health status never left SERVING after the store closed")
}

func TestTailscaleStateDir(t *testing.T) {
	got, err := tailscaleStateDir("/var/lib/ts")
	if err != nil || got != "/var/lib/ts" {
		t.Errorf("tailscaleStateDir(configured) = %q, %v", got, err)
	}

	t.Setenv("HOME", "/home/tester")
	got, err = tailscaleStateDir("")
	if err != nil {
		t.Fatalf("tailscaleStateDir(\"\") error = %v", err)
	}
	want := filepath.Join("/home/tester", ".local", "share", "coven-state", "tailscale")
	if got != want {
		t.Errorf("tailscaleStateDir(\"\") = %q, want %q", got, want)
	}
}

func TestOpenTCPListeners_HTTPPortBusy(t *testing.T) {
	cfg := testConfig(t)
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	cfg.Server.HTTPAddr = busy.Addr().String()

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if _, err := gw.openTCPListeners(); err == nil {
		t.Fatal("openTCPListeners() should fail when the HTTP port is taken")
	}

	// The gRPC listener opened first must have been released.
	ln, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		t.Fatalf("gRPC port still held after failure: %v", err)
	}
	ln.Close()
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"":                         "unmatched",
		"GET /threads/{tid}/state": "/threads/{tid}/state",
		"/health":                  "/health",
		"DELETE /threads/{tid}":    "/threads/{tid}",
		"PUT /assistants/{aid}":    "/assistants/{aid}",
	}
	for pattern, want := range tests {
		if got := routeLabel(pattern); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", pattern, got, want)
		}
	}
}
