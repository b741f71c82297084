// ABOUTME: Entry point for the coven-state thread checkpoint server
// ABOUTME: Provides serve, init, token, and health subcommands

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-state/internal/auth"
	"github.com/2389/coven-state/internal/config"
	"github.com/2389/coven-state/internal/gateway"
	"github.com/2389/coven-state/internal/keyspace"
	"github.com/2389/coven-state/internal/tracing"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                              _        _
  ___ _____   _____ _ __        ___| |_ __ _| |_ ___
 / __/ _ \ \ / / _ \ '_ \ _____/ __| __/ _' | __/ _ \
| (_| (_) \ V /  __/ | | |_____\__ \ || (_| | ||  __/
 \___\___/ \_/ \___|_| |_|     |___/\__\__,_|\__\___|
`

// defaultTokenTTL applies when token is called without --ttl.
const defaultTokenTTL = 24 * time.Hour

// getDataPath returns the directory holding the state database.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-state <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                          Start the state server")
		fmt.Println("  init                           Write a starter config file")
		fmt.Println("  token --tenant ID [--ttl 24h]  Mint a tenant JWT")
		fmt.Println("  health                         Check server readiness")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(config.DefaultPath(), getDataPath())
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	if cfg.Auth.JWTSecret != "" {
		fmt.Println("Auth:      jwt")
	} else {
		fmt.Print("Auth:      header ")
		yellow.Println(cfg.Auth.TenantHeader)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-state",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"driver", cfg.Database.Driver,
	)

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:  cfg.Tracing.Enabled,
		Endpoint: cfg.Tracing.Endpoint,
		Insecure: cfg.Tracing.Insecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runInit writes a starter config with a random JWT secret. An existing
// config is left untouched.
func runInit(configPath, dataPath string) error {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("  Config already exists: %s\n", configPath)
		return nil
	}

	secretBytes := make([]byte, auth.MinSecretLength)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "state.db")
	if err := os.WriteFile(configPath, []byte(starterConfig(dbPath, jwtSecret)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Database:       %s\n", dbPath)
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    coven-state token --tenant <id>   # mint a client token")
	fmt.Println("    coven-state serve                 # start the server")
	fmt.Println()
	return nil
}

func starterConfig(dbPath, jwtSecret string) string {
	return fmt.Sprintf(`# coven-state configuration
# Generated by coven-state init

server:
  http_addr: "localhost:8080"
  grpc_addr: "localhost:50051"

database:
  driver: "sqlite"
  path: %q
  busy_timeout: "5s"

auth:
  jwt_secret: %q

execution:
  max_attempts: 4
  executor_timeout: "30s"
  remote_hosts: []

store:
  retries: 5
  history_page_size: 50

assistants:
  cache_size: 256
  cache_ttl: "30s"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"

tracing:
  enabled: false
  endpoint: "localhost:4318"
  insecure: true
`, dbPath, jwtSecret)
}

// tokenArgs holds the parsed flags of the token subcommand.
type tokenArgs struct {
	tenant string
	ttl    time.Duration
}

// parseTokenArgs accepts both "--flag value" and "--flag=value" forms.
func parseTokenArgs(args []string) (tokenArgs, error) {
	parsed := tokenArgs{ttl: defaultTokenTTL}
	var ttlRaw string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--tenant" || arg == "-t":
			if i+1 >= len(args) {
				return parsed, fmt.Errorf("--tenant requires a value")
			}
			parsed.tenant = args[i+1]
			i++
		case strings.HasPrefix(arg, "--tenant="):
			parsed.tenant = strings.TrimPrefix(arg, "--tenant=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return parsed, fmt.Errorf("--ttl requires a value")
			}
			ttlRaw = args[i+1]
			i++
		case strings.HasPrefix(arg, "--ttl="):
			ttlRaw = strings.TrimPrefix(arg, "--ttl=")
		case strings.HasPrefix(arg, "-"):
			return parsed, fmt.Errorf("unknown flag: %s", arg)
		default:
			return parsed, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if parsed.tenant == "" {
		return parsed, fmt.Errorf("--tenant flag is required")
	}
	if err := keyspace.ValidateTenant(parsed.tenant); err != nil {
		return parsed, err
	}

	if ttlRaw != "" {
		ttl, err := time.ParseDuration(ttlRaw)
		if err != nil {
			return parsed, fmt.Errorf("invalid --ttl: %w", err)
		}
		if ttl <= 0 {
			return parsed, fmt.Errorf("--ttl must be positive")
		}
		parsed.ttl = ttl
	}

	return parsed, nil
}

func runToken(args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	token, err := verifier.Generate(parsed.tenant, parsed.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
