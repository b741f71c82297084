// ABOUTME: Listener setup for the gateway on plain TCP or a Tailscale tsnet node
// ABOUTME: Tailnet mode serves HTTP on :80, HTTPS on :443, or public Funnel

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// Fixed ports on the tailnet node; server.* addresses do not apply there.
const (
	tailnetGRPCAddr  = ":50051"
	tailnetHTTPAddr  = ":80"
	tailnetHTTPSAddr = ":443"
)

// listenerSet holds the sockets Run serves on. grpc is nil when the gRPC
// health server is disabled.
type listenerSet struct {
	grpc net.Listener
	http net.Listener
}

func (ls *listenerSet) close() {
	for _, ln := range []net.Listener{ls.grpc, ls.http} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// openListeners returns tailnet listeners when tailscale is enabled and TCP
// listeners otherwise.
func (g *Gateway) openListeners(ctx context.Context) (*listenerSet, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", g.config.Server.GRPCAddr,
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.openTailnetListeners(ctx)
	}
	return g.openTCPListeners()
}

func (g *Gateway) openTCPListeners() (_ *listenerSet, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	ls := &listenerSet{}
	defer func() {
		if err != nil {
			ls.close()
		}
	}()

	if g.grpcServer != nil {
		if ls.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr); err != nil {
			return nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	if ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr); err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ls, nil
}

// openTailnetListeners brings up a tsnet node and listens on it. On failure
// the node and any opened listener are closed.
func (g *Gateway) openTailnetListeners(ctx context.Context) (_ *listenerSet, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := tailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}

	node := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	ls := &listenerSet{}
	defer func() {
		if err != nil {
			ls.close()
			_ = node.Close()
		}
	}()

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := node.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailnetStatus(tsCfg.Hostname, status)

	if g.grpcServer != nil {
		if ls.grpc, err = node.Listen("tcp", tailnetGRPCAddr); err != nil {
			return nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}

	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on " + tailnetHTTPSAddr)
		ls.http, err = node.ListenFunnel("tcp", tailnetHTTPSAddr)
	case tsCfg.HTTPS:
		ls.http, err = listenTailnetTLS(node)
	default:
		ls.http, err = node.Listen("tcp", tailnetHTTPAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	g.tsnetServer = node
	return ls, nil
}

// listenTailnetTLS serves TLS with certificates provisioned by the tailnet.
func listenTailnetTLS(node *tsnet.Server) (net.Listener, error) {
	lc, err := node.LocalClient()
	if err != nil {
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	ln, err := node.Listen("tcp", tailnetHTTPSAddr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

func (g *Gateway) logTailnetStatus(hostname string, status *ipnstate.Status) {
	var addr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		addr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", addr, "dns_name", dnsName)
}

// tailscaleStateDir defaults to ~/.local/share/coven-state/tailscale.
func tailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(home, ".local", "share", "coven-state", "tailscale"), nil
}
