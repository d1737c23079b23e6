// ABOUTME: Joins the tailnet with tsnet and opens the conductor's gRPC and HTTP listeners on it
// ABOUTME: Ports follow server.grpc_addr and server.http_addr; node state lives under the state dir

package gateway

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-conductor/internal/config"
)

// envTailscaleAuthKey is read when tailscale.auth_key is empty.
const envTailscaleAuthKey = "TS_AUTHKEY"

// tailnetPlan is everything needed to bring a node up, resolved from config
// before any network activity.
type tailnetPlan struct {
	hostname  string
	stateDir  string
	authKey   string
	grpcPort  string
	httpPort  string
	ephemeral bool
}

func planTailnet(ts config.TailscaleConfig, srv config.ServerConfig) (tailnetPlan, error) {
	p := tailnetPlan{
		hostname:  ts.Hostname,
		ephemeral: ts.Ephemeral,
		grpcPort:  portOf(srv.GRPCAddr, "50051"),
		httpPort:  portOf(srv.HTTPAddr, "80"),
	}

	p.stateDir = ts.StateDir
	if p.stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return p, fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
		}
		p.stateDir = filepath.Join(home, ".local", "share", "coven-conductor", "tailscale")
	}

	p.authKey = cmp.Or(ts.AuthKey, os.Getenv(envTailscaleAuthKey))
	if p.authKey == "" {
		return p, fmt.Errorf("tailscale.auth_key or %s is required", envTailscaleAuthKey)
	}
	return p, nil
}

// portOf extracts the port of a host:port address, or returns fallback.
func portOf(addr, fallback string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" && port != "0" {
		return port
	}
	return fallback
}

// setupTailscaleListeners starts the tsnet node and listens for gRPC and HTTP
// on the tailnet address only.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	p, err := planTailnet(g.config.Tailscale, g.config.Server)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(p.stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	tsLogger := g.logger.With("component", "tsnet")
	srv := &tsnet.Server{
		Hostname:  p.hostname,
		Dir:       p.stateDir,
		AuthKey:   p.authKey,
		Ephemeral: p.ephemeral,
		Logf: func(format string, args ...any) {
			if tsLogger.Enabled(ctx, slog.LevelDebug) {
				tsLogger.Debug(fmt.Sprintf(format, args...))
			}
		},
	}

	g.logger.Info("joining tailnet", "hostname", p.hostname, "ephemeral", p.ephemeral)
	status, err := srv.Up(ctx)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("tailscale up: %w", err), srv.Close())
	}

	grpcLn, err = srv.Listen("tcp", ":"+p.grpcPort)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("tailnet gRPC listener: %w", err), srv.Close())
	}
	httpLn, err = srv.Listen("tcp", ":"+p.httpPort)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("tailnet HTTP listener: %w", err), grpcLn.Close(), srv.Close())
	}

	g.tsnetServer = srv
	g.logger.Info("tailnet listeners ready", append(nodeAttrs(status),
		"grpc_port", p.grpcPort, "http_port", p.httpPort)...)
	return grpcLn, httpLn, nil
}

func nodeAttrs(status *ipnstate.Status) []any {
	attrs := make([]any, 0, 4)
	if status == nil {
		return attrs
	}
	if len(status.TailscaleIPs) > 0 {
		attrs = append(attrs, "tailscale_ip", status.TailscaleIPs[0].String())
	}
	if status.Self != nil {
		attrs = append(attrs, "dns_name", status.Self.DNSName)
	}
	return attrs
}
