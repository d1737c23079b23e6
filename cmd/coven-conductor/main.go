// ABOUTME: Entry point for the coven-conductor task orchestration server
// ABOUTME: Cobra commands to serve, decide plans, check health and mint tokens

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-conductor/internal/auth"
	"github.com/2389/coven-conductor/internal/config"
	"github.com/2389/coven-conductor/internal/control"
	"github.com/2389/coven-conductor/internal/gateway"
)

// version is overridden with -ldflags at build time.
var version = "dev"

const banner = `
                                                      _            _
  ___ _____   _____ _ __         ___ ___  _ __   __| |_   _  ___| |_ ___  _ __
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \| '_ \ / _' | | | |/ __| __/ _ \| '__|
| (_| (_) \ V /  __/ | | |_____| (_| (_) | | | | (_| | |_| | (__| || (_) | |
 \___\___/ \_/ \___|_| |_|      \___\___/|_| |_|\__,_|\__,_|\___|\__\___/|_|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "coven-conductor",
		Short: "Task orchestration for coven agents",
		Long: `coven-conductor launches agent tasks under per-class concurrency limits,
routes their progress to connected clients across processes, and holds
plans until an operator approves them.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML or TOML)")

	cmd.AddCommand(
		serveCmd(&configPath),
		decideCmd(&configPath),
		healthCmd(&configPath),
		cancelCmd(&configPath),
		tokenCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "coven-conductor version %s\n", version)
			},
		},
	)
	return cmd
}

// loadConfig reads the config from flag, env or the XDG default. A missing
// default file means built-in defaults; a missing explicit file is an error.
func loadConfig(flagPath string) (*config.Config, string, error) {
	path := flagPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if flagPath == "" && os.Getenv(config.EnvPath) == "" && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "", nil
	}
	return nil, path, fmt.Errorf("loading config: %w", err)
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the conductor server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, flagPath string) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, path, err := loadConfig(flagPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green.Print("    ▶ ")
	if path == "" {
		fmt.Print("Config:    ")
		yellow.Println("built-in defaults")
	} else {
		fmt.Printf("Config:    %s\n", path)
	}
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Broker:    %s\n", cfg.Broker.Kind)
	green.Print("    ▶ ")
	fmt.Printf("Slots:     %d per agent, %d total\n", cfg.Concurrency.MaxPerAgent, cfg.Concurrency.MaxTotal)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled")
	}
	fmt.Println()

	logger.Info("starting coven-conductor",
		"config", path,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	var opts []gateway.Option
	if path != "" {
		opts = append(opts, gateway.WithConfigPath(path))
	}
	gw, err := gateway.New(ctx, cfg, logger, opts...)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// baseURL returns the HTTP API address, using the flag when set.
func baseURL(addr string, cfg *config.Config) string {
	if addr == "" {
		addr = cfg.Server.HTTPAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func decideCmd(configPath *string) *cobra.Command {
	var (
		projectID string
		planID    string
		approve   bool
		reject    bool
		addr      string
		token     string
	)
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Approve or reject a pending plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if approve == reject {
				return errors.New("exactly one of --approve or --reject is required")
			}
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			body, err := json.Marshal(gateway.DecisionRequest{ProjectID: projectID, Approved: approve})
			if err != nil {
				return err
			}
			url := baseURL(addr, cfg) + "/api/plans/" + planID + "/decision"
			if err := postJSON(cmd.Context(), url, token, body); err != nil {
				return err
			}
			verdict := color.GreenString("approved")
			if reject {
				verdict = color.RedString("rejected")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s %s\n", planID, verdict)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Project the plan belongs to")
	cmd.Flags().StringVar(&planID, "plan", "", "Plan ID")
	cmd.Flags().BoolVar(&approve, "approve", false, "Approve the plan")
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject the plan")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP address (defaults to server.http_addr)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("COVEN_TOKEN"), "Bearer token")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func postJSON(ctx context.Context, url, token string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return fmt.Errorf("%s (status %d)", e.Error, resp.StatusCode)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

func healthCmd(configPath *string) *cobra.Command {
	var addr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check conductor health over HTTP and gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(addr, cfg)+"/health/ready", nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, body)
			}

			conn, err := dialGRPC(grpcAddr, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: control.ServiceName})
			if err != nil {
				return fmt.Errorf("gRPC health check failed: %w", err)
			}
			if hc.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("gRPC not serving: %s", hc.GetStatus())
			}

			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "healthy")
			fmt.Fprintf(cmd.OutOrStdout(), " - %s\n", body)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP address (defaults to server.http_addr)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC address (defaults to server.grpc_addr)")
	return cmd
}

func dialGRPC(addr string, cfg *config.Config) (*grpc.ClientConn, error) {
	if addr == "" {
		addr = cfg.Server.GRPCAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return conn, nil
}

type bearer string

func (b bearer) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(b)}, nil
}

func (bearer) RequireTransportSecurity() bool { return false }

func cancelCmd(configPath *string) *cobra.Command {
	var grpcAddr, token string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a running task over gRPC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if grpcAddr == "" {
				grpcAddr = cfg.Server.GRPCAddr
			}
			if strings.HasPrefix(grpcAddr, ":") {
				grpcAddr = "localhost" + grpcAddr
			}
			dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
			if token != "" {
				dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearer(token)))
			}
			conn, err := grpc.NewClient(grpcAddr, dialOpts...)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", grpcAddr, err)
			}
			defer conn.Close()

			t, err := control.NewClient(conn).Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s %s\n", t.ID, color.YellowString(string(t.Status)))
			return nil
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC address (defaults to server.grpc_addr)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("COVEN_TOKEN"), "Bearer token")
	return cmd
}

func tokenCmd(configPath *string) *cobra.Command {
	var (
		subject   string
		roles     []string
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT signed with auth.jwt_secret, for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, roles, expiresIn)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "Token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleOperator}, "Roles to grant")
	cmd.Flags().DurationVar(&expiresIn, "expires", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
