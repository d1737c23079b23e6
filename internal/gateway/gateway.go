// ABOUTME: Gateway orchestrator that wires every conductor component from config
// ABOUTME: Owns the gRPC and HTTP servers, the broadcast subscriber and the config watcher

package gateway

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/coven-conductor/internal/admission"
	"github.com/2389/coven-conductor/internal/agent"
	"github.com/2389/coven-conductor/internal/approval"
	"github.com/2389/coven-conductor/internal/auth"
	"github.com/2389/coven-conductor/internal/broadcast"
	"github.com/2389/coven-conductor/internal/config"
	"github.com/2389/coven-conductor/internal/control"
	"github.com/2389/coven-conductor/internal/dedupe"
	"github.com/2389/coven-conductor/internal/eventbus"
	"github.com/2389/coven-conductor/internal/hub"
	"github.com/2389/coven-conductor/internal/metrics"
	"github.com/2389/coven-conductor/internal/runloop"
	"github.com/2389/coven-conductor/internal/store"
	"github.com/2389/coven-conductor/internal/task"
)

// Gateway owns one conductor process.
type Gateway struct {
	config    *config.Config
	processID string
	// base carries process_id and is handed to every component.
	base    *slog.Logger
	logger  *slog.Logger
	metrics *metrics.Metrics

	store     store.Store
	ownsStore bool
	channel   eventbus.Channel
	hub       *hub.Registry
	router    *broadcast.Router
	seen      *dedupe.Cache
	admission *admission.Controller
	notifier  *task.Notifier
	registry  *task.Registry
	gate      *approval.Gate
	runner    *runloop.Runner
	service   *control.Service
	verifier  auth.TokenVerifier

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	stopSubscriber context.CancelFunc
	// seenPrune is how often expired envelope IDs are dropped from seen.
	seenPrune      time.Duration

	// configPath enables hot reload of the concurrency section.
	configPath string

	// closers run in reverse order on shutdown.
	closers []func()

	ready atomic.Bool
}

// Option customizes New. Tests use these to replace external backends.
type Option func(*options)

type options struct {
	store      store.Store
	channel    eventbus.Channel
	agent      agent.Agent
	tools      agent.Tools
	configPath string
	seen       *dedupe.Cache
	seenPrune  time.Duration
}

// WithStore uses s instead of opening the configured database. The caller
// keeps ownership of s.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithChannel uses ch instead of the configured broker.
func WithChannel(ch eventbus.Channel) Option {
	return func(o *options) { o.channel = ch }
}

// WithAgent replaces the Ollama agent.
func WithAgent(a agent.Agent) Option {
	return func(o *options) { o.agent = a }
}

// WithTools replaces the MCP tool backend.
func WithTools(t agent.Tools) Option {
	return func(o *options) { o.tools = t }
}

// WithConfigPath watches path and applies concurrency changes while running.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// withSeenCache replaces the router's envelope ID cache and its prune interval.
func withSeenCache(c *dedupe.Cache, prune time.Duration) Option {
	return func(o *options) { o.seen, o.seenPrune = c, prune }
}

// New creates a Gateway. Components are built but nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *Gateway, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	processID := cfg.Server.ProcessID
	if processID == "" {
		processID = uuid.New().String()
		logger.Warn("server.process_id not set, tasks left running by a previous process will not be recovered",
			"process_id", processID)
	}

	base := logger.With("process_id", processID)
	gw := &Gateway{
		config:     cfg,
		processID:  processID,
		base:       base,
		logger:     base.With("component", "gateway"),
		metrics:    metrics.New(),
		configPath: o.configPath,
		seen:       cmp.Or(o.seen, dedupe.New(5*time.Minute, 100_000)),
		seenPrune:  cmp.Or(o.seenPrune, time.Minute),
	}
	defer func() {
		if err != nil {
			gw.close()
		}
	}()

	if err := gw.initBackends(ctx, o); err != nil {
		return nil, err
	}
	gw.initCore()
	if err := gw.initRunner(ctx, o); err != nil {
		return nil, err
	}
	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		gw.logger.Warn("auth disabled - no jwt_secret configured")
	}
	gw.initGRPC()
	gw.initHTTP()
	return gw, nil
}

func (g *Gateway) initBackends(ctx context.Context, o options) error {
	g.store = o.store
	if g.store == nil {
		s, err := initStore(ctx, g.config.Database)
		if err != nil {
			return err
		}
		g.store, g.ownsStore = s, true
	}

	g.channel = o.channel
	if g.channel == nil {
		ch, closeCh, err := initChannel(ctx, g.config.Broker, g.processID, g.store, g.base)
		if err != nil {
			return fmt.Errorf("initializing event channel: %w", err)
		}
		g.channel = ch
		g.closers = append(g.closers, closeCh)
	} else {
		g.closers = append(g.closers, func() { _ = g.channel.Close() })
	}
	return nil
}

// initCore builds the broadcast, admission and task layers.
func (g *Gateway) initCore() {
	cfg := g.config
	base := g.base

	g.hub = hub.NewRegistry(base, hub.WithFailureHook(func(string) { g.metrics.SendFailed() }))
	g.closers = append(g.closers, g.hub.Close)

	g.router = broadcast.NewRouter(g.hub, g.channel,
		broadcast.WithOrigin(g.processID),
		broadcast.WithMetrics(g.metrics),
		broadcast.WithLogger(base),
		broadcast.WithSeenCache(g.seen),
	)

	// Config validation already checked the limits.
	g.admission = admission.New(limitsFrom(cfg.Concurrency),
		admission.WithMetrics(g.metrics),
		admission.WithLogger(base))

	g.notifier = task.NewNotifier(g.router, cfg.Tasks.OutboxSize,
		task.WithNotifierMetrics(g.metrics),
		task.WithNotifierLogger(base))
	g.closers = append(g.closers, g.notifier.Close)

	g.registry = task.NewRegistry(task.Config{
		Slots:         g.admission,
		Store:         g.store,
		Broadcaster:   g.router,
		Notifier:      g.notifier,
		Metrics:       g.metrics,
		Logger:        base,
		Owner:         g.processID,
		TTL:           cfg.Tasks.TTL,
		SweepInterval: cfg.Tasks.SweepInterval,
	})
	g.closers = append(g.closers, g.registry.Close)

	g.gate = approval.NewGate(approval.Config{
		Channel:      g.channel,
		Broadcaster:  g.router,
		Store:        g.store,
		Metrics:      g.metrics,
		Logger:       base,
		Timeout:      cfg.Approval.Timeout,
		PollInterval: cfg.Approval.PollInterval,
	})
}

func (g *Gateway) initRunner(ctx context.Context, o options) error {
	cfg := g.config
	base := g.base

	tools := o.tools
	if tools == nil {
		t, closeTools, err := initTools(ctx, cfg.Agent, base)
		if err != nil {
			return err
		}
		tools = t
		g.closers = append(g.closers, closeTools)
	}
	a := o.agent
	if a == nil {
		var err error
		if a, err = initAgent(ctx, cfg.Agent, tools, base); err != nil {
			return err
		}
	}

	g.runner = runloop.New(runloop.Config{
		Registry:      g.registry,
		Gate:          g.gate,
		Store:         g.store,
		Broadcaster:   g.router,
		Agent:         a,
		Tools:         tools,
		Logger:        base,
		MaxIterations: cfg.RunLoop.MaxIterations,
		SkipPlanning:  cfg.RunLoop.SkipPlanning,
		PreviewChars:  cfg.RunLoop.ResultPreviewChars,
	})
	// Runs finish their tasks before the registry stops.
	g.closers = append(g.closers, g.runner.Close)

	g.service = control.NewService(g.runner, g.registry, g.gate, base)
	return nil
}

func (g *Gateway) initGRPC() {
	g.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(g.verifier, g.base)),
	)
	g.health = control.Register(g.grpcServer, control.NewServer(g.service, g.base))
}

func (g *Gateway) initHTTP() {
	g.httpServer = &http.Server{
		Addr:              g.config.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run restores tasks left by a previous run of this process, starts the
// broadcast subscriber, the config watcher and both servers, and blocks
// until ctx is canceled or a server fails. Shutdown runs before it returns.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		g.close()
		return err
	}
	return g.Serve(ctx, grpcLn, httpLn)
}

// Serve is Run on caller-provided listeners.
func (g *Gateway) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	if n, err := g.registry.Restore(ctx); err != nil {
		g.logger.Warn("restoring tasks failed", "error", err)
	} else if n > 0 {
		g.logger.Info("failed tasks interrupted by restart", "count", n)
	}

	subCtx, stopSub := context.WithCancel(context.Background())
	defer stopSub()
	g.stopSubscriber = stopSub
	subDone, err := g.router.Start(subCtx)
	if err != nil {
		_ = grpcLn.Close()
		_ = httpLn.Close()
		g.close()
		return err
	}

	go g.seen.Run(subCtx, g.seenPrune)

	if g.configPath != "" {
		g.startWatcher(ctx)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	g.ready.Store(true)
	err = eg.Wait()
	<-subDone
	return err
}

func (g *Gateway) startWatcher(ctx context.Context) {
	w, err := config.NewWatcher(g.configPath, func(c config.ConcurrencyConfig) {
		if err := g.admission.SetLimits(limitsFrom(c)); err != nil {
			g.logger.Warn("rejected concurrency limits", "error", err)
			return
		}
		g.logger.Info("concurrency limits updated", "max_per_agent", c.MaxPerAgent, "max_total", c.MaxTotal)
	}, g.base)
	if err != nil {
		g.logger.Warn("config hot reload disabled", "error", err)
		return
	}
	go w.Run(ctx)
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Shutdown stops the servers, then every component in reverse build order.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.ready.Store(false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)

	// The subscriber stops before the channel closes under it.
	if g.stopSubscriber != nil {
		g.stopSubscriber()
	}
	g.close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	return errors.Join(errs...)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

// close releases components. Safe to call more than once.
func (g *Gateway) close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
	g.closers = nil
	if g.ownsStore && g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Warn("closing store", "error", err)
		}
		g.ownsStore = false
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
