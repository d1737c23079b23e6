// ABOUTME: Builds the store, event channel and agent collaborators from config
// ABOUTME: Each constructor returns the component plus whatever must be closed with it

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2389/coven-conductor/internal/admission"
	"github.com/2389/coven-conductor/internal/agent"
	"github.com/2389/coven-conductor/internal/config"
	"github.com/2389/coven-conductor/internal/eventbus"
	"github.com/2389/coven-conductor/internal/store"
)

// initStore opens the configured store. COVEN_DB_PATH overrides the SQLite path.
func initStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := store.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		path := cfg.Path
		if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
			path = envPath
		}
		s, err := store.OpenSQLite(cfg.Driver, path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// initChannel opens the configured event channel. A Postgres broker without
// its own URL shares the store's pool.
func initChannel(ctx context.Context, cfg config.BrokerConfig, processID string, s store.Store, logger *slog.Logger) (eventbus.Channel, func(), error) {
	switch cfg.Kind {
	case config.BrokerNATS:
		ch, err := eventbus.DialNATS(cfg.URL, cfg.SubjectPrefix, "coven-conductor-"+processID, logger)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() { _ = ch.Close() }, nil

	case config.BrokerPostgres:
		if cfg.URL == "" {
			pg, ok := s.(*store.PgStore)
			if !ok {
				return nil, nil, errors.New("postgres broker needs broker.url or a postgres store")
			}
			ch := eventbus.NewPgChannel(pg.Pool(), cfg.Channel, logger)
			return ch, func() { _ = ch.Close() }, nil
		}
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres broker: %w", err)
		}
		ch := eventbus.NewPgChannel(pool, cfg.Channel, logger)
		return ch, func() {
			_ = ch.Close()
			pool.Close()
		}, nil

	default:
		ch := eventbus.NewMemoryBroker().Channel()
		return ch, func() { _ = ch.Close() }, nil
	}
}

// initTools connects the configured MCP server, or falls back to NoTools.
func initTools(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) (agent.Tools, func(), error) {
	var (
		tools *agent.MCPTools
		err   error
	)
	switch {
	case cfg.MCPCommand != "":
		tools, err = agent.ConnectMCPCommand(ctx, cfg.MCPCommand, cfg.MCPArgs, logger)
	case cfg.MCPEndpoint != "":
		tools, err = agent.ConnectMCPEndpoint(ctx, cfg.MCPEndpoint, logger)
	default:
		logger.Warn("no MCP tool backend configured, tool calls will fail")
		return agent.NoTools{}, func() {}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("connecting tool backend: %w", err)
	}
	return tools, func() { _ = tools.Close() }, nil
}

// initAgent creates the Ollama agent, advertising the tool backend's tools
// when it can list them.
func initAgent(ctx context.Context, cfg config.AgentConfig, tools agent.Tools, logger *slog.Logger) (agent.Agent, error) {
	client, err := agent.NewOllamaClient(cfg.OllamaHost)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}
	opts := []agent.OllamaOption{agent.WithOllamaLogger(logger)}
	if lister, ok := tools.(agent.ToolLister); ok {
		specs, err := lister.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing tools: %w", err)
		}
		opts = append(opts, agent.WithToolSpecs(specs))
	}
	model := cfg.OllamaModel
	if model == "" {
		model = agent.DefaultOllamaModel
	}
	return agent.NewOllamaAgent(client, model, opts...), nil
}

// limitsFrom converts the config section into admission limits.
func limitsFrom(c config.ConcurrencyConfig) admission.Limits {
	return admission.Limits{
		MaxPerAgent: c.MaxPerAgent,
		MaxTotal:    c.MaxTotal,
		PerAgent:    c.PerAgent,
	}
}
