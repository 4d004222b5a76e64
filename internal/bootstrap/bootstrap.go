// Package bootstrap wires a loaded configuration into a running engine.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/redis/go-redis/v9"

	"catalog-agent/internal/adapter/catalog"
	"catalog-agent/internal/adapter/checkpoint"
	"catalog-agent/internal/adapter/llm"
	"catalog-agent/internal/adapter/tokenizer"
	"catalog-agent/internal/adapter/tool"
	"catalog-agent/internal/domain"
	"catalog-agent/internal/infra/config"
	"catalog-agent/internal/infra/logger"
	"catalog-agent/internal/infra/tracer"
	"catalog-agent/internal/security"
	"catalog-agent/internal/usecase"
	"catalog-agent/internal/usecase/eventbus"
)

// Options overrides parts of the wiring. Zero fields are built from config.
type Options struct {
	Logger   *slog.Logger       // skips logger.New
	Provider domain.LLMProvider // skips the provider registry
	Catalog  domain.Catalog     // replaces tools.catalog
	Tools    []domain.Tool      // registered next to the catalog tools
	Tracing  bool               // install the global tracer provider
}

// App is a fully wired engine and everything it owns.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Engine *usecase.Engine
	Bus    *eventbus.Bus
	Tools  *tool.Registry
	Store  domain.CheckpointStore

	closers []func(context.Context) error
}

// New builds an App from cfg. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	app := &App{Config: cfg}
	defer func() {
		if err != nil {
			app.Close(context.WithoutCancel(ctx))
		}
	}()

	// 1. Logger & tracer
	app.Logger = opts.Logger
	if app.Logger == nil {
		log, closer, err := logger.New(cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		app.Logger = log
		app.onClose(func(context.Context) error { return closer() })
	}
	log := app.Logger

	if opts.Tracing {
		shutdown, err := tracer.Setup(ctx, cfg.Tracer)
		if err != nil {
			return nil, fmt.Errorf("tracer: %w", err)
		}
		app.onClose(shutdown)
	}

	// 2. Audit trail and event bus. The trail closes after the bus drains.
	var trail *security.AuditTrail
	if cfg.Audit.Enabled {
		trail, err = security.OpenAuditTrail(cfg.Audit.Path, cfg.Audit.MaxAge, log)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		app.onClose(func(context.Context) error { return trail.Close() })
	}
	app.Bus = eventbus.New(log)
	app.onClose(func(context.Context) error { app.Bus.Close(); return nil })
	app.Bus.SubscribeAll(func(ctx context.Context, ev domain.Event) {
		log.DebugContext(ctx, "event", "type", ev.Type, "thread_id", ev.ThreadID, "payload", string(ev.Payload))
	})
	if trail != nil {
		trail.Attach(app.Bus)
	}

	// 3. Checkpoint store and thread lock
	client, err := app.redisClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	store, closeStore, err := checkpoint.Open(ctx, cfg.Checkpoint, client)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	app.Store = store
	app.onClose(func(context.Context) error { return closeStore() })

	var locker domain.ThreadLocker = usecase.NewThreadLocker()
	if cfg.Lock.Backend == "redis" {
		locker = checkpoint.NewRedisLocker(client, cfg.Checkpoint.Redis.Prefix, cfg.Lock.TTL, log)
	}

	// 4. LLM provider
	provider, model, err := defaultProvider(ctx, cfg, opts, log)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	// 5. Tools
	tools, err := app.catalogTools(cfg.Tools.Catalog, opts.Catalog)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if len(cfg.Tools.MCP) > 0 {
		remote, err := tool.ConnectMCP(ctx, cfg.Tools.MCP, log)
		if err != nil {
			return nil, err
		}
		app.onClose(func(context.Context) error { return remote.Close() })
		tools = append(tools, remote.Tools()...)
	}
	tools = append(tools, opts.Tools...)
	app.Tools, err = tool.NewRegistry(log, tools,
		tool.WithMaxParallel(cfg.Tools.MaxParallel),
		tool.WithTimeout(cfg.Tools.Timeout),
		tool.WithRateLimits(rateLimits(cfg.Tools.RateLimits)),
		tool.WithEventBus(app.Bus),
	)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}

	// 6. Engine
	oracle := usecase.NewOracle(provider, app.Tools.Schemas(), usecase.OracleConfig{
		SystemPrompt: cfg.Agent.SystemPrompt,
		Model:        model,
		Temperature:  cfg.Agent.Temperature,
		MaxTokens:    cfg.Agent.MaxTokens,
	}, app.Bus, log)

	app.Engine = usecase.NewEngine(usecase.EngineDeps{
		Oracle:    oracle,
		Tools:     app.Tools,
		Store:     store,
		Locker:    locker,
		Bus:       app.Bus,
		StartHook: startHook(cfg.Agent, provider, model, log),
		Logger:    log,
		StepLimit: cfg.Agent.StepLimit,
		Timeout:   cfg.Agent.Timeout,
	})

	log.Info("engine ready",
		"provider", provider.Name(),
		"checkpoint", cfg.Checkpoint.Backend,
		"lock", cfg.Lock.Backend,
		"tools", app.Tools.Names(),
		"step_limit", cfg.Agent.StepLimit,
	)
	return app, nil
}

// Close releases everything New opened, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for _, c := range slices.Backward(a.closers) {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// redisClient dials redis once when either the store or the lock needs it.
func (a *App) redisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.Checkpoint.Backend != "redis" && cfg.Lock.Backend != "redis" {
		return nil, nil
	}
	client, err := checkpoint.NewRedisClient(ctx, cfg.Checkpoint.Redis)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return client.Close() })
	return client, nil
}

func (a *App) catalogTools(cfg config.CatalogConfig, override domain.Catalog) ([]domain.Tool, error) {
	if override != nil {
		return tool.NewCatalogTools(override, cfg.MaxRows), nil
	}
	switch cfg.Backend {
	case "sqlite":
		cat, err := catalog.NewSQLiteCatalog(cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return cat.Close() })
		return tool.NewCatalogTools(cat, cfg.MaxRows), nil
	case "none", "":
		a.Logger.Warn("no catalog backend configured, catalog tools disabled")
		return nil, nil
	default:
		return nil, domain.NewDomainError("bootstrap.catalogTools", domain.ErrInvalidInput,
			fmt.Sprintf("unknown catalog backend %q", cfg.Backend))
	}
}

// defaultProvider returns the oracle's provider and the model to request.
func defaultProvider(ctx context.Context, cfg *config.Config, opts Options, log *slog.Logger) (domain.LLMProvider, string, error) {
	var model string
	for _, pc := range cfg.LLM.Providers {
		if pc.Name == cfg.LLM.DefaultProvider {
			model = pc.Model
		}
	}
	if opts.Provider != nil {
		return opts.Provider, model, nil
	}

	reg, err := llm.NewRegistryFromConfig(ctx, cfg.LLM, log)
	if err != nil {
		return nil, "", err
	}
	p, err := reg.Get(cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, "", fmt.Errorf("default provider: %w", err)
	}
	if cfg.LLM.CircuitBreaker.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cfg.LLM.CircuitBreaker.MaxFailures,
			"timeout", cfg.LLM.CircuitBreaker.Timeout,
		)
	}
	return p, model, nil
}

// startHook chains summarisation before trimming so the trim budget applies
// to the summarised view.
func startHook(cfg config.AgentConfig, provider domain.LLMProvider, model string, log *slog.Logger) usecase.StartHook {
	var hooks []usecase.StartHook
	if cfg.Summarize.Enabled {
		hooks = append(hooks, usecase.SummarizeHook(provider, usecase.SummarizeConfig{
			Threshold:  cfg.Summarize.Threshold,
			KeepRecent: cfg.Summarize.KeepRecent,
			Model:      model,
		}, log))
	}
	if cfg.Trim.Enabled {
		hooks = append(hooks, usecase.TrimHook(tokenizer.NewTiktoken(cfg.Trim.Encoding, log), cfg.Trim.MaxTokens, log))
	}
	switch len(hooks) {
	case 0:
		return nil
	case 1:
		return hooks[0]
	default:
		return usecase.ChainHooks(hooks...)
	}
}

func rateLimits(in map[string]config.RateLimitConfig) map[string]tool.RateLimit {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]tool.RateLimit, len(in))
	for name, rl := range in {
		out[name] = tool.RateLimit{PerSecond: rl.PerSecond, Burst: rl.Burst}
	}
	return out
}
