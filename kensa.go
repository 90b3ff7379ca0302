// Package kensa is the public API for embedding the Kensa verification
// supervisor.
//
// Kensa gates a work item (a ticket) on the combined judgement of a set of
// analysis agents. Each agent is queried through a circuit breaker with a
// fallback answer. Their results are reconciled and weighed against the
// work item's requirement and CI/CD signals to decide pass, conditional_pass,
// fail, or escalate.
//
//	app, err := kensa.New(
//	    kensa.WithVersion(version),
//	    kensa.WithLogger(logger),
//	    kensa.WithAgentQuerier(myAnalyzers{}),
//	)
//	if err != nil { ... }
//	defer app.Close()
//	res, err := app.Verify(ctx, kensa.VerifyRequest{WorkItemID: "PRD-123"})
//
// The import graph enforces a strict no-cycle rule: kensa (root) imports
// internal/*, but internal/* never imports kensa (root). Public types are
// standalone structs; conversions live in adapters.go.
package kensa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kensa/internal/agents"
	"github.com/ashita-ai/kensa/internal/breaker"
	"github.com/ashita-ai/kensa/internal/config"
	"github.com/ashita-ai/kensa/internal/conflicts"
	"github.com/ashita-ai/kensa/internal/events"
	"github.com/ashita-ai/kensa/internal/mcp"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/server"
	"github.com/ashita-ai/kensa/internal/service/verification"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/storage/sqlite"
	"github.com/ashita-ai/kensa/internal/telemetry"
	"github.com/ashita-ai/kensa/internal/verdict"
	"github.com/ashita-ai/kensa/migrations"
)

var (
	// ErrInvalidInput is returned for a malformed VerifyRequest.
	ErrInvalidInput = verification.ErrInvalidInput
	// ErrActiveSession is returned when the work item is already being verified.
	ErrActiveSession = storage.ErrActiveSession
	// ErrIterationLimit is returned when the work item used every iteration.
	ErrIterationLimit = storage.ErrIterationLimit
	// ErrNotFound is returned by lookups of unknown sessions.
	ErrNotFound = storage.ErrNotFound
)

// App is the Kensa lifecycle. Construct with New(); serve with Run() or call
// Verify() directly. App has no public fields; configure it with New() options.
type App struct {
	cfg          config.Config
	pg           *storage.DB   // nil when running on SQLite
	lite         *sqlite.Store // nil when running on Postgres
	svc          *verification.Service
	srv          *server.Server
	broker       *events.Broker
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	closeOnce sync.Once
	closeErr  error
}

// New initialises Kensa. It opens the session store (Postgres with
// migrations when DATABASE_URL is set, SQLite otherwise), wires the agent
// gateway, and builds the HTTP and MCP servers. It does NOT start any
// listener. Call Run() to serve, or Verify() to run one verification.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.rulesFile != "" {
		cfg.RulesFile = o.rulesFile
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	rules, err := conflicts.LoadRuleSet(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}

	var store verification.Store
	var db server.Pinger
	if cfg.DatabaseURL != "" {
		pg, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.pg = pg
		pg.RegisterPoolMetrics()
		if err := pg.RunMigrations(context.Background(), migrations.FS); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		store, db = pg, pg
		logger.Info("storage: postgres")
	} else {
		lite, err := sqlite.Open(context.Background(), sqlite.DefaultConfig(cfg.SQLitePath), logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.lite = lite
		store, db = lite, lite
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
	}

	src, err := a.sources(o)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	breakers := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
	})
	breakers.RegisterMetrics()

	// Adapt public kensa.EventHook to internal events.Hook.
	var hooks []events.Hook
	for _, h := range o.eventHooks {
		hooks = append(hooks, &eventHookAdapter{hook: h})
	}
	a.broker = events.New(logger, hooks...)

	a.svc = verification.New(store, src, breakers, a.broker, verification.Config{
		AgentTimeout:        cfg.AgentTimeout,
		MaxAgentTimeout:     cfg.AgentMaxTimeout,
		DispatchConcurrency: cfg.DispatchConcurrency,
		Verdict: verdict.Config{
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			MaxIterations:       cfg.MaxIterations,
			UnmetFailLimit:      cfg.UnmetFailLimit,
		},
		Rules:            rules,
		CICDPollInterval: cfg.CICDPollInterval,
		CICDMaxWait:      cfg.CICDMaxWait,
	}, logger)

	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(a.svc, logger, version)

	a.srv = server.New(server.ServerConfig{
		Service:             a.svc,
		Broker:              a.broker,
		DB:                  db,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	logger.Info("kensa ready", "version", version, "agent_source", cfg.AgentSource)
	return a, nil
}

// sources picks each signal source: an option override first, then the
// configured backend. Requirement, CI/CD, and user story signals are only
// available from Postgres; on SQLite without overrides they are absent.
func (a *App) sources(o resolvedOptions) (verification.Sources, error) {
	var src verification.Sources

	switch {
	case o.agents != nil:
		src.Agents = &agentQuerierAdapter{q: o.agents}
	case a.cfg.AgentSource == config.AgentSourceHTTP:
		src.Agents = agents.NewHTTPQuerier(a.cfg.AgentEndpoint)
	case a.pg != nil:
		src.Agents = storage.NewResultQuerier(a.pg)
	default:
		return src, fmt.Errorf("kensa: KENSA_AGENT_SOURCE=%s needs DATABASE_URL (or use WithAgentQuerier)", config.AgentSourceStore)
	}

	if o.requirements != nil {
		src.Requirements = &requirementSourceAdapter{s: o.requirements}
	} else if a.pg != nil {
		src.Requirements = a.pg
	}
	if o.cicd != nil {
		src.CICD = &cicdSourceAdapter{s: o.cicd}
	} else if a.pg != nil {
		src.CICD = a.pg
	}
	if o.userStories != nil {
		src.UserStories = &userStorySourceAdapter{s: o.userStories}
	} else if a.pg != nil {
		src.UserStories = a.pg
	}
	return src, nil
}

// Verify runs one verification and blocks until the verdict is reached.
func (a *App) Verify(ctx context.Context, req VerifyRequest) (Result, error) {
	codes, err := model.ParseAgentCodes(req.Agents)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	in := verification.Request{
		WorkItemID:   req.WorkItemID,
		WorkItemType: req.WorkItemType,
		TriggeredBy:  req.TriggeredBy,
		Level:        model.Level(req.Level),
		Agents:       codes,
		Timeout:      req.Timeout,
	}
	if req.ParentWorkItemID != "" {
		parent := req.ParentWorkItemID
		in.ParentWorkItemID = &parent
	}

	report, err := a.svc.Verify(ctx, in)
	if err != nil {
		return Result{}, err
	}
	return toPublicResult(report)
}

// Sessions lists a work item's verification sessions, newest first.
func (a *App) Sessions(ctx context.Context, workItemID string, limit int) ([]Session, error) {
	sessions, err := a.svc.Sessions(ctx, workItemID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toPublicSession(s))
	}
	return out, nil
}

// Handler returns the root HTTP handler, for mounting Kensa in another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server, then blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has been called and callers should
// not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight verifications,
// (2) wait for event hooks still running.
// It then closes the store and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kensa shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	hookCtx, hookCancel := contextWithOptionalTimeout(ctx, events.HookTimeout)
	if err := a.broker.Wait(hookCtx); err != nil {
		a.logger.Warn("event hooks still running at shutdown", "error", err)
	}
	hookCancel()

	err := a.Close()
	a.logger.Info("kensa stopped")
	return err
}

// Close releases the store, the rate limiter, and the OTEL providers without
// draining HTTP. Safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.limiter != nil {
			errs = append(errs, a.limiter.Close())
		}
		if a.lite != nil {
			errs = append(errs, a.lite.Close())
		}
		if a.pg != nil {
			a.pg.Close(context.Background())
		}
		if a.otelShutdown != nil {
			errs = append(errs, a.otelShutdown(context.Background()))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// toPublicResult flattens a report; the full report rides along as JSON.
func toPublicResult(r model.Report) (Result, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return Result{}, fmt.Errorf("kensa: marshal report: %w", err)
	}
	res := Result{
		SessionID:       r.Session.ID,
		WorkItemID:      r.Session.WorkItemID,
		Iteration:       r.Session.IterationNumber,
		Verdict:         Verdict(r.Decision.Verdict),
		Rule:            r.Decision.Rule,
		Reasons:         r.Decision.Reasons,
		Confidence:      r.Confidence.Score,
		CriticalIssues:  toPublicIssues(r.CriticalIssues),
		Warnings:        toPublicIssues(r.Warnings),
		Recommendations: toPublicIssues(r.Recommendations),
		Report:          raw,
	}
	if r.Session.DurationMs != nil {
		res.DurationMs = *r.Session.DurationMs
	}
	return res, nil
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
