// Package verification runs one verification attempt for a work item: it opens
// a session, waits for CI/CD, queries every agent, and records the verdict.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kensa/internal/breaker"
	"github.com/ashita-ai/kensa/internal/conflicts"
	"github.com/ashita-ai/kensa/internal/dispatch"
	"github.com/ashita-ai/kensa/internal/events"
	"github.com/ashita-ai/kensa/internal/fallback"
	"github.com/ashita-ai/kensa/internal/gateway"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/confidence"
	"github.com/ashita-ai/kensa/internal/telemetry"
	"github.com/ashita-ai/kensa/internal/verdict"
)

// ErrInvalidInput wraps errors caused by the request rather than the infrastructure.
var ErrInvalidInput = errors.New("verification: invalid input")

// Store persists sessions and the per-call audit trail.
type Store interface {
	CreateSession(ctx context.Context, p model.CreateSessionParams) (model.Session, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	CompleteSession(ctx context.Context, id uuid.UUID, r model.SessionResult) error
	FailSession(ctx context.Context, id uuid.UUID, f model.SessionFailure) error
	LatestIteration(ctx context.Context, workItemID string) (int, error)
	RecordAgentQuery(ctx context.Context, rec model.AgentQueryRecord) error
	GetSession(ctx context.Context, id uuid.UUID) (model.Session, error)
	GetReport(ctx context.Context, id uuid.UUID) (model.Report, error)
	ListSessions(ctx context.Context, workItemID string, limit int) ([]model.Session, error)
}

// RequirementSource reports which requirements of a work item are met.
type RequirementSource interface {
	Coverage(ctx context.Context, workItemID string) (model.RequirementCoverage, error)
}

// CICDSource reports pipeline state for a work item. Health returns nil
// when no pipeline has reported.
type CICDSource interface {
	PipelineState(ctx context.Context, workItemID string) (model.PipelineState, error)
	Health(ctx context.Context, workItemID string) (*model.CICDHealth, error)
}

// UserStorySource summarizes user story validation for a work item.
type UserStorySource interface {
	Validation(ctx context.Context, workItemID string) (model.UserStoryValidation, error)
}

// Sources are the external collaborators. A nil source means its signal is absent.
type Sources struct {
	Agents       gateway.Querier
	Requirements RequirementSource
	CICD         CICDSource
	UserStories  UserStorySource
}

// Config holds the tunables of a verification run.
type Config struct {
	AgentTimeout        time.Duration
	MaxAgentTimeout     time.Duration
	DispatchConcurrency int
	Verdict             verdict.Config
	Rules               conflicts.RuleSet
	CICDPollInterval    time.Duration
	CICDMaxWait         time.Duration
}

// DefaultConfig returns the standard rules and thresholds.
func DefaultConfig() Config {
	return Config{
		AgentTimeout:     gateway.DefaultTimeout,
		MaxAgentTimeout:  gateway.MaxTimeout,
		Verdict:          verdict.DefaultConfig(),
		Rules:            conflicts.RuleSet{Default: conflicts.DefaultRules()},
		CICDPollInterval: 15 * time.Second,
		CICDMaxWait:      180 * time.Second,
	}
}

// Request starts a verification.
type Request struct {
	WorkItemID       string
	ParentWorkItemID *string
	WorkItemType     string
	TriggeredBy      string
	Level            model.Level
	Agents           []model.AgentCode
	Timeout          time.Duration
	Metadata         map[string]any
}

// Service is safe for concurrent use; concurrent requests for the same work
// item are settled by the store.
type Service struct {
	store    Store
	src      Sources
	breakers *breaker.Registry
	gateway  *gateway.Gateway
	dispatch *dispatch.Dispatcher
	engine   *verdict.Engine
	broker   *events.Broker
	cfg      Config
	logger   *slog.Logger

	tracer        trace.Tracer
	verifications metric.Int64Counter
	duration      metric.Float64Histogram
}

// New wires a service. broker may be nil.
func New(store Store, src Sources, breakers *breaker.Registry, broker *events.Broker, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.CICDPollInterval <= 0 {
		cfg.CICDPollInterval = def.CICDPollInterval
	}
	if cfg.CICDMaxWait < 0 {
		cfg.CICDMaxWait = 0
	}
	if cfg.Verdict.ConfidenceThreshold <= 0 {
		cfg.Verdict.ConfidenceThreshold = def.Verdict.ConfidenceThreshold
	}
	if cfg.Verdict.MaxIterations <= 0 {
		cfg.Verdict.MaxIterations = def.Verdict.MaxIterations
	}
	if cfg.Verdict.UnmetFailLimit <= 0 {
		cfg.Verdict.UnmetFailLimit = def.Verdict.UnmetFailLimit
	}

	gw := gateway.New(src.Agents, breakers, fallback.New(), store, gateway.Config{
		DefaultTimeout: cfg.AgentTimeout,
		MaxTimeout:     cfg.MaxAgentTimeout,
	}, logger)

	meter := telemetry.Meter("kensa/verification")
	verifications, _ := meter.Int64Counter("kensa.verifications",
		metric.WithDescription("Verifications by verdict"),
	)
	duration, _ := meter.Float64Histogram("kensa.verification.duration",
		metric.WithDescription("Wall time of a verification (ms)"),
		metric.WithUnit("ms"),
	)

	return &Service{
		store:         store,
		src:           src,
		breakers:      breakers,
		gateway:       gw,
		dispatch:      dispatch.New(gw, cfg.DispatchConcurrency),
		engine:        verdict.New(cfg.Verdict, store),
		broker:        broker,
		cfg:           cfg,
		logger:        logger,
		tracer:        telemetry.Tracer("kensa/verification"),
		verifications: verifications,
		duration:      duration,
	}
}

// Breakers exposes the circuit breaker registry shared by every run.
func (s *Service) Breakers() *breaker.Registry { return s.breakers }

// Verify runs one verification. Agent failures never surface as errors; an
// error means the attempt itself could not complete, in which case the
// session (if one was opened) is marked failed.
func (s *Service) Verify(ctx context.Context, req Request) (model.Report, error) {
	if err := model.ValidateWorkItemID(req.WorkItemID); err != nil {
		return model.Report{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if req.Level == 0 {
		req.Level = model.LevelSummary
	}
	if !req.Level.Valid() {
		return model.Report{}, fmt.Errorf("%w: level %d out of range", ErrInvalidInput, req.Level)
	}
	rules := s.cfg.Rules.For(req.WorkItemType)
	agentCodes := rules.Dispatch(req.Agents)
	if req.TriggeredBy == "" {
		req.TriggeredBy = "manual"
	}

	ctx, span := s.tracer.Start(ctx, "verification.verify",
		trace.WithAttributes(attribute.String("kensa.work_item_id", req.WorkItemID)))
	defer span.End()
	start := time.Now()

	sess, err := s.store.CreateSession(ctx, model.CreateSessionParams{
		WorkItemID:       req.WorkItemID,
		ParentWorkItemID: req.ParentWorkItemID,
		WorkItemType:     req.WorkItemType,
		TriggeredBy:      req.TriggeredBy,
		StartedAt:        start.UTC(),
		MaxIterations:    s.cfg.Verdict.MaxIterations,
		Metadata:         req.Metadata,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.Report{}, fmt.Errorf("verification: create session: %w", err)
	}
	span.SetAttributes(
		attribute.String("kensa.session_id", sess.ID.String()),
		attribute.Int("kensa.iteration", sess.IterationNumber),
	)
	s.publish(ctx, model.EventSessionCreated, sess, nil)

	if err := s.store.MarkRunning(ctx, sess.ID); err != nil {
		return model.Report{}, s.fail(ctx, span, sess, start, fmt.Errorf("mark running: %w", err))
	}
	sess.Status = model.SessionRunning
	s.publish(ctx, model.EventSessionRunning, sess, nil)

	// CI/CD and user stories belong to the parent work item.
	var cicd *model.CICDHealth
	if req.ParentWorkItemID != nil {
		s.waitForPipelines(ctx, *req.ParentWorkItemID)
		cicd = s.cicdHealth(ctx, *req.ParentWorkItemID)
	}

	outcomes := s.dispatch.DispatchAll(ctx, agentCodes, model.QueryParams{
		SessionID:  sess.ID.String(),
		WorkItemID: req.WorkItemID,
		Level:      req.Level,
	}, req.Timeout)
	if err := ctx.Err(); err != nil {
		return model.Report{}, s.fail(ctx, span, sess, start, err)
	}

	coverage := model.RequirementCoverage{Met: []model.Requirement{}, Unmet: []model.Requirement{}}
	if s.src.Requirements != nil {
		if coverage, err = s.src.Requirements.Coverage(ctx, req.WorkItemID); err != nil {
			return model.Report{}, s.fail(ctx, span, sess, start, fmt.Errorf("requirements: %w", err))
		}
	}

	var stories *model.UserStoryValidation
	if req.ParentWorkItemID != nil && s.src.UserStories != nil {
		v, err := s.src.UserStories.Validation(ctx, *req.ParentWorkItemID)
		if err != nil {
			return model.Report{}, s.fail(ctx, span, sess, start, fmt.Errorf("user stories: %w", err))
		}
		stories = &v
	}

	conflict := conflicts.NewResolver(rules).Resolve(outcomes)
	agg := confidence.Aggregate(confidence.Input{
		Outcomes:     outcomes,
		Requirements: coverage,
		CICD:         cicd,
		UserStories:  stories,
	})
	decision, err := s.engine.Decide(ctx, verdict.Input{
		WorkItemID:   req.WorkItemID,
		Conflict:     conflict,
		Confidence:   agg.Score,
		Requirements: coverage,
		CICD:         cicd,
		UserStories:  stories,
	})
	if err != nil {
		return model.Report{}, s.fail(ctx, span, sess, start, err)
	}

	completedAt := time.Now().UTC()
	durationMs := time.Since(start).Milliseconds()
	score := agg.Score
	sess.Status = model.SessionCompleted
	sess.Verdict = decision.Verdict
	sess.ConfidenceScore = &score
	sess.CompletedAt = &completedAt
	sess.DurationMs = &durationMs

	report := model.Report{
		Session:      sess,
		Outcomes:     outcomes,
		Conflict:     conflict,
		Confidence:   agg,
		Requirements: coverage,
		UserStories:  stories,
		CICD:         cicd,
		Decision:     decision,
	}
	report.CriticalIssues, report.Warnings, report.Recommendations = issues(outcomes)

	if err := s.store.CompleteSession(ctx, sess.ID, model.SessionResult{
		Verdict:         decision.Verdict,
		ConfidenceScore: score,
		CompletedAt:     completedAt,
		DurationMs:      durationMs,
		Report:          &report,
	}); err != nil {
		return model.Report{}, s.fail(ctx, span, sess, start, fmt.Errorf("complete session: %w", err))
	}

	span.SetAttributes(
		attribute.String("kensa.verdict", string(decision.Verdict)),
		attribute.Int("kensa.confidence", score),
	)
	s.record(ctx, string(decision.Verdict), start)
	s.publish(ctx, model.EventVerificationComplete, sess, nil)
	s.logger.Info("verification: complete",
		"session_id", sess.ID, "work_item_id", sess.WorkItemID, "iteration", sess.IterationNumber,
		"verdict", decision.Verdict, "rule", decision.Rule, "confidence", score, "duration_ms", durationMs)
	return report, nil
}

// fail marks the session failed and returns the wrapped cause. The write
// outlives a cancelled caller.
func (s *Service) fail(ctx context.Context, span trace.Span, sess model.Session, start time.Time, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.FailSession(failCtx, sess.ID, model.SessionFailure{
		Error:       cause.Error(),
		CompletedAt: time.Now().UTC(),
		DurationMs:  time.Since(start).Milliseconds(),
	}); err != nil {
		s.logger.Error("verification: could not mark session failed",
			"session_id", sess.ID, "cause", cause, "error", err)
	}

	sess.Status = model.SessionFailed
	s.record(failCtx, "error", start)
	s.publish(failCtx, model.EventVerificationError, sess, cause)
	s.logger.Warn("verification: failed", "session_id", sess.ID, "work_item_id", sess.WorkItemID, "error", cause)
	return fmt.Errorf("verification: session %s: %w", sess.ID, cause)
}

func (s *Service) record(ctx context.Context, outcome string, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("verdict", outcome))
	s.verifications.Add(ctx, 1, attrs)
	s.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
}

func (s *Service) publish(ctx context.Context, typ model.EventType, sess model.Session, cause error) {
	if s.broker == nil {
		return
	}
	id := sess.ID
	ev := model.Event{
		Type:       typ,
		SessionID:  &id,
		WorkItemID: sess.WorkItemID,
		Iteration:  sess.IterationNumber,
		Verdict:    sess.Verdict,
		Confidence: sess.ConfidenceScore,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	s.broker.Publish(ctx, ev)
}

// Session returns a session by ID.
func (s *Service) Session(ctx context.Context, id uuid.UUID) (model.Session, error) {
	return s.store.GetSession(ctx, id)
}

// Report returns the stored report of a completed session.
func (s *Service) Report(ctx context.Context, id uuid.UUID) (model.Report, error) {
	return s.store.GetReport(ctx, id)
}

// Sessions lists a work item's sessions, newest first.
func (s *Service) Sessions(ctx context.Context, workItemID string, limit int) ([]model.Session, error) {
	if err := model.ValidateWorkItemID(workItemID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return s.store.ListSessions(ctx, workItemID, limit)
}
