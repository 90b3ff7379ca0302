// Package gateway wraps every sub-agent query with a circuit-breaker check,
// a bounded timeout, fallback substitution, and an audit record.
//
// Call never returns an error. Whatever happens to the query, the caller gets
// an AgentOutcome whose payload is either the agent's answer or the fallback
// for that agent.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kensa/internal/breaker"
	"github.com/ashita-ai/kensa/internal/fallback"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// Timeout bounds.
const (
	DefaultTimeout = 5000 * time.Millisecond
	MaxTimeout     = 15000 * time.Millisecond
)

// ErrTimeout is recorded when an agent does not answer within its timeout.
var ErrTimeout = errors.New("gateway: agent query timed out")

// ErrMalformedPayload is recorded when an agent answers without a status.
var ErrMalformedPayload = errors.New("gateway: agent payload has no status")

// Querier asks a single agent for its result.
type Querier interface {
	Query(ctx context.Context, code model.AgentCode, params model.QueryParams) (model.Payload, error)
}

// AuditSink persists one row per gateway call.
type AuditSink interface {
	RecordAgentQuery(ctx context.Context, rec model.AgentQueryRecord) error
}

// Config holds gateway timeouts.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Gateway is safe for concurrent use.
type Gateway struct {
	querier  Querier
	breakers *breaker.Registry
	policy   *fallback.Policy
	audit    AuditSink
	cfg      Config
	logger   *slog.Logger

	tracer       trace.Tracer
	callDuration metric.Float64Histogram
	calls        metric.Int64Counter
}

// New creates a gateway. audit may be nil, in which case calls are not persisted.
func New(querier Querier, breakers *breaker.Registry, policy *fallback.Policy, audit AuditSink, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = MaxTimeout
	}
	meter := telemetry.Meter("kensa/gateway")
	callDur, _ := meter.Float64Histogram("kensa.agent.call.duration",
		metric.WithDescription("Time spent waiting on a sub-agent (ms)"),
		metric.WithUnit("ms"),
	)
	calls, _ := meter.Int64Counter("kensa.agent.calls",
		metric.WithDescription("Sub-agent calls by agent and outcome"),
	)
	return &Gateway{
		querier:      querier,
		breakers:     breakers,
		policy:       policy,
		audit:        audit,
		cfg:          cfg,
		logger:       logger,
		tracer:       telemetry.Tracer("kensa/gateway"),
		callDuration: callDur,
		calls:        calls,
	}
}

// clamp applies the default and maximum timeouts.
func (g *Gateway) clamp(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return g.cfg.DefaultTimeout
	}
	if timeout > g.cfg.MaxTimeout {
		return g.cfg.MaxTimeout
	}
	return timeout
}

type queryResult struct {
	payload model.Payload
	err     error
}

// Call queries one agent. A timeout of zero uses the default; longer than the
// maximum is clamped.
func (g *Gateway) Call(ctx context.Context, code model.AgentCode, params model.QueryParams, timeout time.Duration) model.AgentOutcome {
	ctx, span := g.tracer.Start(ctx, "gateway.call",
		trace.WithAttributes(
			attribute.String("kensa.agent_code", string(code)),
			attribute.String("kensa.work_item_id", params.WorkItemID),
		),
	)
	defer span.End()

	start := time.Now()

	if !g.breakers.IsCallable(code) {
		out := model.AgentOutcome{
			AgentCode:    code,
			Status:       model.OutcomeCircuitOpen,
			Payload:      g.policy.Resolve(code),
			UsedFallback: true,
			Error:        "circuit open",
		}
		return g.finish(ctx, span, params, out, start)
	}

	timeout = g.clamp(timeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so the querier goroutine never blocks after we stop waiting.
	done := make(chan queryResult, 1)
	go func() {
		p, err := g.querier.Query(callCtx, code, params)
		done <- queryResult{payload: p, err: err}
	}()

	var res queryResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = ErrTimeout
		if ctx.Err() != nil {
			res.err = ctx.Err()
		}
	}

	if res.err == nil && res.payload.Status == "" {
		res.err = ErrMalformedPayload
	}
	if res.err == nil {
		g.breakers.RecordSuccess(code)
		out := model.AgentOutcome{
			AgentCode: code,
			Status:    model.OutcomeSuccess,
			Payload:   res.payload,
		}
		return g.finish(ctx, span, params, out, start)
	}

	// The caller going away is not the agent's fault.
	if ctx.Err() == nil {
		if state := g.breakers.RecordFailure(code); state == breaker.StateOpen {
			g.logger.Warn("gateway: circuit opened", "agent_code", code)
		}
	}
	if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
		res.err = ErrTimeout
	}
	out := model.AgentOutcome{
		AgentCode:    code,
		Status:       model.OutcomeFailure,
		Payload:      g.policy.Resolve(code),
		UsedFallback: true,
		Error:        res.err.Error(),
	}
	if errors.Is(res.err, ErrTimeout) {
		out.Error = fmt.Sprintf("%s after %dms", res.err, timeout.Milliseconds())
	}
	return g.finish(ctx, span, params, out, start)
}

// finish records timing, metrics, and the audit row.
func (g *Gateway) finish(ctx context.Context, span trace.Span, params model.QueryParams, out model.AgentOutcome, start time.Time) model.AgentOutcome {
	elapsed := time.Since(start)
	out.DurationMs = elapsed.Milliseconds()

	span.SetAttributes(
		attribute.String("kensa.outcome", string(out.Status)),
		attribute.Bool("kensa.used_fallback", out.UsedFallback),
	)
	if out.Status != model.OutcomeSuccess {
		span.SetStatus(codes.Error, out.Error)
	}
	attrs := metric.WithAttributes(
		attribute.String("agent_code", string(out.AgentCode)),
		attribute.String("status", string(out.Status)),
	)
	g.callDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
	g.calls.Add(ctx, 1, attrs)

	if out.Status == model.OutcomeFailure {
		g.logger.Info("gateway: agent query failed, using fallback",
			"agent_code", out.AgentCode, "error", out.Error, "duration_ms", out.DurationMs)
	}

	if g.audit == nil || params.SessionID == "" {
		return out
	}
	rec := model.AgentQueryRecord{
		SessionID:   params.SessionID,
		AgentCode:   out.AgentCode,
		Status:      out.Status,
		Error:       out.Error,
		DurationMs:  out.DurationMs,
		RespondedAt: time.Now().UTC(),
	}
	if out.Status == model.OutcomeSuccess {
		p := out.Payload
		rec.Payload = &p
	}
	// The audit write must outlive a cancelled caller.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.audit.RecordAgentQuery(auditCtx, rec); err != nil {
		g.logger.Warn("gateway: audit write failed",
			"agent_code", out.AgentCode, "session_id", params.SessionID, "error", err)
	}
	return out
}
