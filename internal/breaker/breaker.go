// Package breaker tracks per-agent circuit breakers shared by every
// verification session in the process.
//
// Each agent code has its own circuit:
//
//   - closed: calls allowed, consecutive failures counted
//   - open: calls refused until the cooldown elapses
//   - half_open: calls allowed again; one success closes the circuit,
//     one failure reopens it
//
// The open -> half_open transition is applied lazily whenever a circuit is
// read, against the registry's clock, so no timers are kept per agent.
package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// State is the state of one circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls when circuits open and how long they stay open.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultConfig returns a threshold of 3 consecutive failures and a 30s cooldown.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}
}

// Snapshot is a point-in-time copy of one circuit.
type Snapshot struct {
	AgentCode           model.AgentCode `json:"agent_code"`
	State               State           `json:"state"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastFailureAt       *time.Time      `json:"last_failure_at,omitempty"`
	OpenedAt            *time.Time      `json:"opened_at,omitempty"`
}

// circuit holds one agent's state. mu guards every field below it.
type circuit struct {
	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time
	openedAt      time.Time
}

// Registry is a concurrency-safe map of agent code to circuit. Circuits for
// the known agent codes exist from construction; others are created on first
// reference and never removed.
type Registry struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	circuits map[model.AgentCode]*circuit
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now. Used by tests to step through cooldowns.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry. Zero config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	r := &Registry{
		cfg:      cfg,
		now:      time.Now,
		circuits: make(map[model.AgentCode]*circuit),
	}
	for _, code := range model.DefaultAgents() {
		r.circuits[code] = &circuit{state: StateClosed}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) get(code model.AgentCode) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[code]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.circuits[code]; ok {
		return c
	}
	c = &circuit{state: StateClosed}
	r.circuits[code] = c
	return c
}

// advance applies the open -> half_open transition. Caller holds c.mu.
func (r *Registry) advance(c *circuit) {
	if c.state == StateOpen && !r.now().Before(c.openedAt.Add(r.cfg.Cooldown)) {
		c.state = StateHalfOpen
	}
}

// State returns the current state for code, creating a closed circuit if
// none exists yet.
func (r *Registry) State(code model.AgentCode) State {
	c := r.get(code)
	c.mu.Lock()
	defer c.mu.Unlock()
	r.advance(c)
	return c.state
}

// IsCallable reports whether a call to code may proceed. Half-open circuits
// are callable.
func (r *Registry) IsCallable(code model.AgentCode) bool {
	return r.State(code) != StateOpen
}

// RecordSuccess closes the circuit and clears the failure count.
func (r *Registry) RecordSuccess(code model.AgentCode) {
	c := r.get(code)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	c.failures = 0
	c.openedAt = time.Time{}
}

// RecordFailure counts a failure and opens the circuit once the threshold is
// reached. A failure while half-open reopens it with a fresh cooldown.
// Returns the resulting state.
func (r *Registry) RecordFailure(code model.AgentCode) State {
	c := r.get(code)
	c.mu.Lock()
	defer c.mu.Unlock()
	r.advance(c)

	now := r.now()
	c.failures++
	c.lastFailureAt = now
	if c.failures >= r.cfg.FailureThreshold && c.state != StateOpen {
		c.state = StateOpen
		c.openedAt = now
	}
	return c.state
}

// Reset closes the circuit for code.
func (r *Registry) Reset(code model.AgentCode) {
	r.RecordSuccess(code)
}

// ResetAll closes every circuit.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.circuits {
		c.mu.Lock()
		c.state = StateClosed
		c.failures = 0
		c.openedAt = time.Time{}
		c.mu.Unlock()
	}
}

// Snapshot returns every circuit, sorted by agent code.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	codes := make([]model.AgentCode, 0, len(r.circuits))
	for code := range r.circuits {
		codes = append(codes, code)
	}
	r.mu.RUnlock()
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	out := make([]Snapshot, 0, len(codes))
	for _, code := range codes {
		out = append(out, r.snapshot(code))
	}
	return out
}

// Get returns a snapshot of the circuit for code.
func (r *Registry) Get(code model.AgentCode) Snapshot {
	return r.snapshot(code)
}

func (r *Registry) snapshot(code model.AgentCode) Snapshot {
	c := r.get(code)
	c.mu.Lock()
	defer c.mu.Unlock()
	r.advance(c)

	s := Snapshot{
		AgentCode:           code,
		State:               c.state,
		ConsecutiveFailures: c.failures,
	}
	if !c.lastFailureAt.IsZero() {
		t := c.lastFailureAt
		s.LastFailureAt = &t
	}
	if c.state != StateClosed && !c.openedAt.IsZero() {
		t := c.openedAt
		s.OpenedAt = &t
	}
	return s
}

// OpenCount returns how many circuits are currently open.
func (r *Registry) OpenCount() int {
	n := 0
	for _, s := range r.Snapshot() {
		if s.State == StateOpen {
			n++
		}
	}
	return n
}

// RegisterMetrics exports the number of open circuits as an observable gauge.
// Call after telemetry.Init.
func (r *Registry) RegisterMetrics() {
	meter := telemetry.Meter("kensa/breaker")
	_, _ = meter.Int64ObservableGauge("kensa.breaker.open",
		metric.WithDescription("Number of agent circuit breakers currently open"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.OpenCount()))
			return nil
		}),
	)
}
