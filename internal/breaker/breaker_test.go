package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(DefaultConfig(), WithClock(clk.Now)), clk
}

func TestRegistry_OpensAfterThreshold(t *testing.T) {
	r, _ := newTestRegistry()

	assert.Equal(t, StateClosed, r.RecordFailure(model.AgentSecurity))
	assert.Equal(t, StateClosed, r.RecordFailure(model.AgentSecurity))
	assert.True(t, r.IsCallable(model.AgentSecurity))

	assert.Equal(t, StateOpen, r.RecordFailure(model.AgentSecurity))
	assert.False(t, r.IsCallable(model.AgentSecurity))

	snap := r.Get(model.AgentSecurity)
	assert.Equal(t, 3, snap.ConsecutiveFailures)
	require.NotNil(t, snap.OpenedAt)
	require.NotNil(t, snap.LastFailureAt)
}

func TestRegistry_SuccessResetsCount(t *testing.T) {
	r, _ := newTestRegistry()

	r.RecordFailure(model.AgentTesting)
	r.RecordFailure(model.AgentTesting)
	r.RecordSuccess(model.AgentTesting)
	r.RecordFailure(model.AgentTesting)
	r.RecordFailure(model.AgentTesting)

	assert.Equal(t, StateClosed, r.State(model.AgentTesting), "two failures after a success must not open the circuit")
	assert.Equal(t, 2, r.Get(model.AgentTesting).ConsecutiveFailures)
}

func TestRegistry_HalfOpenAfterCooldown(t *testing.T) {
	r, clk := newTestRegistry()
	for i := 0; i < 3; i++ {
		r.RecordFailure(model.AgentDatabase)
	}

	clk.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, r.State(model.AgentDatabase))

	clk.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, r.State(model.AgentDatabase))
	assert.True(t, r.IsCallable(model.AgentDatabase), "half_open is callable")
}

func TestRegistry_HalfOpenSuccessCloses(t *testing.T) {
	r, clk := newTestRegistry()
	for i := 0; i < 3; i++ {
		r.RecordFailure(model.AgentDatabase)
	}
	clk.Advance(31 * time.Second)
	require.Equal(t, StateHalfOpen, r.State(model.AgentDatabase))

	r.RecordSuccess(model.AgentDatabase)
	snap := r.Get(model.AgentDatabase)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Nil(t, snap.OpenedAt)
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	r, clk := newTestRegistry()
	for i := 0; i < 3; i++ {
		r.RecordFailure(model.AgentDatabase)
	}
	clk.Advance(31 * time.Second)
	require.Equal(t, StateHalfOpen, r.State(model.AgentDatabase))

	assert.Equal(t, StateOpen, r.RecordFailure(model.AgentDatabase))

	// The cooldown restarts from the new failure.
	clk.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, r.State(model.AgentDatabase))
	clk.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, r.State(model.AgentDatabase))
}

func TestRegistry_IndependentAgents(t *testing.T) {
	r, _ := newTestRegistry()
	for i := 0; i < 3; i++ {
		r.RecordFailure(model.AgentSecurity)
	}
	assert.False(t, r.IsCallable(model.AgentSecurity))
	assert.True(t, r.IsCallable(model.AgentPerformance))
	assert.Equal(t, 1, r.OpenCount())
}

func TestRegistry_UnknownCodeCreatedLazily(t *testing.T) {
	r, _ := newTestRegistry()
	before := len(r.Snapshot())

	assert.True(t, r.IsCallable("ACCESSIBILITY"))
	assert.Len(t, r.Snapshot(), before+1)
}

func TestRegistry_ResetAndResetAll(t *testing.T) {
	r, _ := newTestRegistry()
	for i := 0; i < 3; i++ {
		r.RecordFailure(model.AgentSecurity)
		r.RecordFailure(model.AgentCost)
	}
	require.Equal(t, 2, r.OpenCount())

	r.Reset(model.AgentSecurity)
	assert.Equal(t, StateClosed, r.State(model.AgentSecurity))
	assert.Equal(t, StateOpen, r.State(model.AgentCost))

	r.ResetAll()
	assert.Equal(t, 0, r.OpenCount())
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r, _ := newTestRegistry()
	snaps := r.Snapshot()
	for i := 1; i < len(snaps); i++ {
		assert.Less(t, string(snaps[i-1].AgentCode), string(snaps[i].AgentCode))
	}
}

func TestRegistry_ConcurrentFailures(t *testing.T) {
	r, _ := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordFailure(model.AgentSecurity)
			_ = r.IsCallable(model.AgentSecurity)
			_ = r.Snapshot()
		}()
	}
	wg.Wait()

	snap := r.Get(model.AgentSecurity)
	assert.Equal(t, 50, snap.ConsecutiveFailures, "no lost updates")
	assert.Equal(t, StateOpen, snap.State)
}

func TestNew_ZeroConfigUsesDefaults(t *testing.T) {
	r := New(Config{})
	assert.Equal(t, 3, r.cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, r.cfg.Cooldown)
}
