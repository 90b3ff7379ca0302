package dispatch_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/dispatch"
	"github.com/ashita-ai/kensa/internal/model"
)

type callerFunc func(ctx context.Context, code model.AgentCode, params model.QueryParams, timeout time.Duration) model.AgentOutcome

func (f callerFunc) Call(ctx context.Context, code model.AgentCode, params model.QueryParams, timeout time.Duration) model.AgentOutcome {
	return f(ctx, code, params, timeout)
}

func TestDispatchAll_CollectsEveryOutcome(t *testing.T) {
	d := dispatch.New(callerFunc(func(_ context.Context, code model.AgentCode, _ model.QueryParams, _ time.Duration) model.AgentOutcome {
		if code == model.AgentSecurity {
			return model.AgentOutcome{AgentCode: code, Status: model.OutcomeFailure, UsedFallback: true}
		}
		return model.AgentOutcome{AgentCode: code, Status: model.OutcomeSuccess}
	}), 0)

	codes := model.DefaultAgents()
	out := d.DispatchAll(context.Background(), codes, model.QueryParams{WorkItemID: "PRD-1"}, 0)

	require.Len(t, out, len(codes))
	for _, code := range codes {
		o, ok := out[code]
		require.True(t, ok, "missing outcome for %s", code)
		assert.Equal(t, code, o.AgentCode)
	}
	assert.Equal(t, model.OutcomeFailure, out[model.AgentSecurity].Status)
}

func TestDispatchAll_RunsConcurrently(t *testing.T) {
	d := dispatch.New(callerFunc(func(_ context.Context, code model.AgentCode, _ model.QueryParams, _ time.Duration) model.AgentOutcome {
		time.Sleep(100 * time.Millisecond)
		return model.AgentOutcome{AgentCode: code, Status: model.OutcomeSuccess}
	}), 0)

	start := time.Now()
	out := d.DispatchAll(context.Background(), model.DefaultAgents(), model.QueryParams{}, 0)
	assert.Len(t, out, 9)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "nine 100ms calls should overlap")
}

func TestDispatchAll_SlowAgentDoesNotCancelOthers(t *testing.T) {
	d := dispatch.New(callerFunc(func(ctx context.Context, code model.AgentCode, _ model.QueryParams, _ time.Duration) model.AgentOutcome {
		if code == model.AgentTesting {
			time.Sleep(50 * time.Millisecond)
			return model.AgentOutcome{AgentCode: code, Status: model.OutcomeFailure}
		}
		select {
		case <-ctx.Done():
			return model.AgentOutcome{AgentCode: code, Status: model.OutcomeFailure, Error: "cancelled"}
		case <-time.After(100 * time.Millisecond):
			return model.AgentOutcome{AgentCode: code, Status: model.OutcomeSuccess}
		}
	}), 0)

	out := d.DispatchAll(context.Background(), []model.AgentCode{model.AgentTesting, model.AgentSecurity}, model.QueryParams{}, 0)
	assert.Equal(t, model.OutcomeSuccess, out[model.AgentSecurity].Status)
}

func TestDispatchAll_DedupesAndForwardsParams(t *testing.T) {
	var calls atomic.Int32
	d := dispatch.New(callerFunc(func(_ context.Context, code model.AgentCode, p model.QueryParams, timeout time.Duration) model.AgentOutcome {
		calls.Add(1)
		assert.Equal(t, "sess-9", p.SessionID)
		assert.Equal(t, 3*time.Second, timeout)
		return model.AgentOutcome{AgentCode: code, Status: model.OutcomeSuccess}
	}), 2)

	codes := []model.AgentCode{model.AgentSecurity, model.AgentSecurity, model.AgentCost}
	out := d.DispatchAll(context.Background(), codes, model.QueryParams{SessionID: "sess-9"}, 3*time.Second)
	assert.Len(t, out, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatchAll_Empty(t *testing.T) {
	d := dispatch.New(nil, 0)
	assert.Empty(t, d.DispatchAll(context.Background(), nil, model.QueryParams{}, 0))
}
