// Package dispatch fans agent queries out concurrently and collects every
// outcome.
package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kensa/internal/model"
)

// Caller is satisfied by *gateway.Gateway.
type Caller interface {
	Call(ctx context.Context, code model.AgentCode, params model.QueryParams, timeout time.Duration) model.AgentOutcome
}

// Dispatcher runs one gateway call per agent code. One agent's failure never
// cancels another; DispatchAll returns only after every call has finished.
type Dispatcher struct {
	caller Caller
	limit  int
}

// New creates a dispatcher. limit caps concurrent calls; zero or less means
// one goroutine per agent.
func New(caller Caller, limit int) *Dispatcher {
	return &Dispatcher{caller: caller, limit: limit}
}

// DispatchAll calls every agent in codes and returns exactly one outcome per
// distinct code. timeout applies to each call individually.
func (d *Dispatcher) DispatchAll(ctx context.Context, codes []model.AgentCode, params model.QueryParams, timeout time.Duration) map[model.AgentCode]model.AgentOutcome {
	out := make(map[model.AgentCode]model.AgentOutcome, len(codes))
	if len(codes) == 0 {
		return out
	}

	// errgroup.Group without WithContext: no shared cancellation between calls.
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}

	seen := make(map[model.AgentCode]bool, len(codes))
	for _, code := range codes {
		if seen[code] {
			continue
		}
		seen[code] = true
		g.Go(func() error {
			o := d.caller.Call(ctx, code, params, timeout)
			mu.Lock()
			out[code] = o
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // calls never return errors
	return out
}
