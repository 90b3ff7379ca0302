package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/testutil"
)

type hookFunc func(ctx context.Context, ev model.Event) error

func (f hookFunc) OnEvent(ctx context.Context, ev model.Event) error { return f(ctx, ev) }

func recv(t *testing.T, ch chan model.Event) model.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
		return model.Event{}
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := New(testutil.TestLogger())

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(context.Background(), model.Event{Type: model.EventSessionCreated, WorkItemID: "PRD-1"})
	assert.Equal(t, model.EventSessionCreated, recv(t, ch1).Type)
	ev := recv(t, ch2)
	assert.Equal(t, "PRD-1", ev.WorkItemID)
	assert.False(t, ev.At.IsZero(), "publish stamps the event time")

	b.Unsubscribe(ch1)
	b.Publish(context.Background(), model.Event{Type: model.EventVerificationComplete, Verdict: model.VerdictPass})
	assert.Equal(t, model.VerdictPass, recv(t, ch2).Verdict)

	_, open := <-ch1
	assert.False(t, open, "unsubscribed channel is closed")

	// A second Unsubscribe must not panic on a closed channel.
	b.Unsubscribe(ch1)
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := New(testutil.TestLogger())
	ch := b.Subscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(context.Background(), model.Event{Type: model.EventSessionRunning})
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestBrokerHooks(t *testing.T) {
	var (
		mu  sync.Mutex
		got []model.EventType
	)
	ok := hookFunc(func(_ context.Context, ev model.Event) error {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		return nil
	})
	failing := hookFunc(func(context.Context, model.Event) error { return errors.New("webhook down") })

	b := New(testutil.TestLogger(), ok, failing)

	ctx, cancel := context.WithCancel(context.Background())
	b.Publish(ctx, model.Event{Type: model.EventVerificationError, Error: "boom"})
	cancel() // hooks outlive the publisher's context

	require.NoError(t, b.Wait(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.EventType{model.EventVerificationError}, got)
}

func TestFormatSSE(t *testing.T) {
	out := string(FormatSSE(model.Event{Type: model.EventVerificationComplete, WorkItemID: "PRD-7"}))
	assert.True(t, strings.HasPrefix(out, "event: verification.complete\ndata: {"))
	assert.Contains(t, out, `"work_item_id":"PRD-7"`)
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}
