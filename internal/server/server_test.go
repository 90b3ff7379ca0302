package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/breaker"
	"github.com/ashita-ai/kensa/internal/events"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/server"
	"github.com/ashita-ai/kensa/internal/service/verification"
	"github.com/ashita-ai/kensa/internal/storage/sqlite"
	"github.com/ashita-ai/kensa/internal/testutil"
)

type staticAgents struct {
	payload model.Payload
	fail    map[model.AgentCode]bool
}

func (s staticAgents) Query(_ context.Context, code model.AgentCode, _ model.QueryParams) (model.Payload, error) {
	if s.fail[code] {
		return model.Payload{}, errors.New("agent down")
	}
	return s.payload, nil
}

type env struct {
	srv      *httptest.Server
	broker   *events.Broker
	breakers *breaker.Registry
}

func newEnv(t *testing.T, agents staticAgents, limiter ratelimit.Limiter) env {
	t.Helper()
	store, err := sqlite.Open(context.Background(), sqlite.DefaultConfig(":memory:"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.New(testutil.TestLogger())
	breakers := breaker.New(breaker.DefaultConfig())
	svc := verification.New(store, verification.Sources{Agents: agents}, breakers, broker,
		verification.DefaultConfig(), testutil.TestLogger())

	srv := server.New(server.ServerConfig{
		Service:             svc,
		Broker:              broker,
		DB:                  store,
		Limiter:             limiter,
		Logger:              testutil.TestLogger(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return env{srv: ts, broker: broker, breakers: breakers}
}

func passing() staticAgents {
	return staticAgents{payload: model.Payload{Status: model.AgentPassed, Confidence: model.Float(95)}}
}

type envelope struct {
	Data  json.RawMessage   `json:"data"`
	Error model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta
}

func do(t *testing.T, method, url string, body any) (*http.Response, envelope) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestVerifyAndReadBack(t *testing.T) {
	e := newEnv(t, passing(), nil)

	resp, body := do(t, http.MethodPost, e.srv.URL+"/v1/verifications", model.VerifyRequest{WorkItemID: "PRD-10"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var report model.Report
	require.NoError(t, json.Unmarshal(body.Data, &report))
	assert.Equal(t, model.VerdictPass, report.Decision.Verdict)
	assert.Equal(t, "api", report.Session.TriggeredBy)

	resp, body = do(t, http.MethodGet, e.srv.URL+"/v1/sessions/"+report.Session.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail model.SessionDetail
	require.NoError(t, json.Unmarshal(body.Data, &detail))
	assert.Equal(t, model.SessionCompleted, detail.Session.Status)
	require.NotNil(t, detail.Report)
	assert.Equal(t, model.VerdictPass, detail.Report.Decision.Verdict)

	resp, body = do(t, http.MethodGet, e.srv.URL+"/v1/work-items/PRD-10/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions []model.Session
	require.NoError(t, json.Unmarshal(body.Data, &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].IterationNumber)
}

func TestVerifyAgentSubsetKeepsSecurityGate(t *testing.T) {
	agents := passing()
	agents.fail = map[model.AgentCode]bool{model.AgentSecurity: true}
	e := newEnv(t, agents, nil)

	resp, body := do(t, http.MethodPost, e.srv.URL+"/v1/verifications", model.VerifyRequest{
		WorkItemID: "PRD-14",
		Agents:     []string{"cost"},
		TimeoutMs:  math.MaxInt,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report model.Report
	require.NoError(t, json.Unmarshal(body.Data, &report))
	assert.Equal(t, model.VerdictFail, report.Decision.Verdict)
	assert.Equal(t, model.ResolutionSecurityOverride, report.Conflict.ResolutionReason)
	assert.Contains(t, report.Outcomes, model.AgentSecurity)
}

func TestVerifyRejectsBadInput(t *testing.T) {
	e := newEnv(t, passing(), nil)

	cases := []any{
		model.VerifyRequest{},
		model.VerifyRequest{WorkItemID: "PRD-1", Level: 7},
		model.VerifyRequest{WorkItemID: "PRD-1", Agents: []string{"bad code"}},
		map[string]any{"work_item_id": "PRD-1", "surprise": true},
	}
	for _, c := range cases {
		resp, body := do(t, http.MethodPost, e.srv.URL+"/v1/verifications", c)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)
	}
}

func TestIterationLimitMapsTo422(t *testing.T) {
	e := newEnv(t, passing(), nil)
	url := e.srv.URL + "/v1/verifications"

	for i := 0; i < 3; i++ {
		resp, _ := do(t, http.MethodPost, url, model.VerifyRequest{WorkItemID: "PRD-11"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := do(t, http.MethodPost, url, model.VerifyRequest{WorkItemID: "PRD-11"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, model.ErrCodeIterationLimit, body.Error.Code)
}

func TestGetSessionErrors(t *testing.T) {
	e := newEnv(t, passing(), nil)

	resp, body := do(t, http.MethodGet, e.srv.URL+"/v1/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)

	resp, body = do(t, http.MethodGet, e.srv.URL+"/v1/sessions/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, body.Error.Code)
}

func TestListSessionsValidatesLimit(t *testing.T) {
	e := newEnv(t, passing(), nil)
	resp, _ := do(t, http.MethodGet, e.srv.URL+"/v1/work-items/PRD-1/sessions?limit=-2", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, http.MethodGet, e.srv.URL+"/v1/work-items/PRD-1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body.Data))
}

func TestBreakersAndReset(t *testing.T) {
	agents := passing()
	agents.fail = map[model.AgentCode]bool{model.AgentSecurity: true}
	e := newEnv(t, agents, nil)

	// Three failed runs open the security breaker.
	for _, id := range []string{"PRD-20", "PRD-21", "PRD-22"} {
		resp, _ := do(t, http.MethodPost, e.srv.URL+"/v1/verifications", model.VerifyRequest{WorkItemID: id})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, breaker.StateOpen, e.breakers.State(model.AgentSecurity))

	resp, body := do(t, http.MethodGet, e.srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health model.HealthResponse
	require.NoError(t, json.Unmarshal(body.Data, &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, 1, health.OpenBreakers)

	resp, body = do(t, http.MethodPost, e.srv.URL+"/v1/breakers/security/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap breaker.Snapshot
	require.NoError(t, json.Unmarshal(body.Data, &snap))
	assert.Equal(t, breaker.StateClosed, snap.State)

	resp, body = do(t, http.MethodGet, e.srv.URL+"/v1/breakers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snaps []breaker.Snapshot
	require.NoError(t, json.Unmarshal(body.Data, &snaps))
	for _, s := range snaps {
		assert.Equal(t, breaker.StateClosed, s.State, s.AgentCode)
	}

	resp, _ = do(t, http.MethodPost, e.srv.URL+"/v1/breakers/bad.code/reset", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthy(t *testing.T) {
	e := newEnv(t, passing(), nil)
	resp, body := do(t, http.MethodGet, e.srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health model.HealthResponse
	require.NoError(t, json.Unmarshal(body.Data, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Storage)
	assert.Equal(t, "test", health.Version)
}

func TestVerifyRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newEnv(t, passing(), limiter)

	resp, _ := do(t, http.MethodPost, e.srv.URL+"/v1/verifications", model.VerifyRequest{WorkItemID: "PRD-30"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodPost, e.srv.URL+"/v1/verifications", model.VerifyRequest{WorkItemID: "PRD-31"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)

	// Reads are not limited.
	resp, _ = do(t, http.MethodGet, e.srv.URL+"/v1/breakers", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubscribeStreamsLifecycle(t *testing.T) {
	e := newEnv(t, passing(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/v1/subscribe", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return e.broker.SubscriberCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	go func() {
		_, _ = http.Post(e.srv.URL+"/v1/verifications", "application/json",
			strings.NewReader(`{"work_item_id":"PRD-40"}`))
	}()

	var seen []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			seen = append(seen, name)
			if name == string(model.EventVerificationComplete) {
				break
			}
		}
	}
	assert.Equal(t, []string{
		string(model.EventSessionCreated),
		string(model.EventSessionRunning),
		string(model.EventVerificationComplete),
	}, seen)
}
