package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/events"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/verification"
	"github.com/ashita-ai/kensa/internal/storage"
)

// sseKeepalive is how often an idle event stream receives a comment line.
const sseKeepalive = 15 * time.Second

// Pinger reports storage reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc                 *verification.Service
	broker              *events.Broker
	db                  Pinger
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	startedAt           time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Service             *verification.Service
	Broker              *events.Broker
	DB                  Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBytes := d.MaxRequestBodyBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Handlers{
		svc:                 d.Service,
		broker:              d.Broker,
		db:                  d.DB,
		logger:              d.Logger,
		version:             d.Version,
		maxRequestBodyBytes: maxBytes,
		startedAt:           time.Now(),
	}
}

// HandleVerify handles POST /v1/verifications. The response is the full
// report; the request blocks until the verdict is reached.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req model.VerifyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	agentCodes, _ := model.ParseAgentCodes(req.Agents)

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}
	report, err := h.svc.Verify(r.Context(), verification.Request{
		WorkItemID:       req.WorkItemID,
		ParentWorkItemID: req.ParentWorkItemID,
		WorkItemType:     req.WorkItemType,
		TriggeredBy:      triggeredBy,
		Level:            req.Level,
		Agents:           agentCodes,
		Timeout:          req.Timeout(),
		Metadata:         map[string]any{"request_id": RequestIDFromContext(r.Context())},
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleGetSession handles GET /v1/sessions/{session_id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("session_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session_id")
		return
	}

	sess, err := h.svc.Session(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	detail := model.SessionDetail{Session: sess}
	if sess.Status == model.SessionCompleted {
		report, err := h.svc.Report(r.Context(), id)
		switch {
		case err == nil:
			detail.Report = &report
		case !errors.Is(err, storage.ErrNotFound):
			h.writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleListSessions handles GET /v1/work-items/{work_item_id}/sessions.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := h.svc.Sessions(r.Context(), r.PathValue("work_item_id"), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, r, http.StatusOK, sessions)
}

// HandleBreakers handles GET /v1/breakers.
func (h *Handlers) HandleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.svc.Breakers().Snapshot())
}

// HandleResetBreaker handles POST /v1/breakers/{agent_code}/reset.
func (h *Handlers) HandleResetBreaker(w http.ResponseWriter, r *http.Request) {
	code, err := model.ParseAgentCode(r.PathValue("agent_code"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	breakers := h.svc.Breakers()
	breakers.Reset(code)
	h.logger.Info("circuit breaker reset", "agent_code", code, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, breakers.Get(code))
}

// HandleSubscribe handles GET /v1/subscribe as a Server-Sent Events stream of
// verification lifecycle events.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("sse: streaming not supported", "error", err)
		return
	}

	// The server's WriteTimeout would otherwise kill idle streams.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(events.FormatSSE(ev)); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			storageStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	open := h.svc.Breakers().OpenCount()
	if open > 0 && status == "healthy" {
		status = "degraded"
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Storage:      storageStatus,
		OpenBreakers: open,
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.Subscribers = h.broker.SubscriberCount()
	}
	writeJSON(w, r, httpStatus, resp)
}

// writeServiceError maps service and storage errors onto HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, verification.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, storage.ErrActiveSession):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a verification is already running for this work item")
	case errors.Is(err, storage.ErrIterationLimit):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeIterationLimit, "work item reached its verification iteration limit")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	default:
		h.logger.Error("request failed", "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}
