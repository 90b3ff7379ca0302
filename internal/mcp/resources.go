package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
)

const (
	sessionURIPrefix = "kensa://sessions/"
	breakersURI      = "kensa://breakers"
)

func (s *Server) registerResources() {
	// kensa://sessions/{session_id}: a session and, once completed, its report.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			sessionURIPrefix+"{session_id}",
			"Verification Session",
			mcplib.WithTemplateDescription("A verification session and its report once completed"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			breakersURI,
			"Circuit Breakers",
			mcplib.WithResourceDescription("Circuit breaker state of every analysis agent"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleBreakersResource,
	)
}

// parseSessionURI extracts the session ID from kensa://sessions/{session_id}.
func parseSessionURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, sessionURIPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid session URI: %q", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid session_id in URI %q: %w", uri, err)
	}
	return id, nil
}

func (s *Server) handleSessionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseSessionURI(uri)
	if err != nil {
		return nil, err
	}

	sess, err := s.svc.Session(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: session %s: %w", id, err)
	}
	detail := model.SessionDetail{Session: sess}
	if sess.Status == model.SessionCompleted {
		report, err := s.svc.Report(ctx, id)
		switch {
		case err == nil:
			detail.Report = &report
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("mcp: report %s: %w", id, err)
		}
	}

	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal session: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleBreakersResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.svc.Breakers().Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal breakers: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      breakersURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
