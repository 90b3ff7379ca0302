package model_test

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kensa/internal/model"
)

func strPtr(s string) *string { return &s }

func TestVerifyRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     model.VerifyRequest
		wantErr string
	}{
		{"minimal", model.VerifyRequest{WorkItemID: "PRD-1"}, ""},
		{"full", model.VerifyRequest{WorkItemID: "PRD-1", ParentWorkItemID: strPtr("SD-9"), Level: model.LevelFull, Agents: []string{"security"}}, ""},
		{"missing id", model.VerifyRequest{}, "work_item_id is required"},
		{"long id", model.VerifyRequest{WorkItemID: strings.Repeat("x", model.MaxWorkItemIDLen+1)}, "maximum length"},
		{"control chars", model.VerifyRequest{WorkItemID: "PRD\n1"}, "control characters"},
		{"bad parent", model.VerifyRequest{WorkItemID: "PRD-1", ParentWorkItemID: strPtr("")}, "parent_work_item_id is required"},
		{"bad level", model.VerifyRequest{WorkItemID: "PRD-1", Level: 7}, "level must be"},
		{"negative timeout", model.VerifyRequest{WorkItemID: "PRD-1", TimeoutMs: -1}, "timeout_ms"},
		{"bad agent", model.VerifyRequest{WorkItemID: "PRD-1", Agents: []string{"a b"}}, "invalid character"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestVerifyRequestTimeout(t *testing.T) {
	assert.Zero(t, model.VerifyRequest{}.Timeout())
	assert.Equal(t, 2500*time.Millisecond, model.VerifyRequest{TimeoutMs: 2500}.Timeout())
	assert.Equal(t, time.Hour, model.VerifyRequest{TimeoutMs: math.MaxInt}.Timeout(), "saturates instead of overflowing")
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]model.SessionStatus]bool{
		{model.SessionPending, model.SessionRunning}:   true,
		{model.SessionPending, model.SessionFailed}:    true,
		{model.SessionRunning, model.SessionCompleted}: true,
		{model.SessionRunning, model.SessionFailed}:    true,
	}
	all := []model.SessionStatus{model.SessionPending, model.SessionRunning, model.SessionCompleted, model.SessionFailed}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]model.SessionStatus{from, to}], model.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, model.SessionCompleted.Terminal())
	assert.False(t, model.SessionRunning.Terminal())
	assert.True(t, model.SessionPending.Active())
}

func TestRequirementCoveragePercent(t *testing.T) {
	_, ok := model.RequirementCoverage{}.Percent()
	assert.False(t, ok)

	pct, ok := model.RequirementCoverage{
		Met:   []model.Requirement{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}},
		Unmet: []model.Requirement{{ID: "r4"}},
		Total: 4,
	}.Percent()
	assert.True(t, ok)
	assert.InDelta(t, 75.0, pct, 0.001)
}

func TestNewUserStoryValidation(t *testing.T) {
	assert.True(t, model.NewUserStoryValidation(3, 3).Validated)
	v := model.NewUserStoryValidation(3, 1)
	assert.False(t, v.Validated)
	assert.Equal(t, 2, v.Pending)
	assert.False(t, model.NewUserStoryValidation(0, 0).Validated)
}
