package kensa

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port         int
	databaseURL  string
	sqlitePath   string
	rulesFile    string
	logger       *slog.Logger
	version      string
	agents       AgentQuerier
	requirements RequirementSource
	cicd         CICDSource
	userStories  UserStorySource
	eventHooks   []EventHook
}

// WithPort overrides the TCP port from config (KENSA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var). Setting it selects the Postgres store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the SQLite file used when no Postgres URL is
// configured (KENSA_SQLITE_PATH env var). ":memory:" keeps sessions in memory.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithRules overrides the YAML conflict rule file (KENSA_RULES_FILE env var).
func WithRules(path string) Option {
	return func(o *resolvedOptions) { o.rulesFile = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAgentQuerier replaces the configured analysis agent source
// (KENSA_AGENT_SOURCE). Only the last call wins.
func WithAgentQuerier(q AgentQuerier) Option {
	return func(o *resolvedOptions) { o.agents = q }
}

// WithRequirementSource replaces the Postgres requirement tables.
func WithRequirementSource(s RequirementSource) Option {
	return func(o *resolvedOptions) { o.requirements = s }
}

// WithCICDSource replaces the Postgres pipeline tables.
func WithCICDSource(s CICDSource) Option {
	return func(o *resolvedOptions) { o.cicd = s }
}

// WithUserStorySource replaces the Postgres user story table.
func WithUserStorySource(s UserStorySource) Option {
	return func(o *resolvedOptions) { o.userStories = s }
}

// WithEventHook registers a hook that receives verification lifecycle events.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}
