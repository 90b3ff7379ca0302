package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kensa"
	"github.com/ashita-ai/kensa/internal/model"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and MCP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(cmd.OutOrStdout())
			slog.SetDefault(logger)

			opts := []kensa.Option{kensa.WithLogger(logger), kensa.WithVersion(version)}
			if port != 0 {
				opts = append(opts, kensa.WithPort(port))
			}
			app, err := kensa.New(opts...)
			if err != nil {
				return err
			}
			logger.Info("kensa starting", "version", version)
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides KENSA_PORT)")
	return cmd
}

func newVerifyCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		parent      string
		itemType    string
		triggeredBy string
		level       int
		agents      []string
	)
	cmd := &cobra.Command{
		Use:   "verify <work-item-id>",
		Short: "Verify one work item and exit with its verdict",
		Long: `Verify one work item and print the report as JSON.

Exit status: 0 pass, 2 conditional_pass, 3 fail, 4 escalate, 1 error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !model.Level(level).Valid() {
				return fmt.Errorf("--level must be 1, 2, or 3")
			}
			app, err := kensa.New(kensa.WithLogger(newLogger(stderr)), kensa.WithVersion(version))
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(cmd.Context()) }()

			res, err := app.Verify(cmd.Context(), kensa.VerifyRequest{
				WorkItemID:       args[0],
				ParentWorkItemID: parent,
				WorkItemType:     itemType,
				TriggeredBy:      triggeredBy,
				Level:            level,
				Agents:           agents,
			})
			if err != nil {
				return err
			}
			if err := printReport(stdout, res, model.Level(level)); err != nil {
				return err
			}
			if code := verdictExitCode(res.Verdict); code != exitOK {
				return exitCodeError{code: code}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&parent, "parent", "", "parent work item (enables CI/CD and user story checks)")
	f.StringVar(&itemType, "type", "", "work item type")
	f.StringVar(&triggeredBy, "triggered-by", "cli", "who or what started the verification")
	f.IntVar(&level, "level", kensa.LevelSummary, "report detail: 1 summary, 2 issues, 3 full")
	f.StringSliceVar(&agents, "agents", nil, "agent codes to dispatch (default: configured rules; safety, integrity and consensus agents always run)")
	return cmd
}

func newSessionsCmd(stdout, stderr io.Writer) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions <work-item-id>",
		Short: "List verification sessions of a work item, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := kensa.New(kensa.WithLogger(newLogger(stderr)), kensa.WithVersion(version))
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			sessions, err := app.Sessions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sessions)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

// printReport writes the level view of the report carried in res.
func printReport(w io.Writer, res kensa.Result, level model.Level) error {
	var report model.Report
	if err := json.Unmarshal(res.Report, &report); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report.View(level))
}

func verdictExitCode(v kensa.Verdict) int {
	switch v {
	case kensa.VerdictPass:
		return exitOK
	case kensa.VerdictConditionalPass:
		return exitConditional
	case kensa.VerdictFail:
		return exitFail
	case kensa.VerdictEscalate:
		return exitEscalate
	default:
		return exitError
	}
}
