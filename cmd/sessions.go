package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"forumharvest/internal/batch"
	"forumharvest/internal/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and resume harvest sessions",
	}
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsResumeCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var (
		statusFilter string
		resumable    bool
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			var records []session.Record
			if resumable {
				records, err = a.Sessions.ListResumableSessions(cmd.Context(), nil)
			} else {
				var status *session.Status
				if raw := strings.TrimSpace(statusFilter); raw != "" {
					parsed := session.Status(strings.ToLower(raw))
					if !parsed.Known() {
						return fmt.Errorf("invalid status %q", raw)
					}
					status = &parsed
				}
				records, err = a.Sessions.ListSessions(cmd.Context(), status, limit, 0)
			}
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status")
	cmd.Flags().BoolVar(&resumable, "resumable", false, "list only resumable sessions")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")

	return cmd
}

func newSessionsResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an interrupted harvest from its checkpoint",
		Long: `Starts a fresh harvest seeded with the checkpoint of a paused or
resumably-failed session, so already-processed items are not refetched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			rec, err := a.Sessions.GetSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("load session %s: %w", args[0], err)
			}
			restored, err := session.FromRecord(rec)
			if err != nil {
				return fmt.Errorf("load session %s: %w", rec.ID, err)
			}
			if !restored.CanResume() {
				return fmt.Errorf("session %s is not resumable (status %s)", rec.ID, rec.Status)
			}

			op := batch.Operation{
				Kind:   batch.KindScrape,
				Target: rec.Config.Target,
				Options: map[string]string{
					"source_kind": string(rec.SourceKind),
					"resume_from": rec.ID,
				},
			}
			if rec.Config.MaxItems > 0 {
				op.Options["max_items"] = strconv.FormatInt(rec.Config.MaxItems, 10)
			}

			report := a.Processor.Execute(cmd.Context(), batch.Config{}, []batch.Operation{op})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			if report.Summary.Failed > 0 {
				return fmt.Errorf("resume failed")
			}
			return nil
		},
	}
}
