package ctl

import (
	"fmt"
	"strconv"

	"github.com/bakhe8/icgl/internal/dialogue"
	"github.com/bakhe8/icgl/internal/store"
	"github.com/spf13/cobra"
)

func newSessionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Show the dialogue session and feed status",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.client()
			if err != nil {
				return err
			}
			var status struct {
				Session       dialogue.Session `json:"session"`
				Stream        string           `json:"stream"`
				PendingCount  int              `json:"pendingCount"`
				TranscriptLen int              `json:"transcriptLen"`
			}
			if err := api.GetJSON(commandContext(cmd), "/session", &status); err != nil {
				return err
			}
			if handled, err := opts.writeOutput(cmd.OutOrStdout(), status); handled || err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			sessionID := status.Session.ID
			if sessionID == "" {
				sessionID = "-"
			}
			fmt.Fprintf(tw, "Session:\t%s\n", sessionID)
			fmt.Fprintf(tw, "Dialogue state:\t%s\n", status.Session.DialogueState)
			fmt.Fprintf(tw, "Awaiting approval:\t%t\n", status.Session.AwaitingApproval)
			fmt.Fprintf(tw, "Live feed:\t%s\n", status.Stream)
			fmt.Fprintf(tw, "Pending commands:\t%d\n", status.PendingCount)
			fmt.Fprintf(tw, "Transcript messages:\t%d\n", status.TranscriptLen)
			flushTable(tw)
			return nil
		},
	}
}

func newDecisionsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Show the audit log of resolved command batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.client()
			if err != nil {
				return err
			}
			var payload struct {
				Decisions []store.Decision `json:"decisions"`
			}
			if err := api.GetJSON(commandContext(cmd), "/decisions?limit="+strconv.Itoa(limit), &payload); err != nil {
				return err
			}
			if handled, err := opts.writeOutput(cmd.OutOrStdout(), payload); handled || err != nil {
				return err
			}
			if len(payload.Decisions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No decisions recorded.")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tDECISION\tCOMMANDS\tFAILED\tDURATION\tWHEN")
			for _, d := range payload.Decisions {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
					d.ID, d.Decision, len(d.Commands), d.Failed,
					humanDuration(d.FinishedAt.Sub(d.StartedAt)), relativeTime(d.CreatedAt))
			}
			flushTable(tw)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries to show")
	return cmd
}
