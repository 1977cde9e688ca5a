package ctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bakhe8/icgl/internal/timeline"
	"github.com/spf13/cobra"
)

func newTailCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		follow bool
		types  []string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the live timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !cmd.Flags().Changed("type") {
				if ctx, err := opts.resolvedContext(); err == nil {
					types = ctx.TailTypes
				}
			}
			filter := typeFilter(types)

			var snapshot struct {
				Events []timeline.Event `json:"events"`
			}
			ctx := commandContext(cmd)
			if err := client.GetJSON(ctx, "/timeline", &snapshot); err != nil {
				return err
			}
			events := snapshot.Events
			if limit > 0 && len(events) > limit {
				events = events[:limit]
			}
			// Oldest first so the newest line ends up at the bottom.
			for i := len(events) - 1; i >= 0; i-- {
				if filter(events[i]) {
					if err := opts.printEvent(out, events[i]); err != nil {
						return err
					}
				}
			}
			if !follow {
				return nil
			}

			for {
				err := client.StreamTimeline(ctx, func(evt timeline.Event) bool {
					if filter(evt) {
						if err := opts.printEvent(out, evt); err != nil {
							return false
						}
					}
					return true
				})
				if ctx.Err() != nil {
					return nil
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					fmt.Fprintf(cmd.ErrOrStderr(), "timeline stream interrupted: %v\n", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(2 * time.Second):
				}
			}
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of buffered events to print first (0 for all)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", true, "Keep streaming new events")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Only show these event types (defaults to the context's tailTypes)")
	return cmd
}

func typeFilter(types []string) func(timeline.Event) bool {
	if len(types) == 0 {
		return func(timeline.Event) bool { return true }
	}
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[strings.TrimSpace(t)] = true
	}
	return func(evt timeline.Event) bool { return allowed[evt.Type] }
}

func (o *rootOptions) printEvent(out io.Writer, evt timeline.Event) error {
	if o.format() == "json" {
		return printJSON(out, evt)
	}
	_, err := fmt.Fprintln(out, formatEvent(evt))
	return err
}

func formatEvent(evt timeline.Event) string {
	line := fmt.Sprintf("%s %-8s %-16s %s", evt.Timestamp.Local().Format("15:04:05"), strings.ToUpper(string(evt.Severity)), evt.Type, evt.Source)
	if len(evt.Payload) > 0 {
		payload := string(evt.Payload)
		if len(payload) > 120 {
			payload = payload[:120] + "..."
		}
		line += "  " + payload
	}
	return line
}
