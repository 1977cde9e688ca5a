package ctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bakhe8/icgl/internal/gate"
	"github.com/spf13/cobra"
)

type commandList struct {
	BatchID  string         `json:"batchId,omitempty"`
	Commands []gate.Command `json:"commands"`
}

type resolution struct {
	Report gate.Report `json:"report"`
	Log    []string    `json:"log"`
}

func newPendingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List commands awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.client()
			if err != nil {
				return err
			}
			var list commandList
			if err := api.GetJSON(commandContext(cmd), "/commands", &list); err != nil {
				return err
			}
			if handled, err := opts.writeOutput(cmd.OutOrStdout(), list); handled || err != nil {
				return err
			}
			if len(list.Commands) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No commands pending.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Batch %s\n", list.BatchID)
			printCommands(cmd.OutOrStdout(), list.Commands)
			return nil
		},
	}
}

func newApproveCmd(opts *rootOptions) *cobra.Command {
	var (
		yes     bool
		batchID string
	)
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Confirm and execute every command in the pending batch",
		Long: `approve shows the pending batch, asks for confirmation and executes it.
The console refuses the decision if the batch was replaced after it was shown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.client()
			if err != nil {
				return err
			}
			if yes && batchID == "" {
				if ctx, err := opts.resolvedContext(); err == nil && ctx.RequireReview {
					return fmt.Errorf("context %q requires review: pass --batch with the id shown by 'icglctl pending'", ctx.Name)
				}
			}
			ctx := commandContext(cmd)
			out := cmd.OutOrStdout()
			if yes && batchID != "" {
				return opts.resolve(ctx, api, out, "/commands/confirm", batchID)
			}

			list, err := fetchBatch(ctx, api, batchID)
			if err != nil {
				return err
			}
			if len(list.Commands) == 0 {
				fmt.Fprintln(out, "No commands pending.")
				return nil
			}
			if !yes {
				fmt.Fprintf(out, "Batch %s\n", list.BatchID)
				printCommands(out, list.Commands)
				ok, err := confirmPrompt(fmt.Sprintf("Execute %d command(s)? [y/N]: ", len(list.Commands)), cmd.InOrStdin(), out)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Aborted.")
					return nil
				}
			}
			return opts.resolve(ctx, api, out, "/commands/confirm", list.BatchID)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().StringVar(&batchID, "batch", "", "Only approve this batch id")
	return cmd
}

func newRejectCmd(opts *rootOptions) *cobra.Command {
	var batchID string
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject every command in the pending batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.client()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			if batchID == "" {
				list, err := fetchBatch(ctx, api, "")
				if err != nil {
					return err
				}
				if len(list.Commands) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No commands pending.")
					return nil
				}
				batchID = list.BatchID
			}
			return opts.resolve(ctx, api, cmd.OutOrStdout(), "/commands/reject", batchID)
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "Only reject this batch id")
	return cmd
}

// fetchBatch lists the pending batch. A non-empty want must match it.
func fetchBatch(ctx context.Context, api *Client, want string) (commandList, error) {
	var list commandList
	if err := api.GetJSON(ctx, "/commands", &list); err != nil {
		return list, err
	}
	if want != "" && len(list.Commands) > 0 && list.BatchID != want {
		return list, fmt.Errorf("batch %s is no longer pending (current batch is %s)", want, list.BatchID)
	}
	return list, nil
}

func (o *rootOptions) resolve(ctx context.Context, api *Client, out io.Writer, path, batchID string) error {
	var res resolution
	if err := api.PostJSON(ctx, path, map[string]string{"batchId": batchID}, &res); err != nil {
		return err
	}
	if handled, err := o.writeOutput(out, res); handled || err != nil {
		return err
	}
	for _, line := range res.Log {
		fmt.Fprintln(out, line)
	}
	if failed := res.Report.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d command(s) failed", failed, len(res.Report.Commands))
	}
	return nil
}

func printCommands(out io.Writer, cmds []gate.Command) {
	tw := newTable(out)
	fmt.Fprintln(tw, "#\tSTATUS\tCOMMAND\tPATH")
	for i, c := range cmds {
		path := c.Path
		if path == "" {
			path = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, c.Status, c.Cmd, path)
	}
	flushTable(tw)
}

func confirmPrompt(prompt string, in io.Reader, out io.Writer) (bool, error) {
	reader := bufio.NewReader(in)
	fmt.Fprint(out, prompt)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		return false, err
	}
	input = strings.TrimSpace(strings.ToLower(input))
	return input == "y" || input == "yes", nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
