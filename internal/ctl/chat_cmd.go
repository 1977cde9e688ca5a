package ctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bakhe8/icgl/internal/client"
	"github.com/bakhe8/icgl/internal/console"
	"github.com/spf13/cobra"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message to the assistant (interactive when no message is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.client()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			out := cmd.OutOrStdout()
			if len(args) > 0 {
				return opts.sendChat(ctx, api, out, strings.Join(args, " "))
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprint(out, "> ")
			for scanner.Scan() {
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					fmt.Fprint(out, "> ")
					continue
				}
				if text == "/quit" || text == "/exit" {
					return nil
				}
				if err := opts.sendChat(ctx, api, out, text); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
				}
				fmt.Fprint(out, "> ")
			}
			return scanner.Err()
		},
	}
}

func (o *rootOptions) sendChat(ctx context.Context, api *Client, out io.Writer, text string) error {
	var exchange console.Exchange
	if err := api.PostJSON(ctx, "/chat", map[string]string{"message": text}, &exchange); err != nil {
		return err
	}
	if handled, err := o.writeOutput(out, exchange); handled || err != nil {
		return err
	}
	printMessages(out, exchange.Messages)
	if len(exchange.Pending) > 0 {
		fmt.Fprintf(out, "\n%d command(s) await approval in batch %s:\n", len(exchange.Pending), exchange.BatchID)
		printCommands(out, exchange.Pending)
		fmt.Fprintln(out, "Run 'icglctl approve' or 'icglctl reject'.")
	}
	if exchange.Session.AwaitingApproval {
		fmt.Fprintln(out, "Session is awaiting approval: reply APPROVE, REJECT or CLARIFY.")
	}
	if len(exchange.Suggestions) > 0 {
		fmt.Fprintf(out, "Suggestions: %s\n", strings.Join(exchange.Suggestions, " | "))
	}
	return nil
}

func printMessages(out io.Writer, msgs []client.Message) {
	for _, msg := range msgs {
		fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.PlainText())
	}
}
