// Package ctl implements icglctl, the operator CLI for a running console.
package ctl

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	cfgFile       string
	contextName   string
	overrideURL   string
	overrideToken string
	outputFormat  string
	timeout       time.Duration

	config *Config
}

// Execute runs the CLI.
func Execute() error {
	root := NewRootCommand()
	root.SilenceUsage = true
	root.SilenceErrors = true
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "icglctl",
		Short: "Operate an ICGL governance console",
		Long: `icglctl talks to the local console API: follow the live timeline, chat with
the assistant and approve or reject the commands it proposes.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Config commands load/save the file manually.
			if strings.HasPrefix(cmd.CommandPath(), "icglctl config") {
				return nil
			}
			if opts.config == nil {
				cfg, err := LoadConfig(opts.cfgFile)
				if err != nil {
					return err
				}
				opts.config = cfg
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.cfgFile, "config", defaultConfigPath(), "Path to the icglctl config file")
	root.PersistentFlags().StringVar(&opts.contextName, "context", "", "Context name to use (overrides current)")
	root.PersistentFlags().StringVar(&opts.overrideURL, "server", "", "Override console API URL")
	root.PersistentFlags().StringVar(&opts.overrideToken, "token", "", "Override API token")
	root.PersistentFlags().StringVarP(&opts.outputFormat, "output", "o", "", "Output format: table|json|yaml (default table, or the context's output)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 90*time.Second, "Request timeout")

	root.AddCommand(newTailCmd(opts))
	root.AddCommand(newChatCmd(opts))
	root.AddCommand(newPendingCmd(opts))
	root.AddCommand(newApproveCmd(opts))
	root.AddCommand(newRejectCmd(opts))
	root.AddCommand(newSessionCmd(opts))
	root.AddCommand(newDecisionsCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	return root
}

// resolvedContext merges config state with flag overrides.
func (o *rootOptions) resolvedContext() (*Context, error) {
	if o.config == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	name := o.contextName
	if name == "" {
		name = o.config.CurrentContext
	}
	ctx, ok := o.config.Contexts[name]
	if !ok {
		if o.overrideURL == "" {
			return nil, fmt.Errorf("context %q not found; use 'icglctl config set-context' or --server", name)
		}
		ctx = Context{Name: "flags"}
	}
	if o.overrideURL != "" {
		ctx.Server = o.overrideURL
	}
	if o.overrideToken != "" {
		ctx.Token = o.overrideToken
	}
	if ctx.Server == "" {
		return nil, fmt.Errorf("context %q is missing a server URL", name)
	}
	return &ctx, nil
}

func (o *rootOptions) client() (*Client, error) {
	ctx, err := o.resolvedContext()
	if err != nil {
		return nil, err
	}
	return &Client{
		BaseURL: ctx.Server,
		Token:   ctx.Token,
		Timeout: o.timeout,
	}, nil
}

// format returns --output, falling back to the context default.
func (o *rootOptions) format() string {
	if o.outputFormat != "" {
		return strings.ToLower(o.outputFormat)
	}
	if ctx, err := o.resolvedContext(); err == nil && ctx.Output != "" {
		return strings.ToLower(ctx.Output)
	}
	return "table"
}

// writeOutput renders data for machine formats and reports whether it did.
func (o *rootOptions) writeOutput(out io.Writer, data interface{}) (bool, error) {
	switch format := o.format(); format {
	case "json":
		return true, printJSON(out, data)
	case "yaml":
		return true, printYAML(out, data)
	case "table", "":
		// Table is handled by the caller.
		return false, nil
	default:
		return false, fmt.Errorf("unsupported output format %q", format)
	}
}
