package ctl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	var (
		defaultOutput string
		tailTypes     []string
		requireReview bool
	)
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
	}

	setContextCmd := &cobra.Command{
		Use:   "set-context <name>",
		Short: "Create or update a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			makeCurrent, _ := cmd.Flags().GetBool("current")
			cfg, err := LoadConfig(opts.cfgFile)
			if err != nil {
				return err
			}
			if _, exists := cfg.Contexts[args[0]]; !exists && opts.overrideURL == "" {
				return fmt.Errorf("--server is required for a new context")
			}
			update := Context{
				Name:   args[0],
				Server: opts.overrideURL,
				Token:  opts.overrideToken,
				Output: defaultOutput,
			}
			if cmd.Flags().Changed("tail-type") {
				update.TailTypes = tailTypes
			}
			var review *bool
			if cmd.Flags().Changed("require-review") {
				review = &requireReview
			}
			if _, err := upsertContext(cfg, update, review, makeCurrent); err != nil {
				return err
			}
			if err := SaveConfig(cfg, opts.cfgFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Context %q updated.\n", args[0])
			return nil
		},
	}
	setContextCmd.Flags().Bool("current", true, "Set as current context")
	setContextCmd.Flags().StringVar(&defaultOutput, "default-output", "", "Output format used when --output is omitted: table|json|yaml")
	setContextCmd.Flags().StringSliceVar(&tailTypes, "tail-type", nil, "Event types tail shows when --type is omitted")
	setContextCmd.Flags().BoolVar(&requireReview, "require-review", false, "Refuse 'approve --yes' unless --batch names the reviewed batch")

	useContextCmd := &cobra.Command{
		Use:   "use-context <name>",
		Short: "Switch the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.cfgFile)
			if err != nil {
				return err
			}
			if err := ensureContextExists(cfg, args[0]); err != nil {
				return err
			}
			cfg.CurrentContext = args[0]
			if err := SaveConfig(cfg, opts.cfgFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Switched to context %q.\n", args[0])
			return nil
		},
	}

	currentContextCmd := &cobra.Command{
		Use:   "current-context",
		Short: "Print the current context",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.cfgFile)
			if err != nil {
				return err
			}
			if cfg.CurrentContext == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No context configured.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.CurrentContext)
			return nil
		},
	}

	viewCmd := &cobra.Command{
		Use:   "view",
		Short: "Show the configuration with tokens redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.cfgFile)
			if err != nil {
				return err
			}
			redacted := make(map[string]Context, len(cfg.Contexts))
			for name, ctx := range cfg.Contexts {
				if ctx.Token != "" {
					ctx.Token = "REDACTED"
				}
				redacted[name] = ctx
			}
			view := map[string]interface{}{"currentContext": cfg.CurrentContext, "contexts": redacted}
			if handled, err := opts.writeOutput(cmd.OutOrStdout(), view); handled || err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", opts.cfgFile)
			names := make([]string, 0, len(cfg.Contexts))
			for name := range cfg.Contexts {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				current := " "
				if cfg.CurrentContext == name {
					current = "*"
				}
				ctx := cfg.Contexts[name]
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)%s\n", current, name, ctx.Server, contextPreferences(ctx))
			}
			return nil
		},
	}

	configCmd.AddCommand(setContextCmd, useContextCmd, currentContextCmd, viewCmd)
	return configCmd
}

func contextPreferences(ctx Context) string {
	var prefs []string
	if ctx.Output != "" {
		prefs = append(prefs, "output="+ctx.Output)
	}
	if len(ctx.TailTypes) > 0 {
		prefs = append(prefs, "tail="+strings.Join(ctx.TailTypes, ","))
	}
	if ctx.RequireReview {
		prefs = append(prefs, "require-review")
	}
	if len(prefs) == 0 {
		return ""
	}
	return " " + strings.Join(prefs, " ")
}
