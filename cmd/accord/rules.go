package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rpggio/accord/internal/config"
	"github.com/rpggio/accord/internal/domain/merge"
	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and seed resolution rules",
	}

	var enabledOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List resolution rules by priority",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, done, err := openApp()
			if err != nil {
				return err
			}
			defer done()

			rules, err := a.rules.List(cmd.Context(), merge.ListRulesOptions{EnabledOnly: enabledOnly})
			if err != nil {
				return err
			}
			return printRules(cmd.OutOrStdout(), rules)
		},
	}
	list.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled rules")

	seed := &cobra.Command{
		Use:   "seed",
		Short: "Create the rules listed in the config file that aren't stored yet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, done, err := openApp()
			if err != nil {
				return err
			}
			defer done()

			n, err := a.seedRules(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d of %d rules\n", n, len(a.cfg.Rules))
			return nil
		},
	}

	cmd.AddCommand(list, seed)
	return cmd
}

func openApp() (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}
	cfg.Transport.Mode = "stdio"
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	return a, func() {
		a.Close()
		closeLog()
	}, nil
}

func printRules(w io.Writer, rules []merge.Rule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tNAME\tSTRATEGY\tENABLED\tUSES\tSUCCESS")
	for _, r := range rules {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%d\t%.0f%%\n",
			r.Priority, r.Name, r.Resolution.Strategy, r.Enabled, r.UsageCount, r.SuccessRate*100)
	}
	return tw.Flush()
}
