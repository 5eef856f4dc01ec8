package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/guardianmesh"
	"github.com/hupe1980/guardianmesh/config"
	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/logging"
	"github.com/hupe1980/guardianmesh/routing"
)

// app carries the state shared by all subcommands.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *logging.MeshLogger
}

func (a *app) open(ctx context.Context) (*guardianmesh.Orchestrator, error) {
	o, err := guardianmesh.NewFromConfig(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}
	return o, nil
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "guardianctl",
		Short:        "Route tasks and manage memory for guardian agents",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.NewLogger(&logging.LoggerConfig{
				Level:     logging.ParseLevel(cfg.Log.Level),
				Format:    cfg.Log.Format,
				Output:    cmd.ErrOrStderr(),
				Component: "guardianctl",
			})
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newRouteCmd(a),
		newClassifyCmd(a),
		newRememberCmd(a),
		newRecallCmd(a),
		newPruneCmd(a),
		newBudgetCmd(a),
		newServeCmd(a),
	)
	return root
}

func newRouteCmd(a *app) *cobra.Command {
	var exclude []string
	cmd := &cobra.Command{
		Use:   "route <task>",
		Short: "Pick the guardian best suited for a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			d := o.Route(cmd.Context(), strings.Join(args, " "), routing.RouteContext{Exclude: exclude})
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Guardian:   %s (%s)\n", d.AgentName, d.AgentID)
			fmt.Fprintf(out, "Gate:       %s (%d Hz)\n", d.Gate, d.Frequency)
			fmt.Fprintf(out, "Confidence: %.2f\n", d.Confidence)
			if len(d.Matched) > 0 {
				fmt.Fprintf(out, "Matched:    %s\n", strings.Join(d.Matched, ", "))
			}
			fmt.Fprintf(out, "Reasoning:  %s\n", d.Reasoning)
			for _, alt := range d.Alternatives {
				fmt.Fprintf(out, "  alt %s score %.1f\n", alt.AgentID, alt.Score)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "guardians to leave out")
	return cmd
}

func newClassifyCmd(a *app) *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Show which vault a piece of content belongs to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			c := o.Classify(strings.Join(args, " "), agent)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Vault:      %s\n", c.Category)
			fmt.Fprintf(out, "Confidence: %.2f (%s)\n", c.Confidence, c.Level)
			if c.Alternate != "" {
				fmt.Fprintf(out, "Alternate:  %s\n", c.Alternate)
			}
			fmt.Fprintf(out, "Reasoning:  %s\n", c.Reasoning)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "guardian whose vault affinity applies")
	return cmd
}

func newRememberCmd(a *app) *cobra.Command {
	var (
		agent string
		tags  []string
	)
	cmd := &cobra.Command{
		Use:   "remember <text>",
		Short: "Store content in a guardian's memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			e, err := o.Remember(cmd.Context(), agent, strings.Join(args, " "), tags...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %s (%s, %s)\n", e.ID, e.Namespace, e.Category, e.Confidence)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "guardian id")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags to attach")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newRecallCmd(a *app) *cobra.Command {
	var (
		agent string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search a guardian's memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			results, err := o.Recall(cmd.Context(), agent, strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(out, "No memories found.")
				return nil
			}
			for _, r := range results {
				fmt.Fprintf(out, "%.3f  [%s] %s\n", r.Score, r.Entry.Category, oneLine(r.Entry.Content))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "guardian id")
	cmd.Flags().IntVar(&limit, "limit", 5, "maximum number of results")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newPruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove expired ttl memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			n, err := o.PruneExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d expired entries\n", n)
			return nil
		},
	}
}

func newBudgetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show the configured token budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			out := cmd.OutOrStdout()
			st, ok := o.BudgetStatus()
			if !ok {
				fmt.Fprintln(out, "No budget configured.")
				return nil
			}
			fmt.Fprintf(out, "Budget:    %d tokens\n", st.TotalBudget)
			fmt.Fprintf(out, "Used:      %d (%.1f%%)\n", st.Used, st.Ratio*100)
			fmt.Fprintf(out, "Remaining: %d\n", st.Remaining)
			fmt.Fprintf(out, "Level:     %s\n", st.Level)
			fmt.Fprintf(out, "Alerts at: %.0f%% warning, %.0f%% critical\n", a.cfg.Budget.Warning*100, a.cfg.Budget.Critical*100)
			return nil
		},
	}
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 100 {
		return s[:97] + "..."
	}
	return s
}

// logEvents mirrors budget alerts and anomalies into the log.
func logEvents(o *guardianmesh.Orchestrator, logger logging.Logger) {
	o.On(core.EventBudgetWarning, func(_ context.Context, ev core.Event) {
		logger.Warn("token budget warning", "ratio", ev.Data["ratio"], "remaining", ev.Data["remaining"])
	})
	o.On(core.EventBudgetCritical, func(_ context.Context, ev core.Event) {
		logger.Error("token budget critical", "ratio", ev.Data["ratio"], "remaining", ev.Data["remaining"])
	})
	o.On(core.EventContextAnomaly, func(_ context.Context, ev core.Event) {
		logger.Warn("compact context exceeded its baseline", "query", ev.Data["query"])
	})
}
