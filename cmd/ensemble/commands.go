package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/martinemde/ensemble/agentloop"
	"github.com/martinemde/ensemble/parallel"
	"github.com/martinemde/ensemble/roles"
	"github.com/martinemde/ensemble/router"
	"github.com/martinemde/ensemble/unifiedllm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// errRunFailed reports a run that ended in an error event already shown.
var errRunFailed = errors.New("agent run failed")

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <request>",
		Short: "Route a request to the best-suited agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd)
			defer stop()
			input := strings.Join(args, " ")
			return stream(newPrinter(cmd.OutOrStdout(), viper.GetBool("json")), a.orchestrator().Run(ctx, input))
		},
	}
}

func newAgentCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "agent <role> <request>",
		Short: "Run one role agent directly",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := roles.ParseRole(args[0])
			if err != nil {
				return err
			}
			m, err := roles.ParseMode(mode)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			runner, err := a.factory.Runner(role, m)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return stream(newPrinter(cmd.OutOrStdout(), viper.GetBool("json")), runner.Run(ctx, strings.Join(args[1:], " ")))
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "focus mode (refactor, security, performance, testing, documentation)")
	return cmd
}

type parallelFlags struct {
	roles          []string
	strategy       string
	consolidation  string
	timeout        time.Duration
	quorum         float64
	maxConcurrency int
}

func newParallelCmd() *cobra.Command {
	f := &parallelFlags{}
	cmd := &cobra.Command{
		Use:   "parallel <request>",
		Short: "Run several role agents concurrently and consolidate their answers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := parseRoles(f.roles)
			if err != nil {
				return err
			}
			opts, err := parallelOptions(cfg, f)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			p := newPrinter(cmd.OutOrStdout(), viper.GetBool("json"))
			o := a.orchestrator(router.WithExecutorOptions(parallel.WithObserver(p.progress)))

			ctx, stop := signalContext(cmd)
			defer stop()
			res, err := o.FanOut(ctx, strings.Join(args, " "), rs, opts)
			if err != nil {
				return err
			}
			return p.result(res)
		},
	}
	cmd.Flags().StringSliceVarP(&f.roles, "roles", "r", []string{"coder", "reviewer"}, "roles to run")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "all, race, or quorum (default from config)")
	cmd.Flags().StringVar(&f.consolidation, "consolidation", "", "merge, best, or vote (default from config)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "overall timeout (default from config)")
	cmd.Flags().Float64Var(&f.quorum, "quorum", 0, "fraction of agents that must succeed under quorum")
	cmd.Flags().IntVar(&f.maxConcurrency, "max-concurrency", 0, "agents running at once (0 = unlimited)")
	return cmd
}

func parseRoles(names []string) ([]roles.Role, error) {
	var out []roles.Role
	seen := make(map[roles.Role]bool)
	for _, name := range names {
		role, err := roles.ParseRole(name)
		if err != nil {
			return nil, err
		}
		if !seen[role] {
			seen[role] = true
			out = append(out, role)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one role is required")
	}
	return out, nil
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <request>",
		Short: "Show how a request would be routed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := router.New(nil, router.WithDelegationThreshold(cfg.Router.DelegationThreshold))
			intent := o.Classify(strings.Join(args, " "))
			return newPrinter(cmd.OutOrStdout(), viper.GetBool("json")).intent(intent, o.Delegates(intent))
		},
	}
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List known models (filtered by --provider)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			models := unifiedllm.ListModels(viper.GetString("provider"))
			return newPrinter(cmd.OutOrStdout(), viper.GetBool("json")).models(models)
		},
	}
}

// stream prints events until the channel closes. A run that ended in an
// error event returns errRunFailed.
func stream(p *printer, events <-chan agentloop.Event) error {
	failed := false
	for ev := range events {
		if ev.Kind == agentloop.EventError {
			failed = true
		}
		p.event(ev)
	}
	if failed {
		return errRunFailed
	}
	return nil
}
