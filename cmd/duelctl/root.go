package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pnlduel/duel-engine/internal/app"
	"github.com/pnlduel/duel-engine/internal/config"
)

// cli carries per-invocation state shared by every subcommand.
type cli struct {
	out        io.Writer
	configPath string
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:   "duelctl",
		Short: "Operate the P&L duel engine",
		Long: `duelctl inspects and operates duels against the configured store.

Subcommands:
  migrate  - Apply the database schema
  duels    - Create, join, list and show duels
  resolve  - Decide and settle an ended duel
  refund   - Refund an expired duel
  sweep    - Resolve or refund every overdue duel
  deposit  - Credit an account
  balance  - Show an account's free balance

Configuration comes from --config, .env and the environment
(DATABASE_URL, SQLITE_PATH, REDIS_URL, ...).`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to YAML config")

	root.AddCommand(
		c.migrateCmd(),
		c.duelsCmd(),
		c.resolveCmd(),
		c.refundCmd(),
		c.sweepCmd(),
		c.depositCmd(),
		c.balanceCmd(),
	)
	return root
}

// open builds the engine and starts notification delivery. The returned
// func drains pending notifications and releases connections.
func (c *cli) open(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := config.NewLogger(cfg.Log, os.Stderr)

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return nil, nil, err
	}

	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go a.Dispatcher.Run(dctx)

	return a, func() {
		cancel()
		<-a.Dispatcher.Done()
		a.Close()
	}, nil
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, done, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if err := a.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(c.out, "schema up to date")
			return nil
		},
	}
}

func (c *cli) depositCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <account> <amount>",
		Short: "Credit an account's free balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			a, done, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if err := a.Coordinator.Deposit(cmd.Context(), args[0], amount); err != nil {
				return err
			}
			bal, err := a.Coordinator.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s balance %d\n", args[0], bal)
			return nil
		},
	}
}

func (c *cli) balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account>",
		Short: "Show an account's free balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			bal, err := a.Coordinator.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s balance %d\n", args[0], bal)
			return nil
		},
	}
}

func parseDuelID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid duel id %q", raw)
	}
	return id, nil
}
