package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <duel-id>",
		Short: "Compute both P&Ls and settle an ended duel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDuelID(args[0])
			if err != nil {
				return err
			}
			a, done, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			res, err := a.Coordinator.Resolve(cmd.Context(), id)
			if err != nil {
				return err
			}
			if res.AlreadyResolved {
				fmt.Fprintf(c.out, "duel %d already resolved: winner %s\n", id, res.Winner)
				return nil
			}
			fmt.Fprintf(c.out, "duel %d resolved: winner %s payout %d fee %d", id, res.Winner, res.Payout, res.Fee)
			if res.Tie {
				fmt.Fprint(c.out, " (tie)")
			}
			fmt.Fprintln(c.out)
			c.printPnL(res.A, res.B)
			return nil
		},
	}
}

func (c *cli) refundCmd() *cobra.Command {
	var caller string
	cmd := &cobra.Command{
		Use:   "refund <duel-id>",
		Short: "Refund an expired duel to its participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDuelID(args[0])
			if err != nil {
				return err
			}
			a, done, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if caller == "" {
				caller = a.Config.Referee.ResolverID
			}
			d, err := a.Coordinator.Refund(cmd.Context(), caller, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "duel %d %s\n", d.ID, d.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&caller, "as", "", "refunding identity (default: the configured resolver)")
	return cmd
}

func (c *cli) sweepCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resolve ended duels and refund expired ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, done, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if !once {
				return a.Sweeper.Run(cmd.Context())
			}
			rep, err := a.Sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "resolved %d refunded %d failed %d pending %d\n",
				rep.Resolved, rep.Refunded, rep.Failed, rep.Pending)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "sweep once and exit")
	return cmd
}
