package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pnlduel/duel-engine/internal/model"
)

func (c *cli) duelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duels",
		Short: "Create, join, list and show duels",
	}
	cmd.AddCommand(c.duelsListCmd(), c.duelsShowCmd(), c.duelsCreateCmd(), c.duelsJoinCmd())
	return cmd
}

func (c *cli) duelsListCmd() *cobra.Command {
	var states []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List duels, optionally filtered by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter []model.DuelState
			for _, s := range states {
				st := model.DuelState(strings.TrimSpace(s))
				if !st.Valid() {
					return fmt.Errorf("unknown state %q", s)
				}
				filter = append(filter, st)
			}

			a, done, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			duels, err := a.Coordinator.List(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			c.printDuels(duels)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "filter by state (created, active, resolved, refunded)")
	return cmd
}

func (c *cli) duelsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <duel-id>",
		Short: "Show a duel with its trades and live standings",
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

			d, err := a.Coordinator.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			c.printDuels([]model.DuelView{d})

			trades, err := a.Coordinator.Trades(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(trades) > 0 {
				tbl := tablewriter.NewWriter(c.out)
				tbl.Header("Time", "Participant", "In", "Out", "Ref")
				for _, t := range trades {
					tbl.Append(
						t.Timestamp.UTC().Format(time.RFC3339),
						t.Participant,
						t.AmountIn.String()+" "+t.TokenIn,
						t.AmountOut.String()+" "+t.TokenOut,
						t.ExternalRef,
					)
				}
				tbl.Render()
			}

			if d.State != model.StateActive {
				return nil
			}
			st, err := a.Coordinator.Standings(cmd.Context(), id)
			if err != nil {
				// Standings need prices; the duel itself is already shown.
				fmt.Fprintf(c.out, "standings unavailable: %v\n", err)
				return nil
			}
			fmt.Fprintf(c.out, "standings at %s (leader %s)\n", st.MarkedAt.UTC().Format(time.RFC3339), st.Leader)
			c.printPnL(st.A, st.B)
			return nil
		},
	}
}

func (c *cli) duelsCreateCmd() *cobra.Command {
	var (
		creator  string
		wager    int64
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a duel and escrow the creator's wager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, done, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			d, err := a.Coordinator.Create(cmd.Context(), creator, wager, int64(duration/time.Second))
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "created duel %d\n", d.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&creator, "creator", "", "creator account")
	cmd.Flags().Int64Var(&wager, "wager", 0, "wager in the smallest unit")
	cmd.Flags().DurationVar(&duration, "duration", time.Hour, "trading window")
	cmd.MarkFlagRequired("creator")
	cmd.MarkFlagRequired("wager")
	return cmd
}

func (c *cli) duelsJoinCmd() *cobra.Command {
	var joiner string
	cmd := &cobra.Command{
		Use:   "join <duel-id>",
		Short: "Join an open duel, starting its clock",
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

			d, err := a.Coordinator.Join(cmd.Context(), joiner, id)
			if err != nil {
				return err
			}
			c.printDuels([]model.DuelView{d})
			return nil
		},
	}
	cmd.Flags().StringVar(&joiner, "as", "", "joining account")
	cmd.MarkFlagRequired("as")
	return cmd
}

func (c *cli) printDuels(duels []model.DuelView) {
	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("ID", "State", "A", "B", "Wager", "Pot", "Ends", "Winner", "Payout", "Fee")
	for _, d := range duels {
		tbl.Append(
			fmt.Sprintf("%d", d.ID),
			string(d.State),
			d.ParticipantA,
			deref(d.ParticipantB),
			fmt.Sprintf("%d", d.WagerAmount),
			fmt.Sprintf("%d", d.Pot),
			formatTime(d.EndsAt),
			deref(d.Winner),
			fmt.Sprintf("%d", d.Payout),
			fmt.Sprintf("%d", d.Fee),
		)
	}
	tbl.Render()
}

func (c *cli) printPnL(rows ...*model.PnL) {
	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("Participant", "Baseline", "Realized", "Unrealized", "P&L %", "Trades")
	for _, p := range rows {
		if p == nil {
			continue
		}
		tbl.Append(
			p.Participant,
			p.BaselineValue.String(),
			p.RealizedPnL.String(),
			p.UnrealizedPnL.String(),
			p.PnLPercent.StringFixed(2),
			fmt.Sprintf("%d", p.TradeCount),
		)
	}
	tbl.Render()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
