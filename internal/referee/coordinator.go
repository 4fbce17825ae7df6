// Package referee orchestrates duels end to end and resolves each one
// exactly once.
//
// Resolution recomputes both participants' P&L server-side from the trade
// journal; nothing a client reports about its own performance is trusted.
// Concurrent resolve calls for one duel are collapsed in-process and may be
// serialised across processes by a Locker, but the escrow ledger's
// compare-and-swap is the single point that guarantees one payout.
package referee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pnlduel/duel-engine/internal/escrow"
	"github.com/pnlduel/duel-engine/internal/execution"
	"github.com/pnlduel/duel-engine/internal/journal"
	"github.com/pnlduel/duel-engine/internal/metrics"
	"github.com/pnlduel/duel-engine/internal/model"
	"github.com/pnlduel/duel-engine/internal/notify"
	"github.com/pnlduel/duel-engine/internal/pnl"
	"github.com/pnlduel/duel-engine/internal/pricing"
)

var (
	ErrDuelNotEnded   = errors.New("referee: duel has not ended")
	ErrNotParticipant = errors.New("referee: caller is not a participant")
	ErrOutsideWindow  = errors.New("referee: trade outside the duel window")
	ErrNoExecutor     = errors.New("referee: trade execution is not configured")
)

const (
	DefaultPriceTimeout   = 3 * time.Second
	DefaultResolveTimeout = 30 * time.Second
)

// Options wires the coordinator's collaborators. Nil fields take defaults.
type Options struct {
	Executor  execution.Executor
	Baselines BaselineProvider
	Notifier  notify.Notifier
	Locker    Locker
	// ResolverID is the identity used for settle calls. It must be one of
	// the ledger's resolvers.
	ResolverID string
	// Reporters may journal trades executed elsewhere. The resolver always
	// may.
	Reporters    []string
	PriceTimeout time.Duration
	// ResolveTimeout bounds one shared resolution run, which outlives the
	// caller that started it.
	ResolveTimeout time.Duration
	Now            func() time.Time
}

// Coordinator is the duel referee.
type Coordinator struct {
	ledger       *escrow.Ledger
	journal      *journal.Journal
	oracle       pricing.Oracle
	executor     execution.Executor
	baselines    BaselineProvider
	notifier     notify.Notifier
	locker       Locker
	resolver       string
	reporters      map[string]bool
	priceTimeout   time.Duration
	resolveTimeout time.Duration
	now            func() time.Time
	inflight       singleflight.Group
}

// NewCoordinator creates a coordinator.
func NewCoordinator(ledger *escrow.Ledger, j *journal.Journal, oracle pricing.Oracle, opts Options) *Coordinator {
	if opts.Baselines == nil {
		opts.Baselines = WagerBaseline{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop
	}
	if opts.PriceTimeout <= 0 {
		opts.PriceTimeout = DefaultPriceTimeout
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = DefaultResolveTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	reporters := map[string]bool{}
	for _, id := range append(opts.Reporters, opts.ResolverID) {
		if id != "" {
			reporters[id] = true
		}
	}
	return &Coordinator{
		ledger:       ledger,
		journal:      j,
		oracle:       oracle,
		executor:     opts.Executor,
		baselines:    opts.Baselines,
		notifier:     opts.Notifier,
		locker:       opts.Locker,
		resolver:       opts.ResolverID,
		reporters:      reporters,
		priceTimeout:   opts.PriceTimeout,
		resolveTimeout: opts.ResolveTimeout,
		now:            opts.Now,
	}
}

// Standings is a live, unsettled comparison of both participants.
type Standings struct {
	Duel     model.DuelView `json:"duel"`
	MarkedAt time.Time      `json:"marked_at"`
	Leader   string         `json:"leader"`
	A        *model.PnL     `json:"pnl_a"`
	B        *model.PnL     `json:"pnl_b"`
}

// --- Escrow pass-through with notifications ---

// Create opens a duel funded by creator.
func (c *Coordinator) Create(ctx context.Context, creator string, wager, durationSeconds int64) (model.DuelView, error) {
	id, err := c.ledger.CreateDuel(ctx, creator, wager, durationSeconds)
	if err != nil {
		return model.DuelView{}, err
	}
	v, err := c.ledger.GetDuel(ctx, id)
	if err != nil {
		return model.DuelView{}, err
	}
	c.notify(ctx, notify.EventDuelCreated, id, creator, map[string]string{
		"wager":    strconv.FormatInt(wager, 10),
		"duration": strconv.FormatInt(durationSeconds, 10),
	})
	return v, nil
}

// Join enters joiner into an open duel and starts the clock.
func (c *Coordinator) Join(ctx context.Context, joiner string, duelID int64) (model.DuelView, error) {
	v, err := c.ledger.JoinDuel(ctx, joiner, duelID)
	if err != nil {
		return model.DuelView{}, err
	}
	meta := map[string]string{"opponent": joiner, "ends_at": v.EndsAt.Format(time.RFC3339)}
	c.notify(ctx, notify.EventDuelJoined, duelID, v.ParticipantA, meta)
	c.notify(ctx, notify.EventDuelJoined, duelID, joiner, map[string]string{"opponent": v.ParticipantA, "ends_at": meta["ends_at"]})
	return v, nil
}

// Refund refunds an expired duel on behalf of caller.
func (c *Coordinator) Refund(ctx context.Context, caller string, duelID int64) (model.DuelView, error) {
	v, err := c.ledger.RefundExpired(ctx, caller, duelID)
	if err != nil {
		return model.DuelView{}, err
	}
	metrics.ResolveOutcomes.WithLabelValues("refunded").Inc()
	meta := map[string]string{"amount": strconv.FormatInt(v.WagerAmount, 10)}
	c.notify(ctx, notify.EventDuelRefunded, duelID, v.ParticipantA, meta)
	if v.ParticipantB != nil {
		c.notify(ctx, notify.EventDuelRefunded, duelID, *v.ParticipantB, meta)
	}
	return v, nil
}

// Get returns a duel projection.
func (c *Coordinator) Get(ctx context.Context, duelID int64) (model.DuelView, error) {
	return c.ledger.GetDuel(ctx, duelID)
}

// List returns duel projections, optionally filtered by state.
func (c *Coordinator) List(ctx context.Context, states ...model.DuelState) ([]model.DuelView, error) {
	return c.ledger.ListDuels(ctx, states...)
}

// Trades returns a duel's journal in insertion order.
func (c *Coordinator) Trades(ctx context.Context, duelID int64) ([]model.TradeEvent, error) {
	if _, err := c.ledger.GetDuel(ctx, duelID); err != nil {
		return nil, err
	}
	return c.journal.List(ctx, duelID)
}

// Deposit credits external funds.
func (c *Coordinator) Deposit(ctx context.Context, account string, amount int64) error {
	return c.ledger.Deposit(ctx, account, amount)
}

// Balance returns an account balance.
func (c *Coordinator) Balance(ctx context.Context, account string) (int64, error) {
	return c.ledger.Balance(ctx, account)
}

// --- Trading ---

// RecordTrade journals a trade executed elsewhere on behalf of a
// participant. Only the resolver and configured reporters may call it;
// participants trade through ExecuteTrade. A replay of the same external
// reference returns recorded=false and no error. A zero timestamp means now.
func (c *Coordinator) RecordTrade(ctx context.Context, reporter string, duelID int64, ev *model.TradeEvent) (bool, error) {
	if err := c.authorizeReport(reporter); err != nil {
		return false, err
	}
	return c.recordTrade(ctx, duelID, ev)
}

// authorizeReport is the precondition for journaling an external fill.
func (c *Coordinator) authorizeReport(reporter string) error {
	if !c.reporters[reporter] {
		return fmt.Errorf("%q may not report trades: %w", reporter, escrow.ErrNotAuthorized)
	}
	return nil
}

func (c *Coordinator) recordTrade(ctx context.Context, duelID int64, ev *model.TradeEvent) (bool, error) {
	now := c.now().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if err := journal.Validate(ev); err != nil {
		return false, err
	}
	if err := c.checkTradable(ctx, duelID, ev.Participant, ev.Timestamp, now); err != nil {
		return false, err
	}

	recorded, err := c.journal.Record(ctx, duelID, ev)
	if err != nil {
		return false, err
	}
	if recorded {
		c.notify(ctx, notify.EventTradeRecorded, duelID, ev.Participant, map[string]string{
			"token_in":   ev.TokenIn,
			"token_out":  ev.TokenOut,
			"amount_in":  ev.AmountIn.String(),
			"amount_out": ev.AmountOut.String(),
		})
	}
	return recorded, nil
}

// ExecuteTrade routes o through the execution collaborator and journals
// the fill at the current time.
func (c *Coordinator) ExecuteTrade(ctx context.Context, duelID int64, o execution.Order) (*model.TradeEvent, error) {
	if c.executor == nil {
		return nil, ErrNoExecutor
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	now := c.now().UTC()
	if err := c.checkTradable(ctx, duelID, o.Participant, now, now); err != nil {
		return nil, err
	}

	fill, err := c.executor.Execute(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("execute trade for duel %d: %w", duelID, err)
	}

	ev := &model.TradeEvent{
		Participant: o.Participant,
		TokenIn:     o.TokenIn,
		TokenOut:    o.TokenOut,
		AmountIn:    o.AmountIn,
		AmountOut:   fill.AmountOut,
		Timestamp:   now,
		ExternalRef: fill.ExternalRef,
	}
	if _, err := c.recordTrade(ctx, duelID, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *Coordinator) checkTradable(ctx context.Context, duelID int64, participant string, at, now time.Time) error {
	v, err := c.ledger.GetDuel(ctx, duelID)
	if err != nil {
		return err
	}
	if v.State != model.StateActive {
		return fmt.Errorf("duel %d is %s: %w", duelID, v.State, escrow.ErrDuelNotActive)
	}
	if !v.HasParticipant(participant) {
		return fmt.Errorf("%q in duel %d: %w", participant, duelID, ErrNotParticipant)
	}
	w := pnl.Window{Start: *v.StartTime, End: *v.EndsAt}
	if !w.Contains(at) || at.After(now) {
		return fmt.Errorf("trade at %s, window [%s, %s]: %w",
			at.Format(time.RFC3339), w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), ErrOutsideWindow)
	}
	return nil
}

// --- Resolution ---

// Resolve settles an ended duel. It is safe to call any number of times
// from any number of callers: once the duel is settled every call returns
// the recorded outcome with AlreadyResolved set. A failure before
// settlement leaves the duel active and the call can be retried.
//
// Concurrent callers share one run. The run is detached from every
// caller's context and bounded by the resolve timeout, so a caller that
// gives up only abandons its own wait.
func (c *Coordinator) Resolve(ctx context.Context, duelID int64) (*model.Resolution, error) {
	start := time.Now()
	ch := c.inflight.DoChan(strconv.FormatInt(duelID, 10), func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.resolveTimeout)
		defer cancel()
		return c.resolve(runCtx, duelID)
	})

	var r singleflight.Result
	select {
	case <-ctx.Done():
		metrics.ResolveOutcomes.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("resolve duel %d: %w", duelID, ctx.Err())
	case r = <-ch:
	}
	metrics.ResolveLatency.Observe(time.Since(start).Seconds())
	if r.Err != nil {
		metrics.ResolveOutcomes.WithLabelValues("failed").Inc()
		return nil, r.Err
	}
	// Shared results are copied so callers cannot alias each other.
	res := *r.Val.(*model.Resolution)
	return &res, nil
}

func (c *Coordinator) resolve(ctx context.Context, duelID int64) (*model.Resolution, error) {
	if c.locker != nil {
		unlock, err := c.locker.Lock(ctx, "duel:"+strconv.FormatInt(duelID, 10))
		if err != nil {
			return nil, fmt.Errorf("resolve duel %d: %w", duelID, err)
		}
		defer unlock()
	}

	view, err := c.ledger.GetDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	switch view.State {
	case model.StateActive:
	case model.StateResolved:
		metrics.ResolveOutcomes.WithLabelValues("already_resolved").Inc()
		return settledResolution(&view.Duel), nil
	default:
		return nil, fmt.Errorf("duel %d is %s: %w", duelID, view.State, escrow.ErrDuelNotActive)
	}
	end := *view.EndsAt
	if now := c.now(); now.Before(end) {
		return nil, fmt.Errorf("duel %d ends at %s: %w", duelID, end.Format(time.RFC3339), ErrDuelNotEnded)
	}

	a, b, err := c.computeBoth(ctx, &view.Duel, end)
	if err != nil {
		return nil, err
	}

	// Strictly greater wins; equal percentages go to the creator.
	winner, loser := view.ParticipantA, *view.ParticipantB
	tie := a.PnLPercent.Equal(b.PnLPercent)
	if b.PnLPercent.GreaterThan(a.PnLPercent) {
		winner, loser = loser, winner
	}

	s, err := c.ledger.Settle(ctx, c.resolver, duelID, winner)
	if errors.Is(err, escrow.ErrAlreadyResolved) {
		// A concurrent or earlier run settled first. Report its outcome.
		slog.Info("duel already settled", "duel_id", duelID)
		cur, gerr := c.ledger.GetDuel(ctx, duelID)
		if gerr != nil {
			return nil, gerr
		}
		metrics.ResolveOutcomes.WithLabelValues("already_resolved").Inc()
		res := settledResolution(&cur.Duel)
		res.A, res.B = a, b
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settle duel %d: %w", duelID, err)
	}

	outcome := "settled"
	if tie {
		outcome = "tie"
	}
	metrics.ResolveOutcomes.WithLabelValues(outcome).Inc()
	slog.Info("duel resolved",
		"duel_id", duelID,
		"winner", winner,
		"pnl_a", a.PnLPercent.StringFixed(4),
		"pnl_b", b.PnLPercent.StringFixed(4),
		"tie", tie,
		"payout", s.Payout,
		"fee", s.Fee,
	)

	meta := map[string]string{
		"payout":  strconv.FormatInt(s.Payout, 10),
		"fee":     strconv.FormatInt(s.Fee, 10),
		"pnl_a":   a.PnLPercent.StringFixed(4),
		"pnl_b":   b.PnLPercent.StringFixed(4),
		"winner":  winner,
		"tie":     strconv.FormatBool(tie),
		"ends_at": end.Format(time.RFC3339),
	}
	c.notify(ctx, notify.EventDuelWon, duelID, winner, meta)
	c.notify(ctx, notify.EventDuelLost, duelID, loser, meta)

	return &model.Resolution{
		DuelID: duelID,
		Winner: winner,
		Loser:  loser,
		Payout: s.Payout,
		Fee:    s.Fee,
		Tie:    tie,
		A:      a,
		B:      b,
	}, nil
}

// Standings computes both participants' P&L marked at min(now, end)
// without settling anything.
func (c *Coordinator) Standings(ctx context.Context, duelID int64) (*Standings, error) {
	view, err := c.ledger.GetDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if view.StartTime == nil {
		return nil, fmt.Errorf("duel %d is %s: %w", duelID, view.State, escrow.ErrDuelNotActive)
	}
	mark := c.now().UTC()
	if end := *view.EndsAt; mark.After(end) {
		mark = end
	}

	a, b, err := c.computeBoth(ctx, &view.Duel, mark)
	if err != nil {
		return nil, err
	}
	leader := view.ParticipantA
	if b.PnLPercent.GreaterThan(a.PnLPercent) {
		leader = *view.ParticipantB
	}
	return &Standings{Duel: view, MarkedAt: mark, Leader: leader, A: a, B: b}, nil
}

// computeBoth runs both P&L computations in parallel against one price
// snapshot so every lookup in this run is repeatable.
func (c *Coordinator) computeBoth(ctx context.Context, d *model.Duel, markAt time.Time) (a, b *model.PnL, err error) {
	events, err := c.journal.List(ctx, d.ID)
	if err != nil {
		return nil, nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	snap := pricing.NewSnapshot(gctx, c.oracle, c.priceTimeout)

	g.Go(func() error {
		var err error
		a, err = c.computeOne(gctx, d, d.ParticipantA, events, markAt, snap.Func())
		return err
	})
	g.Go(func() error {
		var err error
		b, err = c.computeOne(gctx, d, *d.ParticipantB, events, markAt, snap.Func())
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, pnl.ErrInsufficientPosition) || errors.Is(err, pnl.ErrUnknownInstrument) {
			slog.Error("trade journal inconsistent", "duel_id", d.ID, "err", err)
		} else {
			slog.Warn("pnl computation failed", "duel_id", d.ID, "err", err)
		}
		return nil, nil, fmt.Errorf("compute pnl for duel %d: %w", d.ID, err)
	}
	return a, b, nil
}

func (c *Coordinator) computeOne(ctx context.Context, d *model.Duel, participant string, events []model.TradeEvent, markAt time.Time, priceAt pricing.PriceFunc) (*model.PnL, error) {
	holdings, err := c.baselines.Baseline(ctx, d, participant)
	if err != nil {
		return nil, fmt.Errorf("baseline for %s: %w", participant, err)
	}
	start := *d.StartTime
	baseline, err := pnl.BaselineValue(holdings, start, priceAt)
	if err != nil {
		return nil, err
	}
	return pnl.Compute(pnl.Input{
		Participant:      participant,
		BaselineValue:    baseline,
		BaselineHoldings: holdings,
		Events:           events,
		Window:           pnl.Window{Start: start, End: start.Add(d.Duration())},
		MarkAt:           markAt,
	}, priceAt)
}

func settledResolution(d *model.Duel) *model.Resolution {
	res := &model.Resolution{
		DuelID:          d.ID,
		Payout:          d.Payout,
		Fee:             d.Fee,
		AlreadyResolved: true,
	}
	if d.Winner != nil {
		res.Winner = *d.Winner
		res.Loser = d.Opponent(*d.Winner)
	}
	return res
}

// notify hands an event to the notifier. Failures are logged and dropped.
func (c *Coordinator) notify(ctx context.Context, typ notify.EventType, duelID int64, participant string, meta map[string]string) {
	ev := notify.Event{
		Type:        typ,
		DuelID:      duelID,
		Participant: participant,
		Metadata:    meta,
		At:          c.now().UTC(),
	}
	if err := c.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		slog.Warn("notification failed", "type", typ, "duel_id", duelID, "participant", participant, "err", err)
	}
}
