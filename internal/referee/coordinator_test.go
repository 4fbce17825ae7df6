package referee

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pnlduel/duel-engine/internal/escrow"
	"github.com/pnlduel/duel-engine/internal/execution"
	"github.com/pnlduel/duel-engine/internal/journal"
	"github.com/pnlduel/duel-engine/internal/model"
	"github.com/pnlduel/duel-engine/internal/notify"
	"github.com/pnlduel/duel-engine/internal/pnl"
	"github.com/pnlduel/duel-engine/internal/pricing"
	"github.com/pnlduel/duel-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(dur)
	c.mu.Unlock()
}

// toggleOracle fails every lookup while fail is set. When hold is set
// before use, lookups park until it is closed and entered is closed by the
// first of them.
type toggleOracle struct {
	inner   pricing.Oracle
	fail    atomic.Bool
	hold    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (o *toggleOracle) PriceAt(ctx context.Context, instrument string, at time.Time) (decimal.Decimal, error) {
	if o.hold != nil {
		o.once.Do(func() { close(o.entered) })
		select {
		case <-o.hold:
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
	if o.fail.Load() {
		return decimal.Zero, errors.New("price feed timeout")
	}
	return o.inner.PriceAt(ctx, instrument, at)
}

type sink struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (s *sink) Notify(_ context.Context, ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *sink) of(typ notify.EventType) []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type env struct {
	store  *store.MemoryStore
	ledger *escrow.Ledger
	coord  *Coordinator
	clock  *fakeClock
	oracle *toggleOracle
	sink   *sink
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	ledger, err := escrow.NewLedger(ms, escrow.Config{
		FeeBasisPoints: 100,
		Resolvers:      []string{"referee"},
		GracePeriod:    60 * time.Second,
		Now:            clock.Now,
	})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	static := pricing.NewStaticOracle()
	static.SetFixed("X", d(1))
	static.SetFixed("Y", d(1))
	oracle := &toggleOracle{inner: static}
	s := &sink{}

	coord := NewCoordinator(ledger, journal.New(ms), oracle, Options{
		Executor:   execution.NewPaperExecutor(static, 0, clock.Now),
		Baselines:  WagerBaseline{Instrument: "X"},
		Notifier:   s,
		ResolverID: "referee",
		Reporters:  []string{"fills"},
		Now:        clock.Now,
	})

	ctx := context.Background()
	for _, acct := range []string{"alice", "bob", "carol", "dave"} {
		ms.Deposit(ctx, acct, 1000)
	}
	return &env{store: ms, ledger: ledger, coord: coord, clock: clock, oracle: oracle, sink: s}
}

func (e *env) duel(t *testing.T, a, b string) int64 {
	t.Helper()
	ctx := context.Background()
	v, err := e.coord.Create(ctx, a, 100, 60)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.coord.Join(ctx, b, v.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	return v.ID
}

func (e *env) trade(t *testing.T, duelID int64, who, in, out string, amtIn, amtOut float64, ref string) bool {
	t.Helper()
	ok, err := e.coord.RecordTrade(context.Background(), "fills", duelID, &model.TradeEvent{
		Participant: who,
		TokenIn:     in,
		TokenOut:    out,
		AmountIn:    d(amtIn),
		AmountOut:   d(amtOut),
		ExternalRef: ref,
	})
	if err != nil {
		t.Fatalf("record trade: %v", err)
	}
	return ok
}

func (e *env) balance(t *testing.T, acct string) int64 {
	t.Helper()
	b, err := e.coord.Balance(context.Background(), acct)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func TestResolve_EndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.duel(t, "alice", "bob")

	e.clock.Advance(10 * time.Second)
	e.trade(t, id, "alice", "X", "Y", 50, 45, "0xaaa")
	e.clock.Advance(20 * time.Second)
	e.trade(t, id, "alice", "Y", "X", 45, 52, "0xbbb")
	if e.trade(t, id, "alice", "X", "Y", 50, 45, "0xaaa") {
		t.Error("replayed trade should not be recorded again")
	}

	if _, err := e.coord.Resolve(ctx, id); !errors.Is(err, ErrDuelNotEnded) {
		t.Fatalf("before end: expected ErrDuelNotEnded, got %v", err)
	}

	e.clock.Advance(31 * time.Second)
	res, err := e.coord.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Winner != "alice" || res.Loser != "bob" || res.Tie || res.AlreadyResolved {
		t.Errorf("unexpected resolution: %+v", res)
	}
	if res.Payout != 198 || res.Fee != 2 {
		t.Errorf("payout=%d fee=%d, want 198/2", res.Payout, res.Fee)
	}
	if !res.A.RealizedPnL.Equal(d(2)) || res.A.TradeCount != 2 {
		t.Errorf("alice realized=%s trades=%d", res.A.RealizedPnL, res.A.TradeCount)
	}
	if !res.A.PnLPercent.Round(6).Equal(d(9)) {
		t.Errorf("alice pnl%% = %s, want 9", res.A.PnLPercent)
	}
	if !res.B.PnLPercent.IsZero() {
		t.Errorf("bob pnl%% = %s, want 0", res.B.PnLPercent)
	}

	if e.balance(t, "alice") != 900+198 || e.balance(t, "bob") != 900 || e.balance(t, "treasury") != 2 {
		t.Errorf("balances alice=%d bob=%d treasury=%d", e.balance(t, "alice"), e.balance(t, "bob"), e.balance(t, "treasury"))
	}
	if won := e.sink.of(notify.EventDuelWon); len(won) != 1 || won[0].Participant != "alice" {
		t.Errorf("expected one duel_won for alice, got %+v", won)
	}
	if lost := e.sink.of(notify.EventDuelLost); len(lost) != 1 || lost[0].Participant != "bob" {
		t.Errorf("expected one duel_lost for bob, got %+v", lost)
	}

	again, err := e.coord.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("second resolve should succeed: %v", err)
	}
	if !again.AlreadyResolved || again.Winner != "alice" || again.Payout != 198 {
		t.Errorf("unexpected second resolution: %+v", again)
	}
	if e.balance(t, "alice") != 1098 {
		t.Error("second resolve paid out again")
	}
}

func TestResolve_TieGoesToCreator(t *testing.T) {
	e := newEnv(t)
	id := e.duel(t, "carol", "alice")
	e.clock.Advance(61 * time.Second)

	res, err := e.coord.Resolve(context.Background(), id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Tie || res.Winner != "carol" {
		t.Errorf("tie should go to the creator: %+v", res)
	}
}

func TestResolve_OpponentWins(t *testing.T) {
	e := newEnv(t)
	id := e.duel(t, "alice", "bob")
	e.clock.Advance(5 * time.Second)
	e.trade(t, id, "bob", "X", "Y", 10, 11, "b1")
	e.clock.Advance(60 * time.Second)

	res, err := e.coord.Resolve(context.Background(), id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Winner != "bob" || res.Tie {
		t.Errorf("expected bob to win: %+v", res)
	}
}

func TestResolve_ConcurrentCallersSettleOnce(t *testing.T) {
	e := newEnv(t)
	id := e.duel(t, "alice", "bob")
	e.clock.Advance(61 * time.Second)

	// A second coordinator over the same ledger stands in for another
	// resolver racing this one.
	other := NewCoordinator(e.ledger, journal.New(e.store), e.oracle, Options{
		Baselines:  WagerBaseline{Instrument: "X"},
		ResolverID: "referee",
		Now:        e.clock.Now,
	})

	var wg sync.WaitGroup
	var fails atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := e.coord
			if i%2 == 1 {
				c = other
			}
			res, err := c.Resolve(context.Background(), id)
			if err != nil {
				fails.Add(1)
				t.Errorf("resolve: %v", err)
				return
			}
			if res.Winner != "alice" {
				t.Errorf("inconsistent winner %q", res.Winner)
			}
		}(i)
	}
	wg.Wait()

	if fails.Load() != 0 {
		t.Fatalf("%d resolve calls failed", fails.Load())
	}
	if e.balance(t, "treasury") != 2 || e.balance(t, "alice") != 1098 {
		t.Errorf("expected exactly one settlement: treasury=%d alice=%d", e.balance(t, "treasury"), e.balance(t, "alice"))
	}
}

func TestResolve_CancelledCallerDoesNotFailOthers(t *testing.T) {
	e := newEnv(t)
	id := e.duel(t, "alice", "bob")
	e.clock.Advance(time.Second)
	e.trade(t, id, "alice", "X", "Y", 10, 11, "a1")
	e.clock.Advance(60 * time.Second)

	e.oracle.hold = make(chan struct{})
	e.oracle.entered = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := e.coord.Resolve(ctx, id)
		firstErr <- err
	}()
	<-e.oracle.entered

	type result struct {
		res *model.Resolution
		err error
	}
	second := make(chan result, 1)
	go func() {
		res, err := e.coord.Resolve(context.Background(), id)
		second <- result{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: expected context.Canceled, got %v", err)
	}
	close(e.oracle.hold)

	r := <-second
	if r.err != nil {
		t.Fatalf("second caller should still resolve: %v", r.err)
	}
	if r.res.Winner != "alice" {
		t.Errorf("winner = %q, want alice", r.res.Winner)
	}
	if e.balance(t, "alice") != 1098 || e.balance(t, "treasury") != 2 {
		t.Errorf("balances alice=%d treasury=%d", e.balance(t, "alice"), e.balance(t, "treasury"))
	}
}

func TestResolve_PriceFailureIsRetryable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.duel(t, "alice", "bob")
	e.clock.Advance(61 * time.Second)

	e.oracle.fail.Store(true)
	_, err := e.coord.Resolve(ctx, id)
	if !errors.Is(err, pricing.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	v, _ := e.coord.Get(ctx, id)
	if v.State != model.StateActive || v.Pot != 200 {
		t.Fatalf("failed resolve must leave the duel active: %+v", v)
	}
	if e.balance(t, "treasury") != 0 {
		t.Error("failed resolve moved funds")
	}

	e.oracle.fail.Store(false)
	if _, err := e.coord.Resolve(ctx, id); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestResolve_NotifierFailureDoesNotFailResolve(t *testing.T) {
	e := newEnv(t)
	e.sink.err = errors.New("smtp down")
	id := e.duel(t, "alice", "bob")
	e.clock.Advance(61 * time.Second)

	if _, err := e.coord.Resolve(context.Background(), id); err != nil {
		t.Fatalf("resolve should ignore notifier errors: %v", err)
	}
}

func TestResolve_InconsistentJournal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.duel(t, "alice", "bob")
	e.clock.Advance(time.Second)
	// alice holds only X; spending Y is impossible.
	e.trade(t, id, "alice", "Y", "X", 10, 10, "bogus")
	e.clock.Advance(61 * time.Second)

	_, err := e.coord.Resolve(ctx, id)
	if !errors.Is(err, pnl.ErrInsufficientPosition) {
		t.Fatalf("expected ErrInsufficientPosition, got %v", err)
	}
	if v, _ := e.coord.Get(ctx, id); v.State != model.StateActive {
		t.Errorf("duel should remain active, is %s", v.State)
	}
}

func TestResolve_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.coord.Resolve(ctx, 77); !errors.Is(err, escrow.ErrDuelNotFound) {
		t.Errorf("missing duel: expected ErrDuelNotFound, got %v", err)
	}
	open, _ := e.coord.Create(ctx, "alice", 100, 60)
	if _, err := e.coord.Resolve(ctx, open.ID); !errors.Is(err, escrow.ErrDuelNotActive) {
		t.Errorf("open duel: expected ErrDuelNotActive, got %v", err)
	}
}

func TestRecordTrade_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	open, _ := e.coord.Create(ctx, "carol", 100, 60)
	id := e.duel(t, "alice", "bob")
	start := e.clock.Now()

	ev := func(who string, ts time.Time, in float64) *model.TradeEvent {
		return &model.TradeEvent{
			Participant: who, TokenIn: "X", TokenOut: "Y",
			AmountIn: d(in), AmountOut: d(1), Timestamp: ts,
		}
	}
	e.clock.Advance(10 * time.Second)

	tests := []struct {
		name  string
		duel  int64
		event *model.TradeEvent
		want  error
	}{
		{"outsider", id, ev("mallory", start.Add(time.Second), 1), ErrNotParticipant},
		{"duel not active", open.ID, ev("carol", start.Add(time.Second), 1), escrow.ErrDuelNotActive},
		{"before start", id, ev("alice", start.Add(-time.Second), 1), ErrOutsideWindow},
		{"in the future", id, ev("alice", start.Add(20*time.Second), 1), ErrOutsideWindow},
		{"zero amount", id, ev("alice", start.Add(time.Second), 0), journal.ErrInvalidAmount},
		{"missing duel", 404, ev("alice", start.Add(time.Second), 1), escrow.ErrDuelNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.coord.RecordTrade(ctx, "referee", tt.duel, tt.event)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	e.clock.Advance(60 * time.Second)
	if _, err := e.coord.RecordTrade(ctx, "referee", id, ev("alice", time.Time{}, 1)); !errors.Is(err, ErrOutsideWindow) {
		t.Errorf("after end: expected ErrOutsideWindow, got %v", err)
	}
	trades, _ := e.coord.Trades(ctx, id)
	if len(trades) != 0 {
		t.Errorf("rejected trades were journaled: %d", len(trades))
	}
}

func TestRecordTrade_ParticipantCannotReportOwnFill(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.duel(t, "alice", "bob")
	e.clock.Advance(5 * time.Second)

	fake := &model.TradeEvent{
		Participant: "bob", TokenIn: "X", TokenOut: "Y",
		AmountIn: d(1), AmountOut: d(1000000), ExternalRef: "fake",
	}
	for _, reporter := range []string{"bob", "alice", ""} {
		if _, err := e.coord.RecordTrade(ctx, reporter, id, fake); !errors.Is(err, escrow.ErrNotAuthorized) {
			t.Errorf("reporter %q: expected ErrNotAuthorized, got %v", reporter, err)
		}
	}
	trades, _ := e.coord.Trades(ctx, id)
	if len(trades) != 0 {
		t.Fatalf("unauthorized fill was journaled: %+v", trades)
	}

	e.clock.Advance(60 * time.Second)
	res, err := e.coord.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Tie || res.Winner != "alice" {
		t.Errorf("no trades should tie to the creator: %+v", res)
	}
}

func TestExecuteTrade_PaperFill(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.duel(t, "alice", "bob")
	e.clock.Advance(5 * time.Second)

	ev, err := e.coord.ExecuteTrade(ctx, id, execution.Order{Participant: "bob", TokenIn: "X", TokenOut: "Y", AmountIn: d(40)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !ev.AmountOut.Equal(d(40)) || ev.ExternalRef == "" || !ev.Timestamp.Equal(e.clock.Now()) {
		t.Errorf("unexpected event: %+v", ev)
	}
	trades, _ := e.coord.Trades(ctx, id)
	if len(trades) != 1 || trades[0].Participant != "bob" {
		t.Errorf("expected bob's trade journaled, got %+v", trades)
	}
	if got := e.sink.of(notify.EventTradeRecorded); len(got) != 1 {
		t.Errorf("expected one trade_recorded notification, got %d", len(got))
	}

	bare := NewCoordinator(e.ledger, journal.New(e.store), e.oracle, Options{Now: e.clock.Now})
	if _, err := bare.ExecuteTrade(ctx, id, execution.Order{Participant: "bob", TokenIn: "X", TokenOut: "Y", AmountIn: d(1)}); !errors.Is(err, ErrNoExecutor) {
		t.Errorf("expected ErrNoExecutor, got %v", err)
	}
}

func TestStandings_MarksAtNowUntilEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.duel(t, "alice", "bob")
	e.clock.Advance(5 * time.Second)
	e.trade(t, id, "bob", "X", "Y", 10, 12, "b1")

	st, err := e.coord.Standings(ctx, id)
	if err != nil {
		t.Fatalf("standings: %v", err)
	}
	if st.Leader != "bob" || !st.MarkedAt.Equal(e.clock.Now()) {
		t.Errorf("leader=%s marked=%v", st.Leader, st.MarkedAt)
	}
	if v, _ := e.coord.Get(ctx, id); v.State != model.StateActive {
		t.Error("standings must not settle")
	}

	e.clock.Advance(time.Hour)
	st, _ = e.coord.Standings(ctx, id)
	if !st.MarkedAt.Equal(*st.Duel.EndsAt) {
		t.Errorf("after end, marks should clamp to end: %v", st.MarkedAt)
	}

	open, _ := e.coord.Create(ctx, "carol", 100, 60)
	if _, err := e.coord.Standings(ctx, open.ID); !errors.Is(err, escrow.ErrDuelNotActive) {
		t.Errorf("open duel: expected ErrDuelNotActive, got %v", err)
	}
}

func TestRefund_NotifiesParticipants(t *testing.T) {
	e := newEnv(t)
	id := e.duel(t, "alice", "bob")
	e.clock.Advance(121 * time.Second)

	if _, err := e.coord.Refund(context.Background(), "passerby", id); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := e.sink.of(notify.EventDuelRefunded); len(got) != 2 {
		t.Errorf("expected refund notifications for both participants, got %d", len(got))
	}
	if e.balance(t, "alice") != 1000 || e.balance(t, "bob") != 1000 {
		t.Error("wagers not returned")
	}
}
