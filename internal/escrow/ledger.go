// Package escrow custodies duel wagers and enforces the duel state machine.
//
// Every entry point takes an explicit caller identity. Transitions are
// serialised per duel by a keyed mutex and committed through the store's
// compare-and-swap on state, so a transition and its balance postings either
// both happen or neither does, even across processes sharing a database.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pnlduel/duel-engine/internal/metrics"
	"github.com/pnlduel/duel-engine/internal/model"
	"github.com/pnlduel/duel-engine/internal/store"
)

var (
	ErrInvalidWager     = errors.New("escrow: wager must be positive")
	ErrInvalidDuration  = errors.New("escrow: duration must be positive")
	ErrInvalidAmount    = errors.New("escrow: amount must be positive")
	ErrInvalidIdentity  = errors.New("escrow: caller identity is required")
	ErrDuelNotFound     = errors.New("escrow: duel not found")
	ErrDuelNotJoinable  = errors.New("escrow: duel is not joinable")
	ErrSelfJoin         = errors.New("escrow: creator cannot join own duel")
	ErrNotAuthorized    = errors.New("escrow: caller is not an authorized resolver")
	ErrDuelNotActive    = errors.New("escrow: duel is not active")
	ErrAlreadyResolved  = errors.New("escrow: duel already resolved")
	ErrInvalidWinner    = errors.New("escrow: winner is not a participant")
	ErrNotYetExpired    = errors.New("escrow: duel has not expired")
	ErrInvalidFeeConfig = errors.New("escrow: fee basis points must be within [0, 10000]")

	// ErrInsufficientFunds is the store's error; re-exported so callers
	// only need this package.
	ErrInsufficientFunds = store.ErrInsufficientFunds
)

const (
	DefaultFeeBasisPoints = 100
	DefaultGracePeriod    = 60 * time.Second
	DefaultTreasury       = "treasury"

	basisPointsDenominator = 10000
)

// Config holds ledger policy.
type Config struct {
	FeeBasisPoints int64
	Treasury       string
	// Resolvers are the identities allowed to call Settle.
	Resolvers   []string
	GracePeriod time.Duration
	// Now defaults to time.Now. Tests inject a fixed clock.
	Now func() time.Time
}

// Ledger is the escrow ledger.
type Ledger struct {
	store     store.Store
	fee       int64
	treasury  string
	grace     time.Duration
	now       func() time.Time
	resolvers map[string]struct{}
	locks     *keyedMutex
}

// Settlement is the result of a successful Settle.
type Settlement struct {
	DuelID int64  `json:"duel_id"`
	Winner string `json:"winner"`
	Loser  string `json:"loser"`
	Payout int64  `json:"payout"`
	Fee    int64  `json:"fee"`
}

// NewLedger creates a ledger over st. Zero config fields take defaults,
// except FeeBasisPoints where zero means no fee; pass a negative value to
// get DefaultFeeBasisPoints.
func NewLedger(st store.Store, cfg Config) (*Ledger, error) {
	if cfg.FeeBasisPoints < 0 {
		cfg.FeeBasisPoints = DefaultFeeBasisPoints
	}
	if cfg.FeeBasisPoints > basisPointsDenominator {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidFeeConfig, cfg.FeeBasisPoints)
	}
	if cfg.Treasury == "" {
		cfg.Treasury = DefaultTreasury
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	resolvers := make(map[string]struct{}, len(cfg.Resolvers))
	for _, r := range cfg.Resolvers {
		if r = strings.TrimSpace(r); r != "" {
			resolvers[r] = struct{}{}
		}
	}

	return &Ledger{
		store:     st,
		fee:       cfg.FeeBasisPoints,
		treasury:  cfg.Treasury,
		grace:     cfg.GracePeriod,
		now:       cfg.Now,
		resolvers: resolvers,
		locks:     newKeyedMutex(),
	}, nil
}

// GracePeriod returns the expiry buffer after a duel's nominal end.
func (l *Ledger) GracePeriod() time.Duration { return l.grace }

// Treasury returns the account that receives protocol fees.
func (l *Ledger) Treasury() string { return l.treasury }

// FeeFor returns floor(pot * bps / 10000) without overflowing int64 for any
// representable pot.
func FeeFor(pot, bps int64) int64 {
	return (pot/basisPointsDenominator)*bps + (pot%basisPointsDenominator)*bps/basisPointsDenominator
}

// CreateDuel debits wager from creator and opens a duel holding it.
func (l *Ledger) CreateDuel(ctx context.Context, creator string, wager, durationSeconds int64) (int64, error) {
	creator = strings.TrimSpace(creator)
	switch {
	case creator == "":
		return 0, ErrInvalidIdentity
	case wager <= 0:
		return 0, fmt.Errorf("%w: got %d", ErrInvalidWager, wager)
	case durationSeconds <= 0:
		return 0, fmt.Errorf("%w: got %d", ErrInvalidDuration, durationSeconds)
	}

	d := &model.Duel{
		ParticipantA:    creator,
		WagerAmount:     wager,
		DurationSeconds: durationSeconds,
		State:           model.StateCreated,
		Pot:             wager,
		CreatedAt:       l.now().UTC(),
	}
	id, err := l.store.CreateDuel(ctx, d, []model.Posting{{Account: creator, Delta: -wager}})
	if err != nil {
		return 0, fmt.Errorf("create duel: %w", err)
	}

	metrics.DuelTransitions.WithLabelValues(string(model.StateCreated)).Inc()
	metrics.EscrowVolume.WithLabelValues("escrowed").Add(float64(wager))
	slog.Info("duel created", "duel_id", id, "creator", creator, "wager", wager, "duration_s", durationSeconds)
	return id, nil
}

// JoinDuel debits the wager from joiner, merges it into the pot and starts
// the clock.
func (l *Ledger) JoinDuel(ctx context.Context, joiner string, duelID int64) (model.DuelView, error) {
	joiner = strings.TrimSpace(joiner)
	if joiner == "" {
		return model.DuelView{}, ErrInvalidIdentity
	}

	unlock := l.locks.Lock(duelID)
	defer unlock()

	cur, err := l.load(ctx, duelID)
	if err != nil {
		return model.DuelView{}, err
	}
	if cur.State != model.StateCreated || cur.ParticipantB != nil {
		return model.DuelView{}, fmt.Errorf("duel %d is %s: %w", duelID, cur.State, ErrDuelNotJoinable)
	}
	if cur.ParticipantA == joiner {
		return model.DuelView{}, ErrSelfJoin
	}

	now := l.now().UTC()
	next := cur.Clone()
	next.ParticipantB = &joiner
	next.StartTime = &now
	next.State = model.StateActive
	next.Pot = cur.Pot + cur.WagerAmount

	err = l.store.UpdateDuel(ctx, next, model.StateCreated, []model.Posting{{Account: joiner, Delta: -cur.WagerAmount}})
	if errors.Is(err, store.ErrStateConflict) {
		return model.DuelView{}, fmt.Errorf("duel %d: %w", duelID, ErrDuelNotJoinable)
	}
	if err != nil {
		return model.DuelView{}, fmt.Errorf("join duel %d: %w", duelID, err)
	}

	metrics.DuelTransitions.WithLabelValues(string(model.StateActive)).Inc()
	metrics.EscrowVolume.WithLabelValues("escrowed").Add(float64(cur.WagerAmount))
	slog.Info("duel joined", "duel_id", duelID, "joiner", joiner, "pot", next.Pot, "start", now)
	return model.NewDuelView(next, l.grace), nil
}

// authorizeSettle is the explicit precondition for Settle.
func (l *Ledger) authorizeSettle(caller string) error {
	if _, ok := l.resolvers[caller]; !ok {
		return fmt.Errorf("%q: %w", caller, ErrNotAuthorized)
	}
	return nil
}

// Settle pays the pot minus the protocol fee to winner and the fee to the
// treasury. A second call for the same duel returns ErrAlreadyResolved and
// moves nothing.
func (l *Ledger) Settle(ctx context.Context, caller string, duelID int64, winner string) (*Settlement, error) {
	if err := l.authorizeSettle(caller); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(duelID)
	defer unlock()

	cur, err := l.load(ctx, duelID)
	if err != nil {
		return nil, err
	}
	switch cur.State {
	case model.StateActive:
	case model.StateResolved:
		return nil, fmt.Errorf("duel %d: %w", duelID, ErrAlreadyResolved)
	default:
		return nil, fmt.Errorf("duel %d is %s: %w", duelID, cur.State, ErrDuelNotActive)
	}
	if !cur.HasParticipant(winner) {
		return nil, fmt.Errorf("%q in duel %d: %w", winner, duelID, ErrInvalidWinner)
	}

	fee := FeeFor(cur.Pot, l.fee)
	payout := cur.Pot - fee
	now := l.now().UTC()

	next := cur.Clone()
	next.State = model.StateResolved
	next.Pot = 0
	next.Winner = &winner
	next.Payout = payout
	next.Fee = fee
	next.ClosedAt = &now

	postings := []model.Posting{{Account: winner, Delta: payout}}
	if fee > 0 {
		postings = append(postings, model.Posting{Account: l.treasury, Delta: fee})
	}

	if err := l.store.UpdateDuel(ctx, next, model.StateActive, postings); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil, l.lostRace(ctx, duelID)
		}
		return nil, fmt.Errorf("settle duel %d: %w", duelID, err)
	}

	metrics.DuelTransitions.WithLabelValues(string(model.StateResolved)).Inc()
	metrics.EscrowVolume.WithLabelValues("payout").Add(float64(payout))
	metrics.EscrowVolume.WithLabelValues("fee").Add(float64(fee))
	slog.Info("duel settled",
		"duel_id", duelID,
		"resolver", caller,
		"winner", winner,
		"payout", payout,
		"fee", fee,
	)

	return &Settlement{
		DuelID: duelID,
		Winner: winner,
		Loser:  cur.Opponent(winner),
		Payout: payout,
		Fee:    fee,
	}, nil
}

// RefundExpired returns escrowed wagers once a duel is past its deadline.
// Anyone may call it. An open duel nobody joined refunds the full pot to
// the creator; an active duel refunds each participant's wager.
func (l *Ledger) RefundExpired(ctx context.Context, caller string, duelID int64) (model.DuelView, error) {
	unlock := l.locks.Lock(duelID)
	defer unlock()

	cur, err := l.load(ctx, duelID)
	if err != nil {
		return model.DuelView{}, err
	}
	switch cur.State {
	case model.StateCreated, model.StateActive:
	case model.StateResolved:
		return model.DuelView{}, fmt.Errorf("duel %d: %w", duelID, ErrAlreadyResolved)
	default:
		return model.DuelView{}, fmt.Errorf("duel %d is %s: %w", duelID, cur.State, ErrDuelNotActive)
	}

	view := model.NewDuelView(cur, l.grace)
	now := l.now().UTC()
	if view.ExpiresAt == nil || !now.After(*view.ExpiresAt) {
		return model.DuelView{}, fmt.Errorf("duel %d expires at %v: %w", duelID, view.ExpiresAt, ErrNotYetExpired)
	}

	var postings []model.Posting
	if cur.ParticipantB == nil {
		postings = []model.Posting{{Account: cur.ParticipantA, Delta: cur.Pot}}
	} else {
		postings = []model.Posting{
			{Account: cur.ParticipantA, Delta: cur.WagerAmount},
			{Account: *cur.ParticipantB, Delta: cur.WagerAmount},
		}
	}

	next := cur.Clone()
	next.State = model.StateRefunded
	next.Pot = 0
	next.ClosedAt = &now

	if err := l.store.UpdateDuel(ctx, next, cur.State, postings); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return model.DuelView{}, l.lostRace(ctx, duelID)
		}
		return model.DuelView{}, fmt.Errorf("refund duel %d: %w", duelID, err)
	}

	metrics.DuelTransitions.WithLabelValues(string(model.StateRefunded)).Inc()
	metrics.EscrowVolume.WithLabelValues("refund").Add(float64(cur.Pot))
	slog.Info("duel refunded", "duel_id", duelID, "caller", caller, "from", cur.State, "pot", cur.Pot)
	return model.NewDuelView(next, l.grace), nil
}

// GetDuel returns the read-only projection of a duel.
func (l *Ledger) GetDuel(ctx context.Context, duelID int64) (model.DuelView, error) {
	d, err := l.load(ctx, duelID)
	if err != nil {
		return model.DuelView{}, err
	}
	return model.NewDuelView(d, l.grace), nil
}

// ListDuels returns duel projections in ID order, optionally by state.
func (l *Ledger) ListDuels(ctx context.Context, states ...model.DuelState) ([]model.DuelView, error) {
	duels, err := l.store.ListDuels(ctx, states...)
	if err != nil {
		return nil, fmt.Errorf("list duels: %w", err)
	}
	views := make([]model.DuelView, 0, len(duels))
	for i := range duels {
		views = append(views, model.NewDuelView(&duels[i], l.grace))
	}
	return views, nil
}

// Deposit credits external funds to account.
func (l *Ledger) Deposit(ctx context.Context, account string, amount int64) error {
	account = strings.TrimSpace(account)
	if account == "" {
		return ErrInvalidIdentity
	}
	if amount <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	if err := l.store.Deposit(ctx, account, amount); err != nil {
		return fmt.Errorf("deposit to %s: %w", account, err)
	}
	return nil
}

// Balance returns account's spendable balance.
func (l *Ledger) Balance(ctx context.Context, account string) (int64, error) {
	bal, err := l.store.Balance(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("balance of %s: %w", account, err)
	}
	return bal, nil
}

func (l *Ledger) load(ctx context.Context, duelID int64) (*model.Duel, error) {
	d, err := l.store.GetDuel(ctx, duelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("duel %d: %w", duelID, ErrDuelNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load duel %d: %w", duelID, err)
	}
	return d, nil
}

// lostRace maps a failed compare-and-swap to the state that won it. Another
// process sharing the store got there first.
func (l *Ledger) lostRace(ctx context.Context, duelID int64) error {
	d, err := l.load(ctx, duelID)
	if err != nil {
		return err
	}
	if d.State == model.StateResolved {
		return fmt.Errorf("duel %d: %w", duelID, ErrAlreadyResolved)
	}
	return fmt.Errorf("duel %d is %s: %w", duelID, d.State, ErrDuelNotActive)
}
