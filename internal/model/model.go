// Package model defines the core domain types shared across the duel engine.
// Wager money is an integer count of the wager asset's smallest unit;
// instrument amounts and prices use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DuelState is the escrow lifecycle state of a duel.
type DuelState string

const (
	StateCreated  DuelState = "created"  // open, awaiting second participant
	StateActive   DuelState = "active"   // both joined, clock running
	StateResolved DuelState = "resolved" // winner paid
	StateRefunded DuelState = "refunded" // expired without resolution
)

// Terminal reports whether no further transition is possible.
func (s DuelState) Terminal() bool {
	return s == StateResolved || s == StateRefunded
}

// Valid reports whether s is a known state.
func (s DuelState) Valid() bool {
	switch s {
	case StateCreated, StateActive, StateResolved, StateRefunded:
		return true
	}
	return false
}

// Duel is the escrow record. It is owned and mutated exclusively by the
// escrow ledger; everything else reads DuelView projections.
type Duel struct {
	ID              int64      `json:"id" db:"id"`
	ParticipantA    string     `json:"participant_a" db:"participant_a"`
	ParticipantB    *string    `json:"participant_b,omitempty" db:"participant_b"`
	WagerAmount     int64      `json:"wager_amount" db:"wager_amount"`
	DurationSeconds int64      `json:"duration_seconds" db:"duration_seconds"`
	State           DuelState  `json:"state" db:"state"`
	Pot             int64      `json:"pot" db:"pot"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartTime       *time.Time `json:"start_time,omitempty" db:"start_time"`
	Winner          *string    `json:"winner,omitempty" db:"winner"`
	Payout          int64      `json:"payout" db:"payout"`
	Fee             int64      `json:"fee" db:"fee"`
	ClosedAt        *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Duration returns the fixed trading window length.
func (d *Duel) Duration() time.Duration {
	return time.Duration(d.DurationSeconds) * time.Second
}

// EndTime returns startTime + duration. ok is false until the duel is active.
func (d *Duel) EndTime() (end time.Time, ok bool) {
	if d.StartTime == nil {
		return time.Time{}, false
	}
	return d.StartTime.Add(d.Duration()), true
}

// HasParticipant reports whether id is one of the duel's participants.
func (d *Duel) HasParticipant(id string) bool {
	if id == "" {
		return false
	}
	if d.ParticipantA == id {
		return true
	}
	return d.ParticipantB != nil && *d.ParticipantB == id
}

// Opponent returns the other participant, or "" if there is none.
func (d *Duel) Opponent(id string) string {
	switch {
	case d.ParticipantA == id && d.ParticipantB != nil:
		return *d.ParticipantB
	case d.ParticipantB != nil && *d.ParticipantB == id:
		return d.ParticipantA
	}
	return ""
}

// Clone returns a deep copy so callers can never alias store-owned memory.
func (d *Duel) Clone() *Duel {
	c := *d
	c.ParticipantB = cloneString(d.ParticipantB)
	c.Winner = cloneString(d.Winner)
	c.StartTime = cloneTime(d.StartTime)
	c.ClosedAt = cloneTime(d.ClosedAt)
	return &c
}

// DuelView is the read-only projection handed to callers.
type DuelView struct {
	Duel
	EndsAt    *time.Time `json:"ends_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // refundable strictly after this
}

// NewDuelView projects d, computing the window and refund deadline.
func NewDuelView(d *Duel, grace time.Duration) DuelView {
	v := DuelView{Duel: *d.Clone()}
	if end, ok := d.EndTime(); ok {
		exp := end.Add(grace)
		v.EndsAt = &end
		v.ExpiresAt = &exp
	} else if d.State == StateCreated {
		exp := d.CreatedAt.Add(d.Duration() + grace)
		v.ExpiresAt = &exp
	}
	return v
}

// Posting is one balance movement applied atomically with a duel transition.
// Negative deltas debit the account, positive deltas credit it.
type Posting struct {
	Account string `json:"account"`
	Delta   int64  `json:"delta"`
}

// TradeEvent is one executed trade. Immutable once recorded.
type TradeEvent struct {
	ID          string          `json:"id" db:"id"`
	Seq         int64           `json:"seq" db:"seq"` // insertion order within the store
	DuelID      int64           `json:"duel_id" db:"duel_id"`
	Participant string          `json:"participant" db:"participant"`
	TokenIn     string          `json:"token_in" db:"token_in"`
	TokenOut    string          `json:"token_out" db:"token_out"`
	AmountIn    decimal.Decimal `json:"amount_in" db:"amount_in"`
	AmountOut   decimal.Decimal `json:"amount_out" db:"amount_out"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
	ExternalRef string          `json:"external_ref,omitempty" db:"external_ref"` // idempotency key
}

// Fill is the result returned by the trade execution collaborator.
type Fill struct {
	AmountOut      decimal.Decimal `json:"amount_out"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	ExternalRef    string          `json:"external_ref"`
}

// Holding is one instrument position at a point in time.
type Holding struct {
	Instrument string          `json:"instrument"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// PositionState is a derived per-instrument position in the P&L fold.
type PositionState struct {
	Instrument string          `json:"instrument"`
	Quantity   decimal.Decimal `json:"quantity"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	TotalCost  decimal.Decimal `json:"total_cost"`
}

// PnL is a participant's performance over a duel window.
type PnL struct {
	Participant   string          `json:"participant"`
	BaselineValue decimal.Decimal `json:"baseline_value"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PnLPercent    decimal.Decimal `json:"pnl_percent"`
	TradeCount    int             `json:"trade_count"`
	Positions     []PositionState `json:"positions"`
}

// Resolution is the outcome of a resolve call.
type Resolution struct {
	DuelID          int64  `json:"duel_id"`
	Winner          string `json:"winner"`
	Loser           string `json:"loser"`
	Payout          int64  `json:"payout"`
	Fee             int64  `json:"fee"`
	Tie             bool   `json:"tie"`
	AlreadyResolved bool   `json:"already_resolved"` // settled by an earlier run
	A               *PnL   `json:"pnl_a,omitempty"`
	B               *PnL   `json:"pnl_b,omitempty"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
