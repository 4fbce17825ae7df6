// Package journal is the append-only, per-duel record of executed trades.
//
// Insertion is idempotent on (duel, external reference): replays from the
// trade-execution collaborator are silent no-ops. Consumers apply the
// duel's time window themselves.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pnlduel/duel-engine/internal/id"
	"github.com/pnlduel/duel-engine/internal/metrics"
	"github.com/pnlduel/duel-engine/internal/model"
	"github.com/pnlduel/duel-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned for non-positive trade amounts.
	ErrInvalidAmount = errors.New("journal: trade amounts must be positive")

	// ErrInvalidTrade is returned for structurally invalid events.
	ErrInvalidTrade = errors.New("journal: invalid trade event")
)

// Journal validates and records trade events.
type Journal struct {
	store store.TradeStore
}

// New creates a journal over st.
func New(st store.TradeStore) *Journal {
	return &Journal{store: st}
}

// Record appends ev to the duel's journal. recorded is false when an event
// with the same external reference already exists; that is not an error.
// ev.ID is assigned if empty.
func (j *Journal) Record(ctx context.Context, duelID int64, ev *model.TradeEvent) (recorded bool, err error) {
	if err := Validate(ev); err != nil {
		return false, err
	}
	ev.DuelID = duelID
	if ev.ID == "" {
		ev.ID = id.At(ev.Timestamp)
	}

	recorded, err = j.store.InsertTrade(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("record trade for duel %d: %w", duelID, err)
	}
	if recorded {
		metrics.JournalInserts.WithLabelValues("inserted").Inc()
	} else {
		metrics.JournalInserts.WithLabelValues("duplicate").Inc()
	}
	return recorded, nil
}

// List returns every recorded event for a duel in insertion order.
func (j *Journal) List(ctx context.Context, duelID int64) ([]model.TradeEvent, error) {
	events, err := j.store.ListTrades(ctx, duelID)
	if err != nil {
		return nil, fmt.Errorf("list trades for duel %d: %w", duelID, err)
	}
	return events, nil
}

// Validate rejects events that must never reach the journal.
func Validate(ev *model.TradeEvent) error {
	switch {
	case ev == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidTrade)
	case strings.TrimSpace(ev.Participant) == "":
		return fmt.Errorf("%w: participant is required", ErrInvalidTrade)
	case ev.TokenIn == "" || ev.TokenOut == "":
		return fmt.Errorf("%w: token_in and token_out are required", ErrInvalidTrade)
	case ev.TokenIn == ev.TokenOut:
		return fmt.Errorf("%w: token_in equals token_out (%s)", ErrInvalidTrade, ev.TokenIn)
	case ev.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidTrade)
	case !ev.AmountIn.IsPositive():
		return fmt.Errorf("%w: amount_in %s", ErrInvalidAmount, ev.AmountIn)
	case !ev.AmountOut.IsPositive():
		return fmt.Errorf("%w: amount_out %s", ErrInvalidAmount, ev.AmountOut)
	}
	return nil
}
