// Package store defines the persistence interface for the duel engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// durable), Redis (read-through cache for duel reads) and in-memory (for
// testing).
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/pnlduel/duel-engine/internal/model"
)

var (
	// ErrNotFound is returned when a duel does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStateConflict is returned by UpdateDuel when the stored state no
	// longer matches the expected prior state (lost compare-and-swap).
	ErrStateConflict = errors.New("store: duel state changed concurrently")

	// ErrInsufficientFunds is returned when a posting would take an account
	// balance below zero.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrUnbalanced is returned when postings plus the pot change do not sum
	// to zero. Value is never created or destroyed by a transition.
	ErrUnbalanced = errors.New("store: postings do not balance")
)

// Store is the full persistence interface.
type Store interface {
	DuelStore
	AccountStore
	TradeStore
}

// DuelStore persists escrow records. Every mutation carries the postings it
// implies and is applied all-or-nothing.
type DuelStore interface {
	// CreateDuel assigns the next monotonically increasing ID to d and
	// persists it together with postings.
	CreateDuel(ctx context.Context, d *model.Duel, postings []model.Posting) (int64, error)

	// GetDuel retrieves a duel by its ID.
	GetDuel(ctx context.Context, id int64) (*model.Duel, error)

	// ListDuels returns duels in ID order, optionally filtered by state.
	ListDuels(ctx context.Context, states ...model.DuelState) ([]model.Duel, error)

	// UpdateDuel replaces the duel iff its stored state equals from, and
	// applies postings in the same atomic step. Returns ErrStateConflict
	// when the compare-and-swap fails.
	UpdateDuel(ctx context.Context, next *model.Duel, from model.DuelState, postings []model.Posting) error
}

// AccountStore holds participant and treasury balances.
type AccountStore interface {
	// Deposit credits external funds to an account.
	Deposit(ctx context.Context, account string, amount int64) error

	// Balance returns the current balance (zero for unknown accounts).
	Balance(ctx context.Context, account string) (int64, error)
}

// TradeStore is the append-only trade journal.
type TradeStore interface {
	// InsertTrade appends ev unless an event with the same (DuelID,
	// ExternalRef) exists. inserted is false for a replay.
	InsertTrade(ctx context.Context, ev *model.TradeEvent) (inserted bool, err error)

	// ListTrades returns a duel's events in insertion order.
	ListTrades(ctx context.Context, duelID int64) ([]model.TradeEvent, error)
}

// CheckBalanced verifies that postings and the pot change conserve value.
func CheckBalanced(prevPot, nextPot int64, postings []model.Posting) error {
	sum := nextPot - prevPot
	for _, p := range postings {
		sum += p.Delta
	}
	if sum != 0 {
		return ErrUnbalanced
	}
	return nil
}

// netPostings folds postings per account and orders them by account name so
// SQL implementations always lock rows in the same order.
func netPostings(postings []model.Posting) []model.Posting {
	net := make(map[string]int64, len(postings))
	for _, p := range postings {
		net[p.Account] += p.Delta
	}
	out := make([]model.Posting, 0, len(net))
	for acct, delta := range net {
		if delta != 0 {
			out = append(out, model.Posting{Account: acct, Delta: delta})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
