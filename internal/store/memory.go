package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pnlduel/duel-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	nextSeq  int64
	duels    map[int64]*model.Duel
	balances map[string]int64
	trades   map[int64][]model.TradeEvent
	refs     map[tradeKey]struct{}
}

type tradeKey struct {
	duelID int64
	ref    string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		duels:    make(map[int64]*model.Duel),
		balances: make(map[string]int64),
		trades:   make(map[int64][]model.TradeEvent),
		refs:     make(map[tradeKey]struct{}),
	}
}

func (s *MemoryStore) CreateDuel(_ context.Context, d *model.Duel, postings []model.Posting) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := CheckBalanced(0, d.Pot, postings); err != nil {
		return 0, err
	}
	if err := s.applyLocked(postings); err != nil {
		return 0, err
	}

	s.nextID++
	c := d.Clone()
	c.ID = s.nextID
	s.duels[c.ID] = c
	return c.ID, nil
}

func (s *MemoryStore) GetDuel(_ context.Context, id int64) (*model.Duel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.duels[id]
	if !ok {
		return nil, fmt.Errorf("duel %d: %w", id, ErrNotFound)
	}
	return d.Clone(), nil
}

func (s *MemoryStore) ListDuels(_ context.Context, states ...model.DuelState) ([]model.Duel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	duels := make([]model.Duel, 0, len(s.duels))
	for _, d := range s.duels {
		if matchState(d.State, states) {
			duels = append(duels, *d.Clone())
		}
	}
	sort.Slice(duels, func(i, j int) bool { return duels[i].ID < duels[j].ID })
	return duels, nil
}

func (s *MemoryStore) UpdateDuel(_ context.Context, next *model.Duel, from model.DuelState, postings []model.Posting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.duels[next.ID]
	if !ok {
		return fmt.Errorf("duel %d: %w", next.ID, ErrNotFound)
	}
	if cur.State != from {
		return fmt.Errorf("duel %d is %s, expected %s: %w", next.ID, cur.State, from, ErrStateConflict)
	}
	if err := CheckBalanced(cur.Pot, next.Pot, postings); err != nil {
		return err
	}
	if err := s.applyLocked(postings); err != nil {
		return err
	}
	s.duels[next.ID] = next.Clone()
	return nil
}

func (s *MemoryStore) Deposit(_ context.Context, account string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit %d to %s: amount must be positive", amount, account)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[account] += amount
	return nil
}

func (s *MemoryStore) Balance(_ context.Context, account string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, ev *model.TradeEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ExternalRef != "" {
		k := tradeKey{duelID: ev.DuelID, ref: ev.ExternalRef}
		if _, dup := s.refs[k]; dup {
			return false, nil
		}
		s.refs[k] = struct{}{}
	}

	s.nextSeq++
	c := *ev
	c.Seq = s.nextSeq
	s.trades[ev.DuelID] = append(s.trades[ev.DuelID], c)
	ev.Seq = c.Seq
	return true, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, duelID int64) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.trades[duelID]
	out := make([]model.TradeEvent, len(src))
	copy(out, src)
	return out, nil
}

// TotalValue returns the sum of all balances and all pots. It is constant
// across every operation except Deposit.
func (s *MemoryStore) TotalValue() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, b := range s.balances {
		total += b
	}
	for _, d := range s.duels {
		total += d.Pot
	}
	return total
}

// applyLocked validates every posting before mutating any balance.
func (s *MemoryStore) applyLocked(postings []model.Posting) error {
	pending := make(map[string]int64, len(postings))
	for _, p := range postings {
		pending[p.Account] += p.Delta
	}
	for acct, delta := range pending {
		if s.balances[acct]+delta < 0 {
			return fmt.Errorf("account %s: %w", acct, ErrInsufficientFunds)
		}
	}
	for acct, delta := range pending {
		s.balances[acct] += delta
	}
	return nil
}

func matchState(s model.DuelState, states []model.DuelState) bool {
	if len(states) == 0 {
		return true
	}
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}
