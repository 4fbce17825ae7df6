package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pnlduel/duel-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for duel
// records. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Compare-and-swap always
// runs against the primary, so a stale cached read can only cause a
// rejected transition, never a double one.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateDuel(ctx context.Context, d *model.Duel, postings []model.Posting) (int64, error) {
	id, err := s.primary.CreateDuel(ctx, d, postings)
	if err != nil {
		return 0, err
	}
	c := d.Clone()
	c.ID = id
	s.cacheDuel(ctx, c)
	return id, nil
}

func (s *CachedStore) UpdateDuel(ctx context.Context, next *model.Duel, from model.DuelState, postings []model.Posting) error {
	err := s.primary.UpdateDuel(ctx, next, from, postings)
	// Invalidate on success and on a lost CAS; next read re-populates.
	if err == nil || errors.Is(err, ErrStateConflict) {
		s.rdb.Del(ctx, duelKey(next.ID))
	}
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetDuel(ctx context.Context, id int64) (*model.Duel, error) {
	data, err := s.rdb.Get(ctx, duelKey(id)).Bytes()
	if err == nil {
		var d model.Duel
		if json.Unmarshal(data, &d) == nil {
			return &d, nil
		}
	}

	// Cache miss: read from primary.
	d, err := s.primary.GetDuel(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheDuel(ctx, d)
	return d, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListDuels(ctx context.Context, states ...model.DuelState) ([]model.Duel, error) {
	return s.primary.ListDuels(ctx, states...)
}

func (s *CachedStore) Deposit(ctx context.Context, account string, amount int64) error {
	return s.primary.Deposit(ctx, account, amount)
}

func (s *CachedStore) Balance(ctx context.Context, account string) (int64, error) {
	return s.primary.Balance(ctx, account)
}

func (s *CachedStore) InsertTrade(ctx context.Context, ev *model.TradeEvent) (bool, error) {
	return s.primary.InsertTrade(ctx, ev)
}

func (s *CachedStore) ListTrades(ctx context.Context, duelID int64) ([]model.TradeEvent, error) {
	return s.primary.ListTrades(ctx, duelID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheDuel(ctx context.Context, d *model.Duel) {
	// Terminal duels never change again; keep them longer.
	ttl := s.ttl
	if d.State.Terminal() {
		ttl = 10 * s.ttl
	}
	if data, err := json.Marshal(d); err == nil {
		s.rdb.Set(ctx, duelKey(d.ID), data, ttl)
	}
}

func duelKey(id int64) string { return fmt.Sprintf("duel:%d", id) }
