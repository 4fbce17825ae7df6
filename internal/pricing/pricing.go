// Package pricing provides the price lookup collaborator used when marking
// duel positions. Prices are quoted in the duel's unit of account.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownInstrument is returned for instruments the oracle has never
	// priced. It is a data-consistency error, never priced at zero.
	ErrUnknownInstrument = errors.New("pricing: unknown instrument")

	// ErrPriceUnavailable is returned when a price cannot be obtained
	// (timeout, upstream failure, non-positive quote).
	ErrPriceUnavailable = errors.New("pricing: price unavailable")
)

// Oracle looks up the price of an instrument at a point in time.
type Oracle interface {
	PriceAt(ctx context.Context, instrument string, at time.Time) (decimal.Decimal, error)
}

// PriceFunc is the context-free lookup handed to the P&L engine.
type PriceFunc func(instrument string, at time.Time) (decimal.Decimal, error)

// Point is one observation in a price series.
type Point struct {
	At    time.Time
	Price decimal.Decimal
}

// StaticOracle serves prices from in-memory step-function series: the price
// at t is the latest point at or before t, or the first point when t
// precedes the series. Used for paper trading and tests.
type StaticOracle struct {
	mu     sync.RWMutex
	series map[string][]Point
}

// NewStaticOracle creates an empty oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{series: make(map[string][]Point)}
}

// SetFixed registers a constant price for instrument.
func (o *StaticOracle) SetFixed(instrument string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.series[instrument] = []Point{{Price: price}}
}

// Set adds an observation, keeping the series ordered by time.
func (o *StaticOracle) Set(instrument string, at time.Time, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pts := append(o.series[instrument], Point{At: at, Price: price})
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].At.Before(pts[j].At) })
	o.series[instrument] = pts
}

// Instruments lists every instrument with a series.
func (o *StaticOracle) Instruments() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]string, 0, len(o.series))
	for k := range o.series {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (o *StaticOracle) PriceAt(_ context.Context, instrument string, at time.Time) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	pts, ok := o.series[instrument]
	if !ok || len(pts) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	// First index strictly after at; the one before it is in force.
	i := sort.Search(len(pts), func(i int) bool { return pts[i].At.After(at) })
	if i == 0 {
		return pts[0].Price, nil
	}
	return pts[i-1].Price, nil
}

// Snapshot memoizes lookups for the lifetime of one computation so repeated
// calls for the same (instrument, time) are guaranteed identical, and bounds
// every upstream call with a timeout.
type Snapshot struct {
	ctx     context.Context
	oracle  Oracle
	timeout time.Duration

	mu    sync.Mutex
	cache map[snapKey]decimal.Decimal
	calls int
}

type snapKey struct {
	instrument string
	at         int64
}

// NewSnapshot wraps oracle. timeout <= 0 means only ctx bounds the calls.
func NewSnapshot(ctx context.Context, oracle Oracle, timeout time.Duration) *Snapshot {
	return &Snapshot{
		ctx:     ctx,
		oracle:  oracle,
		timeout: timeout,
		cache:   make(map[snapKey]decimal.Decimal),
	}
}

// Func returns the memoized lookup for the P&L engine.
func (s *Snapshot) Func() PriceFunc {
	return s.PriceAt
}

// PriceAt returns the memoized price, querying the oracle on first use.
// Failures are not cached so a later run can succeed.
func (s *Snapshot) PriceAt(instrument string, at time.Time) (decimal.Decimal, error) {
	k := snapKey{instrument: instrument, at: at.UnixNano()}

	s.mu.Lock()
	if p, ok := s.cache[k]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	p, err := s.oracle.PriceAt(ctx, instrument, at)
	if err != nil {
		if errors.Is(err, ErrUnknownInstrument) || errors.Is(err, ErrPriceUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %s at %s: %v", ErrPriceUnavailable, instrument, at.UTC().Format(time.RFC3339), err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s quoted %s", ErrPriceUnavailable, instrument, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// First writer wins so concurrent callers observe one value.
	if prev, ok := s.cache[k]; ok {
		return prev, nil
	}
	s.cache[k] = p
	s.calls++
	return p, nil
}

// Lookups returns how many distinct prices were fetched from the oracle.
func (s *Snapshot) Lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
