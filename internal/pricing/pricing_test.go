package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

func TestStaticOracle_StepFunction(t *testing.T) {
	o := NewStaticOracle()
	o.Set("SOL", t0.Add(10*time.Second), d(110))
	o.Set("SOL", t0, d(100))
	o.Set("SOL", t0.Add(30*time.Second), d(90))

	tests := []struct {
		at   time.Duration
		want float64
	}{
		{-5 * time.Second, 100}, // before the series: first point
		{0, 100},
		{9 * time.Second, 100},
		{10 * time.Second, 110},
		{29 * time.Second, 110},
		{time.Hour, 90},
	}
	for _, tt := range tests {
		got, err := o.PriceAt(context.Background(), "SOL", t0.Add(tt.at))
		if err != nil {
			t.Fatalf("at %v: %v", tt.at, err)
		}
		if !got.Equal(d(tt.want)) {
			t.Errorf("at %v: expected %v, got %s", tt.at, tt.want, got)
		}
	}
}

func TestStaticOracle_UnknownInstrument(t *testing.T) {
	o := NewStaticOracle()
	_, err := o.PriceAt(context.Background(), "NOPE", t0)
	if !errors.Is(err, ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
}

// countingOracle returns a different price on every call.
type countingOracle struct {
	n atomic.Int64
}

func (c *countingOracle) PriceAt(_ context.Context, _ string, _ time.Time) (decimal.Decimal, error) {
	return decimal.NewFromInt(c.n.Add(1)), nil
}

func TestSnapshot_Repeatable(t *testing.T) {
	up := &countingOracle{}
	s := NewSnapshot(context.Background(), up, time.Second)

	first, err := s.PriceAt("SOL", t0)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, _ := s.PriceAt("SOL", t0)
			if !p.Equal(first) {
				t.Errorf("snapshot returned %s after %s", p, first)
			}
		}()
	}
	wg.Wait()
	if s.Lookups() != 1 {
		t.Errorf("expected 1 upstream lookup, got %d", s.Lookups())
	}
}

type failingOracle struct{ err error }

func (f failingOracle) PriceAt(context.Context, string, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, f.err
}

func TestSnapshot_WrapsUpstreamFailure(t *testing.T) {
	s := NewSnapshot(context.Background(), failingOracle{err: fmt.Errorf("connection refused")}, 0)
	_, err := s.PriceAt("SOL", t0)
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestSnapshot_RejectsNonPositivePrice(t *testing.T) {
	o := NewStaticOracle()
	o.SetFixed("DEAD", decimal.Zero)
	s := NewSnapshot(context.Background(), o, 0)
	if _, err := s.PriceAt("DEAD", t0); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable for zero quote, got %v", err)
	}
}

func TestHTTPOracle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/prices/SOL":
			if r.URL.Query().Get("at") != fmt.Sprint(t0.Unix()) {
				t.Errorf("unexpected at param: %s", r.URL.RawQuery)
			}
			w.Write([]byte(`{"instrument":"SOL","price":"142.17","at":1}`))
		case "/v1/prices/DOWN":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, 100, time.Second)
	ctx := context.Background()

	p, err := o.PriceAt(ctx, "SOL", t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d(142.17)) {
		t.Errorf("expected 142.17, got %s", p)
	}
	if _, err := o.PriceAt(ctx, "NOPE", t0); !errors.Is(err, ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
	if _, err := o.PriceAt(ctx, "DOWN", t0); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}
