// Package pnl computes a duel participant's performance from a trade history
// and a price function.
//
// The computation is pure: it holds no state between calls, performs no I/O
// of its own, and given the same inputs (and a repeatable PriceFunc) returns
// identical results. Positions are a derived view recomputed on demand from
// the journal; nothing here is persisted.
//
// Fold, per event in (timestamp, insertion) order:
//
//	valueIn   = amountIn  × price(tokenIn,  ts)
//	valueOut  = amountOut × price(tokenOut, ts)
//	realized += valueOut − valueIn
//	tokenIn  position: quantity −= amountIn (cost relieved at average price)
//	tokenOut position: quantity += amountOut, totalCost += valueIn,
//	                   avgPrice = totalCost / quantity
//
// then unrealized = Σ (price(instrument, mark) − avgPrice) × quantity and
// pnlPercent = (realized + unrealized) / baselineValue × 100.
package pnl

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pnlduel/duel-engine/internal/model"
	"github.com/pnlduel/duel-engine/internal/pricing"
)

var (
	// ErrInsufficientPosition is returned when a trade spends more of an
	// instrument than the participant holds. Negative holdings indicate a
	// corrupted or tampered journal and are never clamped.
	ErrInsufficientPosition = errors.New("pnl: insufficient position")

	// ErrUnknownInstrument is returned when a trade or holding references an
	// instrument the price function cannot price.
	ErrUnknownInstrument = pricing.ErrUnknownInstrument
)

var hundred = decimal.NewFromInt(100)

// Window is the closed interval [Start, End] in which trades count.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside the window. An unset window
// contains nothing.
func (w Window) Contains(t time.Time) bool {
	if w.Start.IsZero() {
		return false
	}
	return !t.Before(w.Start) && !t.After(w.End)
}

// Input is everything a computation depends on.
type Input struct {
	Participant      string
	BaselineValue    decimal.Decimal
	BaselineHoldings []model.Holding
	Events           []model.TradeEvent
	Window           Window
	// MarkAt is the instant unrealized P&L is marked at. Zero means
	// Window.End.
	MarkAt time.Time
}

// position is the mutable fold state for one instrument.
type position struct {
	qty   decimal.Decimal
	avg   decimal.Decimal
	total decimal.Decimal
}

// Compute folds in.Events into realized and unrealized P&L.
func Compute(in Input, priceAt pricing.PriceFunc) (*model.PnL, error) {
	book, err := openBook(in.BaselineHoldings, in.Window.Start, priceAt)
	if err != nil {
		return nil, err
	}

	events := Filter(in.Events, in.Participant, in.Window)
	realized := decimal.Zero

	for i := range events {
		ev := &events[i]
		delta, err := apply(book, ev, priceAt)
		if err != nil {
			return nil, err
		}
		realized = realized.Add(delta)
	}

	mark := in.MarkAt
	if mark.IsZero() {
		mark = in.Window.End
	}

	unrealized := decimal.Zero
	positions := make([]model.PositionState, 0, len(book))
	for _, inst := range sortedInstruments(book) {
		p := book[inst]
		price, err := priceAt(inst, mark)
		if err != nil {
			return nil, fmt.Errorf("mark %s: %w", inst, err)
		}
		unrealized = unrealized.Add(price.Sub(p.avg).Mul(p.qty))
		positions = append(positions, model.PositionState{
			Instrument: inst,
			Quantity:   p.qty,
			AvgPrice:   p.avg,
			TotalCost:  p.total,
		})
	}

	return &model.PnL{
		Participant:   in.Participant,
		BaselineValue: in.BaselineValue,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		PnLPercent:    Percent(realized.Add(unrealized), in.BaselineValue),
		TradeCount:    len(events),
		Positions:     positions,
	}, nil
}

// Percent returns total / baseline × 100, or zero when baseline <= 0.
func Percent(total, baseline decimal.Decimal) decimal.Decimal {
	if !baseline.IsPositive() {
		return decimal.Zero
	}
	return total.Div(baseline).Mul(hundred)
}

// BaselineValue prices holdings at start.
func BaselineValue(holdings []model.Holding, start time.Time, priceAt pricing.PriceFunc) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, h := range holdings {
		price, err := priceAt(h.Instrument, start)
		if err != nil {
			return decimal.Zero, fmt.Errorf("baseline %s: %w", h.Instrument, err)
		}
		total = total.Add(h.Quantity.Mul(price))
	}
	return total, nil
}

// Filter keeps the participant's events inside the window and orders them
// by timestamp, breaking ties by insertion order. An empty participant
// keeps every participant's events.
func Filter(events []model.TradeEvent, participant string, w Window) []model.TradeEvent {
	out := make([]model.TradeEvent, 0, len(events))
	for _, ev := range events {
		if participant != "" && ev.Participant != participant {
			continue
		}
		if !w.Contains(ev.Timestamp) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// openBook seeds positions from the baseline snapshot, entered at the start
// price so baseline holdings carry no P&L at start.
func openBook(holdings []model.Holding, start time.Time, priceAt pricing.PriceFunc) (map[string]*position, error) {
	book := make(map[string]*position, len(holdings)+2)
	for _, h := range holdings {
		if !h.Quantity.IsPositive() {
			continue
		}
		price, err := priceAt(h.Instrument, start)
		if err != nil {
			return nil, fmt.Errorf("baseline %s: %w", h.Instrument, err)
		}
		p, ok := book[h.Instrument]
		if !ok {
			p = &position{}
			book[h.Instrument] = p
		}
		p.qty = p.qty.Add(h.Quantity)
		p.total = p.total.Add(h.Quantity.Mul(price))
		p.avg = p.total.Div(p.qty)
	}
	return book, nil
}

// apply folds one trade into book and returns its realized delta.
func apply(book map[string]*position, ev *model.TradeEvent, priceAt pricing.PriceFunc) (decimal.Decimal, error) {
	priceIn, err := priceAt(ev.TokenIn, ev.Timestamp)
	if err != nil {
		return decimal.Zero, fmt.Errorf("trade %s: %w", ev.ID, err)
	}
	priceOut, err := priceAt(ev.TokenOut, ev.Timestamp)
	if err != nil {
		return decimal.Zero, fmt.Errorf("trade %s: %w", ev.ID, err)
	}
	valueIn := ev.AmountIn.Mul(priceIn)
	valueOut := ev.AmountOut.Mul(priceOut)

	src, ok := book[ev.TokenIn]
	if !ok || src.qty.LessThan(ev.AmountIn) {
		held := decimal.Zero
		if ok {
			held = src.qty
		}
		return decimal.Zero, fmt.Errorf("%w: trade %s spends %s %s, holds %s",
			ErrInsufficientPosition, ev.ID, ev.AmountIn, ev.TokenIn, held)
	}
	remaining := src.qty.Sub(ev.AmountIn)
	if remaining.IsZero() {
		delete(book, ev.TokenIn)
	} else {
		src.qty = remaining
		src.total = src.avg.Mul(remaining)
	}

	dst, ok := book[ev.TokenOut]
	if !ok {
		dst = &position{}
		book[ev.TokenOut] = dst
	}
	dst.qty = dst.qty.Add(ev.AmountOut)
	dst.total = dst.total.Add(valueIn)
	dst.avg = dst.total.Div(dst.qty)

	return valueOut.Sub(valueIn), nil
}

func sortedInstruments(book map[string]*position) []string {
	out := make([]string, 0, len(book))
	for k := range book {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
