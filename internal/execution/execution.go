// Package execution is the trade execution collaborator. The core never
// routes or prices swaps itself; it only records the fills returned here.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pnlduel/duel-engine/internal/model"
	"github.com/pnlduel/duel-engine/internal/pricing"
)

var (
	ErrInvalidOrder = errors.New("execution: invalid order")
	ErrExecution    = errors.New("execution: trade failed")
)

// Order is a request to swap AmountIn of TokenIn into TokenOut.
type Order struct {
	Participant string          `json:"participant"`
	TokenIn     string          `json:"token_in"`
	TokenOut    string          `json:"token_out"`
	AmountIn    decimal.Decimal `json:"amount_in"`
}

// Validate rejects orders that cannot produce a journal entry.
func (o Order) Validate() error {
	switch {
	case o.Participant == "":
		return fmt.Errorf("%w: participant is required", ErrInvalidOrder)
	case o.TokenIn == "" || o.TokenOut == "":
		return fmt.Errorf("%w: token_in and token_out are required", ErrInvalidOrder)
	case o.TokenIn == o.TokenOut:
		return fmt.Errorf("%w: token_in equals token_out", ErrInvalidOrder)
	case !o.AmountIn.IsPositive():
		return fmt.Errorf("%w: amount_in must be positive", ErrInvalidOrder)
	}
	return nil
}

// Executor executes a swap and reports the fill.
type Executor interface {
	Execute(ctx context.Context, o Order) (*model.Fill, error)
}

// PaperExecutor fills orders at oracle prices with a fixed slippage haircut.
// Used for simulated duels and in tests.
type PaperExecutor struct {
	oracle      pricing.Oracle
	slippageBps int64
	now         func() time.Time
}

// NewPaperExecutor creates a paper executor. slippageBps is deducted from
// every fill's output amount.
func NewPaperExecutor(oracle pricing.Oracle, slippageBps int64, now func() time.Time) *PaperExecutor {
	if now == nil {
		now = time.Now
	}
	return &PaperExecutor{oracle: oracle, slippageBps: slippageBps, now: now}
}

var bpsDenominator = decimal.NewFromInt(10000)

// Execute prices both legs at the current time. ExecutionPrice is units of
// TokenOut received per unit of TokenIn.
func (e *PaperExecutor) Execute(ctx context.Context, o Order) (*model.Fill, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	at := e.now()

	priceIn, err := e.oracle.PriceAt(ctx, o.TokenIn, at)
	if err != nil {
		return nil, fmt.Errorf("%w: price %s: %w", ErrExecution, o.TokenIn, err)
	}
	priceOut, err := e.oracle.PriceAt(ctx, o.TokenOut, at)
	if err != nil {
		return nil, fmt.Errorf("%w: price %s: %w", ErrExecution, o.TokenOut, err)
	}
	if !priceOut.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive price for %s", ErrExecution, o.TokenOut)
	}

	haircut := decimal.NewFromInt(1).Sub(decimal.NewFromInt(e.slippageBps).Div(bpsDenominator))
	out := o.AmountIn.Mul(priceIn).Mul(haircut).Div(priceOut)
	if !out.IsPositive() {
		return nil, fmt.Errorf("%w: fill rounds to zero", ErrExecution)
	}

	return &model.Fill{
		AmountOut:      out,
		ExecutionPrice: out.Div(o.AmountIn),
		ExternalRef:    "paper-" + uuid.NewString(),
	}, nil
}
