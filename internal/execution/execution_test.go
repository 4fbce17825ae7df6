package execution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pnlduel/duel-engine/internal/pricing"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newOracle() *pricing.StaticOracle {
	o := pricing.NewStaticOracle()
	o.SetFixed("USDC", d(1))
	o.SetFixed("SOL", d(150))
	return o
}

func fixedNow() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }

func TestPaperExecutor_FillsAtOraclePrice(t *testing.T) {
	e := NewPaperExecutor(newOracle(), 0, fixedNow)

	fill, err := e.Execute(context.Background(), Order{Participant: "alice", TokenIn: "USDC", TokenOut: "SOL", AmountIn: d(300)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !fill.AmountOut.Equal(d(2)) {
		t.Errorf("amount out = %s, want 2", fill.AmountOut)
	}
	if !strings.HasPrefix(fill.ExternalRef, "paper-") {
		t.Errorf("unexpected ref %q", fill.ExternalRef)
	}

	again, _ := e.Execute(context.Background(), Order{Participant: "alice", TokenIn: "USDC", TokenOut: "SOL", AmountIn: d(300)})
	if again.ExternalRef == fill.ExternalRef {
		t.Error("every fill must carry a distinct external ref")
	}
}

func TestPaperExecutor_Slippage(t *testing.T) {
	e := NewPaperExecutor(newOracle(), 50, fixedNow)

	fill, err := e.Execute(context.Background(), Order{Participant: "bob", TokenIn: "SOL", TokenOut: "USDC", AmountIn: d(1)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !fill.AmountOut.Equal(d(149.25)) {
		t.Errorf("amount out = %s, want 149.25", fill.AmountOut)
	}
	if !fill.ExecutionPrice.Equal(d(149.25)) {
		t.Errorf("execution price = %s", fill.ExecutionPrice)
	}
}

func TestPaperExecutor_Rejections(t *testing.T) {
	e := NewPaperExecutor(newOracle(), 0, fixedNow)
	ctx := context.Background()

	tests := []struct {
		name  string
		order Order
		want  error
	}{
		{"no participant", Order{TokenIn: "USDC", TokenOut: "SOL", AmountIn: d(1)}, ErrInvalidOrder},
		{"same token", Order{Participant: "a", TokenIn: "SOL", TokenOut: "SOL", AmountIn: d(1)}, ErrInvalidOrder},
		{"zero amount", Order{Participant: "a", TokenIn: "USDC", TokenOut: "SOL"}, ErrInvalidOrder},
		{"unknown token", Order{Participant: "a", TokenIn: "USDC", TokenOut: "DOGE", AmountIn: d(1)}, pricing.ErrUnknownInstrument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(ctx, tt.order)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
