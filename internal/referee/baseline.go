package referee

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pnlduel/duel-engine/internal/model"
)

// DefaultBaseInstrument is what a participant is assumed to hold at start.
const DefaultBaseInstrument = "USDC"

// BaselineProvider returns what a participant held when the duel started.
type BaselineProvider interface {
	Baseline(ctx context.Context, d *model.Duel, participant string) ([]model.Holding, error)
}

// WagerBaseline treats each participant as holding wagerAmount units of one
// instrument at start.
type WagerBaseline struct {
	Instrument string
}

func (b WagerBaseline) Baseline(_ context.Context, d *model.Duel, _ string) ([]model.Holding, error) {
	inst := b.Instrument
	if inst == "" {
		inst = DefaultBaseInstrument
	}
	return []model.Holding{{Instrument: inst, Quantity: decimal.NewFromInt(d.WagerAmount)}}, nil
}
