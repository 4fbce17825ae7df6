package referee

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pnlduel/duel-engine/internal/escrow"
	"github.com/pnlduel/duel-engine/internal/metrics"
	"github.com/pnlduel/duel-engine/internal/model"
)

const DefaultSweepInterval = 5 * time.Second

// SweepReport summarises one sweep.
type SweepReport struct {
	Resolved int `json:"resolved"`
	Refunded int `json:"refunded"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"` // active, not yet ended
}

// Sweeper is the scheduled-timeout half of resolution: it resolves duels
// whose deadline has passed and refunds the ones nobody can resolve.
type Sweeper struct {
	coord    *Coordinator
	interval time.Duration
	caller   string
}

// NewSweeper creates a sweeper acting as caller for refunds.
func NewSweeper(coord *Coordinator, interval time.Duration, caller string) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if caller == "" {
		caller = coord.resolver
	}
	return &Sweeper{coord: coord, interval: interval, caller: caller}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("sweep failed", "err", err)
			}
		}
	}
}

// SweepOnce makes one pass over open and active duels.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	duels, err := s.coord.List(ctx, model.StateCreated, model.StateActive)
	if err != nil {
		return rep, err
	}

	now := s.coord.now()
	active := 0
	for _, v := range duels {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		expired := v.ExpiresAt != nil && now.After(*v.ExpiresAt)

		if v.State == model.StateCreated {
			if expired {
				s.refund(ctx, v.ID, &rep)
			}
			continue
		}

		active++
		if now.Before(*v.EndsAt) {
			rep.Pending++
			continue
		}
		_, err := s.coord.Resolve(ctx, v.ID)
		switch {
		case err == nil:
			rep.Resolved++
			active--
		case expired:
			// Still unresolvable past the grace period: return the wagers.
			slog.Warn("resolve failed past grace period, refunding", "duel_id", v.ID, "err", err)
			if s.refund(ctx, v.ID, &rep) {
				active--
			}
		default:
			rep.Failed++
			slog.Warn("resolve failed, will retry", "duel_id", v.ID, "err", err)
		}
	}
	metrics.ActiveDuels.Set(float64(active))

	if rep.Resolved+rep.Refunded+rep.Failed > 0 {
		slog.Info("sweep complete",
			"resolved", rep.Resolved,
			"refunded", rep.Refunded,
			"failed", rep.Failed,
			"pending", rep.Pending,
		)
	}
	return rep, nil
}

func (s *Sweeper) refund(ctx context.Context, duelID int64, rep *SweepReport) bool {
	_, err := s.coord.Refund(ctx, s.caller, duelID)
	switch {
	case err == nil:
		rep.Refunded++
		return true
	case errors.Is(err, escrow.ErrAlreadyResolved), errors.Is(err, escrow.ErrDuelNotActive):
		// Someone else closed it between the list and now.
		return true
	default:
		rep.Failed++
		slog.Error("refund failed", "duel_id", duelID, "err", err)
		return false
	}
}
