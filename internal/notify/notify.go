// Package notify delivers best-effort activity notifications about duels.
//
// Nothing in here can fail or block a duel operation: producers hand events
// to a Dispatcher, which retries a bounded number of times per sink and then
// drops the event with a warning.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// EventType names a duel activity.
type EventType string

const (
	EventDuelCreated   EventType = "duel_created"
	EventDuelJoined    EventType = "duel_joined"
	EventTradeRecorded EventType = "trade_recorded"
	EventDuelWon       EventType = "duel_won"
	EventDuelLost      EventType = "duel_lost"
	EventDuelRefunded  EventType = "duel_refunded"
)

// Event is one notification addressed to a participant.
type Event struct {
	Type        EventType         `json:"type"`
	DuelID      int64             `json:"duel_id"`
	Participant string            `json:"participant"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	At          time.Time         `json:"at"`
}

// Notifier is the notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) error { return nil })

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier logs to logger, or slog.Default() when nil.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, ev Event) error {
	n.logger.InfoContext(ctx, "duel activity",
		"type", ev.Type,
		"duel_id", ev.DuelID,
		"participant", ev.Participant,
		"metadata", ev.Metadata,
	)
	return nil
}
