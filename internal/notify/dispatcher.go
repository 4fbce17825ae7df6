package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/pnlduel/duel-engine/internal/metrics"
)

const (
	DefaultQueueSize = 256
	DefaultAttempts  = 3
	DefaultTimeout   = 2 * time.Second
	DefaultRetryWait = 100 * time.Millisecond
)

// DispatcherConfig bounds delivery effort. Zero fields take defaults.
type DispatcherConfig struct {
	QueueSize int
	// Attempts is the total number of tries per event, first one included.
	Attempts  int
	Timeout   time.Duration // per attempt
	RetryWait time.Duration // initial backoff interval
}

// Dispatcher decouples producers from a slow or failing sink. Notify only
// enqueues; Run delivers.
type Dispatcher struct {
	sink      Notifier
	queue     chan Event
	attempts  uint
	timeout   time.Duration
	retryWait time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

// NewDispatcher creates a dispatcher in front of sink.
func NewDispatcher(sink Notifier, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = DefaultRetryWait
	}
	return &Dispatcher{
		sink:      sink,
		queue:     make(chan Event, cfg.QueueSize),
		attempts:  uint(cfg.Attempts),
		timeout:   cfg.Timeout,
		retryWait: cfg.RetryWait,
		done:      make(chan struct{}),
	}
}

// Notify enqueues ev and never blocks. A full queue drops the event.
func (d *Dispatcher) Notify(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
	default:
		metrics.Notifications.WithLabelValues("queue_full").Inc()
		slog.Warn("notification dropped: queue full", "type", ev.Type, "duel_id", ev.DuelID, "participant", ev.Participant)
	}
	return nil
}

// Run delivers queued events until ctx is cancelled, then makes one
// last attempt on whatever is still queued. It returns nil on shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.closeOnce.Do(func() { close(d.done) })
	for {
		if ctx.Err() != nil {
			d.drain()
			return nil
		}
		select {
		case <-ctx.Done():
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.retryWait
	policy.MaxInterval = d.retryWait * 10

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		return struct{}{}, d.sink.Notify(attemptCtx, ev)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(d.attempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Debug("notification retry", "type", ev.Type, "duel_id", ev.DuelID, "err", err, "backoff", wait)
		}),
	)
	if err != nil {
		metrics.Notifications.WithLabelValues("dropped").Inc()
		slog.Warn("notification dropped",
			"type", ev.Type,
			"duel_id", ev.DuelID,
			"participant", ev.Participant,
			"attempts", d.attempts,
			"err", err,
		)
		return
	}
	metrics.Notifications.WithLabelValues("delivered").Inc()
}

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := d.sink.Notify(ctx, ev); err != nil {
				metrics.Notifications.WithLabelValues("dropped").Inc()
				slog.Warn("notification dropped on shutdown", "type", ev.Type, "duel_id", ev.DuelID, "err", err)
			} else {
				metrics.Notifications.WithLabelValues("delivered").Inc()
			}
			cancel()
		default:
			return
		}
	}
}

// Fanout gives every sink its own Dispatcher, so a failing sink is retried
// alone and the healthy ones see each event once.
type Fanout struct {
	dispatchers []*Dispatcher
	done        chan struct{}
}

// NewFanout creates one dispatcher per sink, all sharing cfg.
func NewFanout(cfg DispatcherConfig, sinks ...Notifier) *Fanout {
	f := &Fanout{done: make(chan struct{})}
	for _, sink := range sinks {
		f.dispatchers = append(f.dispatchers, NewDispatcher(sink, cfg))
	}
	return f
}

// Notify enqueues ev on every sink's queue and never blocks.
func (f *Fanout) Notify(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, d := range f.dispatchers {
		d.Notify(ctx, ev)
	}
	return nil
}

// Run runs every dispatcher until ctx is cancelled and they have drained.
func (f *Fanout) Run(ctx context.Context) error {
	defer close(f.done)
	var g errgroup.Group
	for _, d := range f.dispatchers {
		g.Go(func() error { return d.Run(ctx) })
	}
	return g.Wait()
}

// Done is closed once Run has returned.
func (f *Fanout) Done() <-chan struct{} { return f.done }
