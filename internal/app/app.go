// Package app assembles the duel engine from configuration. Both the
// server and duelctl build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pnlduel/duel-engine/internal/api"
	"github.com/pnlduel/duel-engine/internal/config"
	"github.com/pnlduel/duel-engine/internal/escrow"
	"github.com/pnlduel/duel-engine/internal/execution"
	"github.com/pnlduel/duel-engine/internal/journal"
	"github.com/pnlduel/duel-engine/internal/notify"
	"github.com/pnlduel/duel-engine/internal/pricing"
	"github.com/pnlduel/duel-engine/internal/referee"
	"github.com/pnlduel/duel-engine/internal/store"
)

// App holds the wired components. Call Close when done.
type App struct {
	Config      *config.Config
	Store       store.Store
	Ledger      *escrow.Ledger
	Journal     *journal.Journal
	Coordinator *referee.Coordinator
	Sweeper     *referee.Sweeper
	Dispatcher  *notify.Fanout
	Hub         *notify.WSHub // nil unless WebSocket is set

	rdb     *redis.Client
	migrate func(context.Context) error
	cleanup []func()
}

// Options selects optional surfaces.
type Options struct {
	WebSocket bool
}

// New builds every component described by cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg}
	if err := a.openStore(ctx, logger); err != nil {
		a.Close()
		return nil, err
	}

	oracle, err := newOracle(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Ledger, err = escrow.NewLedger(a.Store, escrow.Config{
		FeeBasisPoints: cfg.FeeBasisPoints(),
		Treasury:       cfg.Escrow.Treasury,
		Resolvers:      cfg.Escrow.Resolvers,
		GracePeriod:    cfg.Escrow.GracePeriod,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Journal = journal.New(a.Store)

	// Notifiers: log always, WebSocket and Kafka when configured.
	sinks := []notify.Notifier{notify.NewLogNotifier(logger)}
	if opts.WebSocket {
		a.Hub = notify.NewWSHub()
		sinks = append(sinks, a.Hub)
	}
	if len(cfg.Notify.KafkaBrokers) > 0 {
		kn := notify.NewKafkaNotifier(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic)
		a.cleanup = append(a.cleanup, func() { kn.Close() })
		sinks = append(sinks, kn)
		logger.Info("kafka notifications enabled", "brokers", cfg.Notify.KafkaBrokers, "topic", cfg.Notify.KafkaTopic)
	}
	a.Dispatcher = notify.NewFanout(notify.DispatcherConfig{
		QueueSize: cfg.Notify.QueueSize,
		Attempts:  cfg.Notify.Attempts,
		Timeout:   cfg.Notify.Timeout,
	}, sinks...)

	var locker referee.Locker = referee.NewLocalLocker()
	if cfg.Referee.DistributedLock {
		rdb, err := a.redisClient()
		if err != nil {
			a.Close()
			return nil, err
		}
		if rdb == nil {
			a.Close()
			return nil, fmt.Errorf("app: distributed_lock requires storage.redis_url")
		}
		locker = referee.NewRedisLocker(rdb, 0, 0)
		logger.Info("distributed resolve lock enabled")
	}

	a.Coordinator = referee.NewCoordinator(a.Ledger, a.Journal, oracle, referee.Options{
		Executor:       execution.NewPaperExecutor(oracle, cfg.Referee.SlippageBps, nil),
		Baselines:      referee.WagerBaseline{Instrument: cfg.Referee.BaseInstrument},
		Notifier:       a.Dispatcher,
		Locker:         locker,
		ResolverID:     cfg.Referee.ResolverID,
		Reporters:      cfg.Referee.TradeReporters,
		PriceTimeout:   cfg.Pricing.Timeout,
		ResolveTimeout: cfg.Referee.ResolveTimeout,
	})
	a.Sweeper = referee.NewSweeper(a.Coordinator, cfg.Referee.SweepInterval, "")
	return a, nil
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return api.NewRouter(api.NewHandler(a.Coordinator, a.Config.Server.Operators), a.Hub)
}

// Migrate applies the database schema. SQLite and memory stores are always
// current.
func (a *App) Migrate(ctx context.Context) error {
	if a.migrate == nil {
		return nil
	}
	return a.migrate(ctx)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

func (a *App) openStore(ctx context.Context, logger *slog.Logger) error {
	cfg := a.Config.Storage
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("app: database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		a.Store = pg
		a.migrate = pg.Migrate
		logger.Info("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.cleanup = append(a.cleanup, func() { lite.Close() })
		a.Store = lite
		logger.Info("opened SQLite store", "path", cfg.SQLitePath)
	default:
		logger.Warn("no database configured, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	rdb, err := a.redisClient()
	if err != nil {
		return err
	}
	if rdb != nil {
		a.Store = store.NewCachedStore(a.Store, rdb, cfg.CacheTTL)
		logger.Info("Redis cache enabled")
	}
	return nil
}

// redisClient returns the shared client, or nil when Redis is not
// configured.
func (a *App) redisClient() (*redis.Client, error) {
	if a.Config.Storage.RedisURL == "" {
		return nil, nil
	}
	if a.rdb != nil {
		return a.rdb, nil
	}
	opt, err := redis.ParseURL(a.Config.Storage.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("app: invalid redis_url: %w", err)
	}
	a.rdb = redis.NewClient(opt)
	a.cleanup = append(a.cleanup, func() { a.rdb.Close() })
	return a.rdb, nil
}

func newOracle(cfg *config.Config) (pricing.Oracle, error) {
	if cfg.Pricing.APIURL != "" {
		return pricing.NewHTTPOracle(cfg.Pricing.APIURL, cfg.Pricing.RatePerSecond, cfg.Pricing.Timeout), nil
	}
	oracle := pricing.NewStaticOracle()
	oracle.SetFixed(cfg.Referee.BaseInstrument, decimal.NewFromInt(1))
	for instrument, raw := range cfg.Pricing.Static {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("app: static price for %s: %w", instrument, err)
		}
		oracle.SetFixed(instrument, price)
	}
	return oracle, nil
}
