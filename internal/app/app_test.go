package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pnlduel/duel-engine/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "SQLITE_PATH", "REDIS_URL", "KAFKA_BROKERS", "PRICE_API_URL"} {
		t.Setenv(key, "")
	}
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_MemoryWiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pricing.Static = map[string]string{"SOL": "150"}

	a, err := New(context.Background(), cfg, discard(), Options{WebSocket: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	if a.Hub == nil {
		t.Error("hub should be created when WebSocket is set")
	}
	if err := a.Migrate(context.Background()); err != nil {
		t.Errorf("memory migrate should be a no-op: %v", err)
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	// Ledger and store are connected.
	ctx := context.Background()
	if err := a.Coordinator.Deposit(ctx, "alice", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := a.Coordinator.Create(ctx, "alice", 100, 60); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestNew_SQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "duels.db")

	a, err := New(context.Background(), cfg, discard(), Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	if a.Hub != nil {
		t.Error("hub should be nil without WebSocket")
	}

	ctx := context.Background()
	if err := a.Coordinator.Deposit(ctx, "bob", 50); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	bal, err := a.Coordinator.Balance(ctx, "bob")
	if err != nil || bal != 50 {
		t.Errorf("balance = %d, %v", bal, err)
	}
}

func TestNew_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pricing.Static = map[string]string{"SOL": "cheap"}
	if _, err := New(context.Background(), cfg, discard(), Options{}); err == nil {
		t.Error("expected error for malformed static price")
	}

	cfg = testConfig(t)
	cfg.Referee.DistributedLock = true
	if _, err := New(context.Background(), cfg, discard(), Options{}); err == nil {
		t.Error("expected error for distributed lock without redis")
	}

	cfg = testConfig(t)
	bps := int64(20000)
	cfg.Escrow.FeeBasisPoints = &bps
	if _, err := New(context.Background(), cfg, discard(), Options{}); err == nil {
		t.Error("expected error for fee above 100%")
	}
}

func TestNewOracle_Static(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pricing.Static = map[string]string{"SOL": "142.5"}

	oracle, err := newOracle(cfg)
	if err != nil {
		t.Fatalf("oracle: %v", err)
	}
	now := time.Now()
	base, err := oracle.PriceAt(context.Background(), "USDC", now)
	if err != nil || !base.Equal(decimal.NewFromInt(1)) {
		t.Errorf("base instrument price = %s, %v", base, err)
	}
	sol, err := oracle.PriceAt(context.Background(), "SOL", now)
	if err != nil || !sol.Equal(decimal.RequireFromString("142.5")) {
		t.Errorf("SOL price = %s, %v", sol, err)
	}
}
