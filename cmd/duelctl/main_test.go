package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "duels.db"))
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("duelctl %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestDuelctl_Lifecycle(t *testing.T) {
	setupEnv(t)

	mustRun(t, "migrate")
	if out := mustRun(t, "deposit", "alice", "500"); !strings.Contains(out, "alice balance 500") {
		t.Fatalf("deposit output: %q", out)
	}
	mustRun(t, "deposit", "bob", "500")

	if out := mustRun(t, "duels", "create", "--creator", "alice", "--wager", "100", "--duration", "1h"); !strings.Contains(out, "created duel 1") {
		t.Fatalf("create output: %q", out)
	}
	if out := mustRun(t, "balance", "alice"); !strings.Contains(out, "alice balance 400") {
		t.Errorf("wager should be escrowed: %q", out)
	}

	out := mustRun(t, "duels", "list", "--state", "created")
	if !strings.Contains(out, "alice") || !strings.Contains(out, "created") {
		t.Errorf("list output missing duel: %q", out)
	}

	mustRun(t, "duels", "join", "1", "--as", "bob")
	out = mustRun(t, "duels", "list", "--state", "created")
	if strings.Contains(out, "alice") {
		t.Errorf("joined duel should not be listed as created: %q", out)
	}

	// Window still open: nothing to resolve, nothing to refund.
	if _, err := run(t, "resolve", "1"); err == nil {
		t.Error("resolve before end should fail")
	}
	if _, err := run(t, "refund", "1"); err == nil {
		t.Error("refund before expiry should fail")
	}

	out = mustRun(t, "sweep", "--once")
	if !strings.Contains(out, "pending 1") {
		t.Errorf("sweep output: %q", out)
	}

	out = mustRun(t, "duels", "show", "1")
	if !strings.Contains(out, "bob") || !strings.Contains(out, "active") {
		t.Errorf("show output: %q", out)
	}
}

func TestDuelctl_Errors(t *testing.T) {
	setupEnv(t)

	if _, err := run(t, "duels", "show", "abc"); err == nil {
		t.Error("non-numeric id should fail")
	}
	if _, err := run(t, "duels", "show", "42"); err == nil {
		t.Error("unknown duel should fail")
	}
	if _, err := run(t, "duels", "list", "--state", "bogus"); err == nil {
		t.Error("unknown state should fail")
	}
	if _, err := run(t, "deposit", "alice", "0"); err == nil {
		t.Error("zero deposit should fail")
	}
	if _, err := run(t, "duels", "create", "--creator", "alice", "--wager", "100"); err == nil {
		t.Error("create without funds should fail")
	}
}
