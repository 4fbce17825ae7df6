package id

import (
	"testing"
	"time"
)

func TestNew_SortableWithinMillisecond(t *testing.T) {
	now := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)
	prev := At(now)
	for i := 0; i < 100; i++ {
		next := At(now)
		if next <= prev {
			t.Fatalf("id %d not increasing: %s <= %s", i, next, prev)
		}
		prev = next
	}
}

func TestNew_Length(t *testing.T) {
	if got := len(New()); got != 26 {
		t.Errorf("expected 26-char ULID, got %d", got)
	}
}
