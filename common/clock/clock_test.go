package clock_test

import (
	"testing"
	"time"

	"github.com/bdobrica/feelix/common/clock"
)

func TestManual_AdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := clock.NewManual(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now: got %v, want %v", got, start)
	}
	c.Advance(90 * time.Minute)
	if got, want := c.Now(), start.Add(90*time.Minute); !got.Equal(want) {
		t.Errorf("after Advance: got %v, want %v", got, want)
	}
	c.Set(start)
	if got := c.Now(); !got.Equal(start) {
		t.Errorf("after Set: got %v, want %v", got, start)
	}
}

func TestOrSystem(t *testing.T) {
	if _, ok := clock.OrSystem(nil).(clock.System); !ok {
		t.Error("nil clock should fall back to System")
	}
	m := clock.NewManual(time.Unix(0, 0))
	if clock.OrSystem(m) != m {
		t.Error("non-nil clock should be returned unchanged")
	}
}
