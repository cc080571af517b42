package clock

import (
	"testing"
	"time"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := Fake(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	c.Advance(59 * time.Minute)
	if got := c.Now(); !got.Equal(start.Add(59 * time.Minute)) {
		t.Fatalf("Now() after advance = %v", got)
	}

	select {
	case <-c.After(time.Hour):
	default:
		t.Fatal("After should fire immediately on a fake clock")
	}
	if got := c.Now(); !got.Equal(start.Add(59 * time.Minute)) {
		t.Fatalf("After must not move time, got %v", got)
	}
}

func TestFakeClockSetNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	c := Fake(time.Time{})
	c.Set(time.Date(2026, 3, 1, 18, 0, 0, 0, loc))

	if c.Now().Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", c.Now().Location())
	}
	if c.Now().Hour() != 10 {
		t.Fatalf("expected 10:00 UTC, got %v", c.Now())
	}
}
