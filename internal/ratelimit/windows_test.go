package ratelimit

import (
	"testing"
	"time"
)

func TestDailyTTLAlignsToLocalMidnight(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 6, 3, 23, 0, 0, 0, loc)
	boundary := nextMidnight(now, loc)
	want := time.Date(2025, 6, 4, 0, 0, 0, 0, loc)
	if !boundary.Equal(want) {
		t.Fatalf("next midnight = %v, want %v", boundary, want)
	}
	if d := boundary.Sub(now); d != time.Hour {
		t.Fatalf("ttl = %v, want 1h", d)
	}
}

func TestWeeklyBoundaryIsNextMonday(t *testing.T) {
	loc := time.UTC
	// Wednesday.
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, loc)
	boundary := nextMonday(now, loc)
	want := time.Date(2025, 6, 9, 0, 0, 0, 0, loc)
	if !boundary.Equal(want) {
		t.Fatalf("next monday = %v, want %v", boundary, want)
	}

	// From a Monday, the boundary is the following Monday, not today.
	monday := time.Date(2025, 6, 9, 8, 0, 0, 0, loc)
	boundary = nextMonday(monday, loc)
	want = time.Date(2025, 6, 16, 0, 0, 0, 0, loc)
	if !boundary.Equal(want) {
		t.Fatalf("next monday from monday = %v, want %v", boundary, want)
	}
}

func TestWeeklyBoundaryAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// Saturday noon EST; clocks spring forward Sunday 2am, so the wall
	// distance to Monday 00:00 is 36h but the elapsed time is 35h.
	now := time.Date(2025, 3, 8, 12, 0, 0, 0, loc)
	boundary := nextMonday(now, loc)
	want := time.Date(2025, 3, 10, 0, 0, 0, 0, loc)
	if !boundary.Equal(want) {
		t.Fatalf("next monday = %v, want %v", boundary, want)
	}
	if d := boundary.Sub(now); d != 35*time.Hour {
		t.Fatalf("elapsed to boundary = %v, want 35h across spring-forward", d)
	}
}

func TestMonthlyBoundary(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 1, 31, 12, 0, 0, 0, loc)
	boundary := nextMonthBoundary(now, loc)
	want := time.Date(2025, 2, 1, 0, 0, 0, 0, loc)
	if !boundary.Equal(want) {
		t.Fatalf("next month boundary = %v, want %v", boundary, want)
	}
}

func TestAnchoredTTLUsesCycleStart(t *testing.T) {
	cycleStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := cycleStart.Add(10 * 24 * time.Hour)

	// 10 days into an anchored weekly cycle: current period started at
	// day 7, next boundary at day 14, so 4 days remain.
	got := anchoredTTL(cycleStart, now, 7*24*time.Hour)
	if got != 4*24*time.Hour {
		t.Fatalf("anchored weekly ttl = %v, want 96h", got)
	}

	// Before the anchor, the ttl runs to the anchor itself.
	early := cycleStart.Add(-48 * time.Hour)
	got = anchoredTTL(cycleStart, early, 7*24*time.Hour)
	if got <= 0 {
		t.Fatalf("anchored ttl before cycle start = %v, want positive", got)
	}
}

func TestTTLForDispatch(t *testing.T) {
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
	anchor := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if d := ttlFor(PeriodWeekly, now, time.UTC, &anchor); d != 4*24*time.Hour-10*time.Hour {
		t.Fatalf("anchored weekly ttl = %v", d)
	}
	if d := ttlFor(PeriodTotal, now, time.UTC, nil); d != 365*24*time.Hour {
		t.Fatalf("total ttl = %v, want 1y", d)
	}
}
