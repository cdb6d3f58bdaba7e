package moderation

import (
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name  string
		muted bool
		d     Decision
		want  Verdict
	}{
		{"clean", false, Decision{Action: ActionOK}, Verdict{}},
		{"warn", false, Decision{Action: ActionWarn, Reason: "spam_url"}, Verdict{Warn: true, Reason: "spam_url"}},
		{"muted clean", true, Decision{Action: ActionOK}, Verdict{Blocked: true}},
		// A muted sender is blocked outright; the classifier decision must
		// not add a strike on top.
		{"muted warn", true, Decision{Action: ActionWarn, Reason: "spam_url"}, Verdict{Blocked: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.muted, tt.d)
			if got != tt.want {
				t.Errorf("Evaluate(%v, %+v) = %+v, want %+v", tt.muted, tt.d, got, tt.want)
			}
		})
	}
}

func TestShouldEscalate(t *testing.T) {
	tests := []struct {
		sum, threshold int
		want           bool
	}{
		{0, 3, false},
		{2, 3, false},
		{3, 3, true},
		{5, 3, true},
		{100, 0, false},  // zero threshold disables escalation
		{100, -1, false}, // so does a negative one
	}

	for _, tt := range tests {
		if got := ShouldEscalate(tt.sum, tt.threshold); got != tt.want {
			t.Errorf("ShouldEscalate(%d, %d) = %v, want %v", tt.sum, tt.threshold, got, tt.want)
		}
	}
}

func TestWindowBounds_UTC(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 42, 7, 0, time.UTC)

	start := WindowStart(now, time.UTC)
	if want := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("WindowStart = %s, want %s", start, want)
	}

	end := WindowEnd(now, time.UTC)
	if want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC); !end.Equal(want) {
		t.Errorf("WindowEnd = %s, want %s", end, want)
	}
}

// A timestamp just before and just after local midnight must land in
// different windows.
func TestWindowBounds_MidnightBoundary(t *testing.T) {
	before := time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC)
	after := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	if WindowStart(before, time.UTC).Equal(WindowStart(after, time.UTC)) {
		t.Error("23:59:59 and 00:00:00 must be in different windows")
	}
	if !WindowEnd(before, time.UTC).Equal(WindowStart(after, time.UTC)) {
		t.Error("window end must equal the next window's start")
	}
}

// The window is the calendar day in the configured location, not in the
// timestamp's own zone.
func TestWindowBounds_Location(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}

	// 20:00 UTC on the 14th is already 05:00 on the 15th in Tokyo.
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	start := WindowStart(now, tokyo)
	if want := time.Date(2026, 3, 15, 0, 0, 0, 0, tokyo); !start.Equal(want) {
		t.Errorf("WindowStart in Tokyo = %s, want %s", start, want)
	}
}

// Across a DST spring-forward the window is 23 hours long; AddDate must
// still produce the next local midnight.
func TestWindowBounds_DST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}

	// 2026-03-08 is the US spring-forward date.
	now := time.Date(2026, 3, 8, 12, 0, 0, 0, ny)
	end := WindowEnd(now, ny)
	if want := time.Date(2026, 3, 9, 0, 0, 0, 0, ny); !end.Equal(want) {
		t.Errorf("WindowEnd across DST = %s, want %s", end, want)
	}
	if d := end.Sub(WindowStart(now, ny)); d != 23*time.Hour {
		t.Errorf("spring-forward window length = %v, want 23h", d)
	}
}
