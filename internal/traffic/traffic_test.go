package traffic

import (
	"testing"
	"time"
)

func TestRequestCount_Empty(t *testing.T) {
	Reset()
	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
}

func TestRecordDenied_AndCounts(t *testing.T) {
	Reset()
	RecordDenied()
	RecordDenied()
	RecordSuccess()
	if n := DenialCount(time.Minute); n != 2 {
		t.Errorf("DenialCount() = %d, want 2", n)
	}
	if n := RequestCount(time.Minute); n != 3 {
		t.Errorf("RequestCount() = %d, want 3", n)
	}
}

// TestErrorRate_DeniedExcluded verifies that denials do not count toward the error rate.
func TestErrorRate_DeniedExcluded(t *testing.T) {
	Reset()
	RecordSuccess()
	RecordError()
	RecordDenied()
	errors, total := ErrorRate(time.Minute)
	if errors != 1 || total != 2 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 2)", errors, total)
	}
}

func TestTracker_WindowAndPrune(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := &Tracker{now: func() time.Time { return now }}

	tr.RecordError()
	now = now.Add(2 * time.Minute)
	tr.RecordSuccess()
	tr.RecordSuccess()

	s := tr.Snapshot(time.Minute)
	if s.Successes != 2 || s.Errors != 0 {
		t.Errorf("Snapshot(1m) = %+v, want 2 successes and no errors", s)
	}
	s = tr.Snapshot(5 * time.Minute)
	if s.Errors != 1 {
		t.Errorf("Snapshot(5m).Errors = %d, want 1", s.Errors)
	}

	now = now.Add(retention + time.Minute)
	tr.RecordDenied()
	if got := len(tr.errorTimes) + len(tr.successTimes); got != 0 {
		t.Errorf("after retention, %d stale outcomes kept, want 0", got)
	}
}

func TestSnapshot_ErrorPct(t *testing.T) {
	tests := []struct {
		s    Snapshot
		want float64
	}{
		{Snapshot{}, 0},
		{Snapshot{Successes: 3, Errors: 1}, 25},
		{Snapshot{Errors: 2, Denied: 10}, 100},
	}
	for _, tt := range tests {
		if got := tt.s.ErrorPct(); got != tt.want {
			t.Errorf("%+v.ErrorPct() = %v, want %v", tt.s, got, tt.want)
		}
	}
}
