// Package traffic keeps sliding windows of miner request outcomes. The health
// endpoint derives "overloaded" and "degraded" from it and the rate limit gauges read it.
package traffic

import (
	"sync"
	"time"
)

// retention bounds how long outcomes are kept; windows longer than this undercount.
const retention = 15 * time.Minute

var defaultTracker Tracker

// RecordSuccess records an answered prediction request.
func RecordSuccess() { defaultTracker.RecordSuccess() }

// RecordError records a prediction request that failed upstream.
func RecordError() { defaultTracker.RecordError() }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.RecordDenied() }

// RequestCount returns the number of outcomes (success + error + denied) within the window.
func RequestCount(window time.Duration) int { return defaultTracker.Snapshot(window).Total() }

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.Snapshot(window).Denied }

// ErrorRate returns (errorCount, totalCount) within the window. Denials are excluded.
func ErrorRate(window time.Duration) (errors, total int) {
	s := defaultTracker.Snapshot(window)
	return s.Errors, s.Errors + s.Successes
}

// Reset clears all recorded outcomes. For tests only.
func Reset() { defaultTracker.Reset() }

// Snapshot is the outcome count within one window.
type Snapshot struct {
	Successes int
	Errors    int
	Denied    int
}

// Total returns all outcomes including denials.
func (s Snapshot) Total() int { return s.Successes + s.Errors + s.Denied }

// ErrorPct returns errors as a percentage of answered+failed requests, 0 when idle.
func (s Snapshot) ErrorPct() float64 {
	n := s.Successes + s.Errors
	if n == 0 {
		return 0
	}
	return float64(s.Errors) * 100 / float64(n)
}

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	mu           sync.Mutex
	successTimes []time.Time
	errorTimes   []time.Time
	deniedTimes  []time.Time
	now          func() time.Time
}

func (t *Tracker) RecordSuccess() { t.record(&t.successTimes) }

func (t *Tracker) RecordError() { t.record(&t.errorTimes) }

func (t *Tracker) RecordDenied() { t.record(&t.deniedTimes) }

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// Snapshot counts outcomes not older than window.
func (t *Tracker) Snapshot(window time.Duration) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-window)
	return Snapshot{
		Successes: countSince(t.successTimes, cutoff),
		Errors:    countSince(t.errorTimes, cutoff),
		Denied:    countSince(t.deniedTimes, cutoff),
	}
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

// countSince counts timestamps that are not before cutoff. Slices are append-ordered.
func countSince(times []time.Time, cutoff time.Time) int {
	for i, ts := range times {
		if !ts.Before(cutoff) {
			return len(times) - i
		}
	}
	return 0
}

// pruneLocked drops timestamps older than retention. Must be called with mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.deniedTimes)
}
