// Package lifecycle holds the process phase shared by health handlers and shutdown.
package lifecycle

import "sync/atomic"

// Phase is the process lifecycle phase.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseReady
	PhaseShuttingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseReady:
		return "ready"
	case PhaseShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

var phase atomic.Int32

// SetReady marks startup complete. It does not leave the shutting-down phase.
func SetReady() {
	phase.CompareAndSwap(int32(PhaseStarting), int32(PhaseReady))
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT is received.
// Health handlers return 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	if v {
		phase.Store(int32(PhaseShuttingDown))
		return
	}
	phase.Store(int32(PhaseStarting))
}

// IsShuttingDown returns true if the process is draining and should not receive new work.
func IsShuttingDown() bool {
	return Current() == PhaseShuttingDown
}

// Current returns the current phase.
func Current() Phase {
	return Phase(phase.Load())
}
