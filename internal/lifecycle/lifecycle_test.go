package lifecycle

import "testing"

func TestPhases(t *testing.T) {
	SetShuttingDown(false)
	if got := Current(); got != PhaseStarting {
		t.Fatalf("Current() = %v, want starting", got)
	}
	SetReady()
	if got := Current(); got != PhaseReady {
		t.Fatalf("Current() = %v, want ready", got)
	}
	SetShuttingDown(true)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after SetShuttingDown(true), want true")
	}
	SetReady()
	if !IsShuttingDown() {
		t.Error("SetReady() left the shutting-down phase")
	}
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true after SetShuttingDown(false), want false")
	}
}

func TestPhase_String(t *testing.T) {
	tests := map[Phase]string{
		PhaseStarting:     "starting",
		PhaseReady:        "ready",
		PhaseShuttingDown: "shutting-down",
		Phase(9):          "unknown",
	}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", p, got, want)
		}
	}
}
