package event

import (
	"testing"

	"github.com/runforge/runforge/internal/domain/run"
)

func TestNewEnforcesPayloadPairing(t *testing.T) {
	if _, err := New("run-1", TypeStatus, StatusPayload{Status: run.StatusRunning}); err != nil {
		t.Fatalf("matched pair rejected: %v", err)
	}
	if _, err := New("run-1", TypeStatus, LogPayload{Line: "x"}); err == nil {
		t.Fatal("mismatched payload must be rejected")
	}
	if _, err := New("run-1", "telemetry", StatusPayload{}); err == nil {
		t.Fatal("unknown event type must be rejected")
	}
}

func TestParseStatus(t *testing.T) {
	ev, err := New("run-1", TypeStatus, StatusPayload{Status: run.StatusFailed, Error: "boom"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	st, err := ParseStatus(ev)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if st.Status != run.StatusFailed || st.Error != "boom" {
		t.Fatalf("status = %+v", st)
	}

	logEv, _ := New("run-1", TypeLog, LogPayload{Line: "x"})
	if _, err := ParseStatus(logEv); err == nil {
		t.Fatal("parsing a non-status event must fail")
	}
}
