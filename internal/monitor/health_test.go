package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/emribilemir/atlas-ois-tracker/internal/portal"
)

func TestCycleHealthFailureTracking(t *testing.T) {
	h := newCycleHealth()
	now := time.Now()

	if n, crossed := h.recordFailure(portal.KindTransport, fmt.Errorf("timeout"), now, 3); n != 1 || crossed {
		t.Errorf("first failure = %d, %v", n, crossed)
	}
	h.recordFailure(portal.KindTransport, fmt.Errorf("timeout"), now, 3)
	if _, crossed := h.recordFailure(portal.KindParseFailed, fmt.Errorf("still broken"), now, 3); !crossed {
		t.Error("third failure should cross the threshold")
	}
	if _, crossed := h.recordFailure(portal.KindParseFailed, fmt.Errorf("again"), now, 3); crossed {
		t.Error("threshold crossing is reported once per streak")
	}

	failures, lastErr, _ := h.snapshot()
	if failures != 4 || lastErr.Message != "again" || lastErr.Kind != portal.KindParseFailed {
		t.Errorf("snapshot = %d, %+v", failures, lastErr)
	}
}

func TestCycleHealthRecovery(t *testing.T) {
	h := newCycleHealth()
	now := time.Now()

	h.recordFailure(portal.KindTransport, fmt.Errorf("x"), now, 1)
	if !h.recordSuccess(now) {
		t.Error("success after an alerted streak should report recovery")
	}
	if h.recordSuccess(now) {
		t.Error("a second success is not a recovery")
	}
	failures, _, lastSuccess := h.snapshot()
	if failures != 0 || !lastSuccess.Equal(now) {
		t.Errorf("failures = %d, lastSuccess = %v", failures, lastSuccess)
	}

	// A new streak can alert again.
	if _, crossed := h.recordFailure(portal.KindTransport, fmt.Errorf("y"), now, 1); !crossed {
		t.Error("new streak should alert again")
	}
}

func TestCycleHealthThresholdDisabled(t *testing.T) {
	h := newCycleHealth()
	for i := 0; i < 10; i++ {
		if _, crossed := h.recordFailure(portal.KindTransport, fmt.Errorf("x"), time.Now(), 0); crossed {
			t.Fatal("threshold 0 disables degraded alerts")
		}
	}
}

func TestCycleHealthSnapshotIsCopy(t *testing.T) {
	h := newCycleHealth()
	h.recordFailure(portal.KindTransport, fmt.Errorf("x"), time.Now(), 5)
	_, e, _ := h.snapshot()
	e.Message = "mutated"
	if _, again, _ := h.snapshot(); again.Message != "x" {
		t.Error("snapshot must not alias internal state")
	}
}
