package diskquota

import (
	"testing"

	"github.com/aether3d/ingest/internal/ingesterr"
)

func TestGate_Check_AllowsLowUsage(t *testing.T) {
	g := NewGate("/", 0.999, 0.9999)
	decision, err := g.Check()
	if decision != Allow || err != nil {
		t.Skipf("host disk usage unexpectedly high or stat failed, skipping: decision=%v err=%v", decision, err)
	}
}

func TestGate_Check_NeverAllowsOnImpossibleThreshold(t *testing.T) {
	g := NewGate("/", 0.0, 0.0000001)
	decision, err := g.Check()
	if decision == Allow {
		t.Fatal("expected a threshold this low to never allow")
	}
	if err == nil {
		t.Fatal("expected an error for non-allow decision")
	}
	if ingesterr.KindOf(err) != ingesterr.KindDiskQuotaExceeded {
		t.Errorf("expected KindDiskQuotaExceeded, got %v", ingesterr.KindOf(err))
	}
}

func TestGate_Check_FailsClosedOnStatFailure(t *testing.T) {
	g := NewGate("/this/path/does/not/exist/at/all", 0.85, 0.95)
	decision, err := g.Check()
	if decision != Emergency {
		t.Errorf("expected fail-closed Emergency decision on stat failure, got %v", decision)
	}
	if err == nil || !ingesterr.IsRetryable(err) {
		t.Errorf("expected a retryable error on stat failure, got %v", err)
	}
}
