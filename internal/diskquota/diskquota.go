// Package diskquota gates every write path (persist_chunk, assemble_bundle)
// behind a disk-usage check, in the idiom of the n-backup agent's periodic
// disk.Usage collection — but synchronous and fail-closed, since a write
// decision can't be made from a stale background sample.
package diskquota

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aether3d/ingest/internal/ingesterr"
)

// Decision is the outcome of a quota check.
type Decision int

const (
	// Allow indicates used/total is below the reject threshold.
	Allow Decision = iota
	// Reject indicates used/total is at or above the reject threshold but
	// below the emergency threshold; the caller should treat this as a
	// retryable, retry-later condition.
	Reject
	// Emergency indicates used/total is at or above the emergency
	// threshold; even cleanup temp space must be refused.
	Emergency
)

// Gate checks disk usage at a configured path against the reject and
// emergency thresholds.
type Gate struct {
	path                string
	rejectThreshold     float64
	emergencyThreshold  float64
}

// NewGate builds a Gate that statfs's the filesystem containing path.
func NewGate(path string, rejectThreshold, emergencyThreshold float64) *Gate {
	return &Gate{
		path:               path,
		rejectThreshold:    rejectThreshold,
		emergencyThreshold: emergencyThreshold,
	}
}

// Check consults disk usage and returns a Decision. On a stat failure it
// fails closed: returns Emergency and a retryable internal error, since an
// unknown disk state must never be treated as "there is room".
func (g *Gate) Check() (Decision, error) {
	usage, err := disk.Usage(g.path)
	if err != nil {
		return Emergency, ingesterr.Wrap(ingesterr.KindDiskQuotaExceeded,
			fmt.Sprintf("disk usage stat failed for %s, failing closed", g.path), err)
	}

	fraction := usage.UsedPercent / 100.0
	switch {
	case fraction >= g.emergencyThreshold:
		return Emergency, ingesterr.New(ingesterr.KindDiskQuotaExceeded,
			fmt.Sprintf("disk usage %.1f%% at or above emergency threshold %.1f%%", usage.UsedPercent, g.emergencyThreshold*100))
	case fraction >= g.rejectThreshold:
		return Reject, ingesterr.New(ingesterr.KindDiskQuotaExceeded,
			fmt.Sprintf("disk usage %.1f%% at or above reject threshold %.1f%%", usage.UsedPercent, g.rejectThreshold*100))
	default:
		return Allow, nil
	}
}

// Require is a convenience wrapper for write paths: it returns a non-nil
// *ingesterr.Error unless Check reports Allow.
func (g *Gate) Require() error {
	decision, err := g.Check()
	if decision != Allow {
		return err
	}
	return nil
}
