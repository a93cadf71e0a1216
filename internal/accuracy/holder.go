package accuracy

import "sync/atomic"

// #region snapshot
// Snapshot is an immutable view of the authoritative config and the config
// currently under shadow test (nil when no experiment is running).
type Snapshot struct {
	Active    AccuracyConfig
	Candidate *AccuracyConfig
}

// #endregion snapshot

// #region holder
// Holder publishes Snapshots by pointer swap. Readers never block and never
// observe a partially written snapshot; a slightly stale read is acceptable.
type Holder struct {
	ptr atomic.Pointer[Snapshot]
}

// NewHolder creates a holder seeded with the given active config.
func NewHolder(active AccuracyConfig) *Holder {
	h := &Holder{}
	h.ptr.Store(&Snapshot{Active: active})
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Snapshot {
	return h.ptr.Load()
}

// Publish replaces the snapshot. The candidate is copied so later mutation
// of the caller's value cannot leak into readers.
func (h *Holder) Publish(active AccuracyConfig, candidate *AccuracyConfig) {
	snap := &Snapshot{Active: active}
	if candidate != nil {
		c := *candidate
		snap.Candidate = &c
	}
	h.ptr.Store(snap)
}

// #endregion holder
