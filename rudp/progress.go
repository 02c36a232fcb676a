package rudp

import (
	"time"

	"github.com/google/uuid"
)

// ProgressTracker tracks transfer progress and decides when a progress
// notification is due. It is owned by one transfer and used under the
// session lock.
type ProgressTracker struct {
	info TransferInfo

	startTime     time.Time
	lastUpdate    time.Time
	lastDelivered uint32

	updateInterval time.Duration
}

// NewProgressTracker creates a new progress tracker for a transfer.
func NewProgressTracker(kind TransferKind, dir Direction, name string, fragments uint32, window uint16, interval time.Duration) *ProgressTracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond // Default: update every 100ms
	}
	now := time.Now()
	return &ProgressTracker{
		info: TransferInfo{
			ID:        uuid.New(),
			Kind:      kind,
			Direction: dir,
			Name:      name,
			Fragments: fragments,
			Window:    window,
		},
		startTime:      now,
		lastUpdate:     now,
		updateInterval: interval,
	}
}

// ID returns the transfer identifier.
func (pt *ProgressTracker) ID() uuid.UUID {
	return pt.info.ID
}

// SetBytes records the payload size.
func (pt *ProgressTracker) SetBytes(n int64) {
	pt.info.Bytes = n
}

// AddBytes adds to the byte count.
func (pt *ProgressTracker) AddBytes(n int) {
	pt.info.Bytes += int64(n)
}

// Update records delivered fragments and returns a snapshot when enough
// time has passed since the previous one.
func (pt *ProgressTracker) Update(delivered uint32) (TransferInfo, bool) {
	pt.info.Delivered = delivered

	now := time.Now()
	if now.Sub(pt.lastUpdate) < pt.updateInterval {
		return TransferInfo{}, false // Too soon for an update
	}

	elapsed := now.Sub(pt.lastUpdate).Seconds()
	if elapsed > 0 {
		pt.info.Rate = float64(delivered-pt.lastDelivered) / elapsed
	}
	pt.info.Elapsed = now.Sub(pt.startTime)
	pt.lastUpdate = now
	pt.lastDelivered = delivered
	return pt.info, true
}

// Complete marks the transfer as complete and returns the final snapshot.
func (pt *ProgressTracker) Complete() TransferInfo {
	pt.info.Delivered = pt.info.Fragments
	pt.info.Elapsed = time.Since(pt.startTime)
	if s := pt.info.Elapsed.Seconds(); s > 0 {
		pt.info.Rate = float64(pt.info.Fragments) / s
	}
	pt.info.Done = true
	return pt.info
}

// Snapshot returns the current statistics.
func (pt *ProgressTracker) Snapshot() TransferInfo {
	info := pt.info
	info.Elapsed = time.Since(pt.startTime)
	return info
}
