package fsm

import "time"

const (
	// maxUnsyncedBytes is the fsync ceiling: once this many bytes have been
	// written since the last fsync, the WAL is flushed regardless of time
	// elapsed, bounding tail latency under heavy write load.
	maxUnsyncedBytes = 512 * 1024

	// syncInterval is the fsync floor: once any bytes are unsynced, the WAL
	// is flushed after this much wall-clock time even if far below
	// maxUnsyncedBytes, amortising fsync cost while bounding commit latency.
	syncInterval = 100 * time.Microsecond
)

// WriteBatchController decides when to fsync, tracking bytes written since
// the last flush and the time of the last flush (component 4.B). It holds
// no engine reference; Driver calls Sync on the storage adapter when told to.
//
// Record and ShouldSync are split so the sync decision can be polled every
// loop iteration, not only the ones that just flushed a batch: bytes left
// over from a non-must-sync Ready still need their floor fsync once enough
// wall-clock time passes, whether or not another Ready ever shows up to ask.
type WriteBatchController struct {
	unsyncedBytes int
	mustSync      bool
	lastSyncTime  time.Time
}

// NewWriteBatchController returns a controller primed as if just synced.
func NewWriteBatchController() *WriteBatchController {
	return &WriteBatchController{lastSyncTime: time.Now()}
}

// Record accounts bytes just flushed to the engine and remembers whether the
// Ready that produced them demanded a synchronous flush (raft's MustSync),
// without deciding yet whether to sync.
func (c *WriteBatchController) Record(bytesWritten int, mustSync bool) {
	c.unsyncedBytes += bytesWritten
	c.mustSync = c.mustSync || mustSync
}

// UnsyncedBytes returns the bytes accumulated since the last sync, for the
// fsync-batch-size metric observed right before OnSync clears it.
func (c *WriteBatchController) UnsyncedBytes() int { return c.unsyncedBytes }

// ShouldSync reports whether an fsync should fire now: the ceiling was
// crossed, the floor interval has elapsed since the last sync while bytes
// are outstanding, or an unsynced Ready demanded must_sync.
func (c *WriteBatchController) ShouldSync() bool {
	if c.mustSync {
		return true
	}
	if c.unsyncedBytes >= maxUnsyncedBytes {
		return true
	}
	return c.unsyncedBytes > 0 && time.Since(c.lastSyncTime) >= syncInterval
}

// OnSync resets the controller after an fsync has completed.
func (c *WriteBatchController) OnSync() {
	c.unsyncedBytes = 0
	c.mustSync = false
	c.lastSyncTime = time.Now()
}

// SuggestTimeout implements suggest_timeout: nil means block forever
// (nothing pending); otherwise it is the remaining time until the next
// mandatory fsync.
func (c *WriteBatchController) SuggestTimeout(hasReady bool) *time.Duration {
	if c.unsyncedBytes == 0 && !c.mustSync && !hasReady {
		return nil
	}
	remaining := syncInterval - time.Since(c.lastSyncTime)
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}
