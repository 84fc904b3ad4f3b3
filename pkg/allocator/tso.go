package allocator

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/minipd/pkg/fsm"
	"github.com/cuemby/minipd/pkg/metrics"
	"github.com/cuemby/minipd/pkg/storage"
)

// saveInterval is how far ahead of the physical clock the TSO allocator
// reserves its "safe to issue" floor, matching the original's periodic
// persistence rather than syncing on every allocation.
const saveInterval = 3 * time.Second

var tsoFloorKey = storage.DataKey([]byte("sys/alloc/tso_floor"))

// Timestamp is a (physical, logical) pair. Ordering is physical first, then
// logical: two timestamps with equal physical never compare equal unless
// logical also matches.
type Timestamp struct {
	Physical int64  // unix millis
	Logical  uint64
}

// Less reports whether t sorts before other.
func (t Timestamp) Less(other Timestamp) bool {
	if t.Physical != other.Physical {
		return t.Physical < other.Physical
	}
	return t.Logical < other.Logical
}

// TSOAllocator hands out monotonically increasing timestamps. To survive a
// crash or leader change without ever reissuing a timestamp already handed
// out, it periodically persists a "floor" safely ahead of the physical clock
// (via a Put command) and, on (re)initialization, starts no earlier than the
// last persisted floor.
type TSOAllocator struct {
	client *fsm.Client

	mu       sync.Mutex
	physical int64
	logical  uint64
	savedTo  int64 // persisted floor; physical must never be bumped to reach it without first advancing this
}

// NewTSOAllocator returns an allocator that has not yet been initialized;
// call Init before the first Alloc.
func NewTSOAllocator(client *fsm.Client) *TSOAllocator {
	return &TSOAllocator{client: client}
}

// Init reads the persisted floor and reserves a fresh window ahead of it,
// establishing the lower bound every subsequent Alloc on this process must
// respect.
func (t *TSOAllocator) Init(ctx context.Context) error {
	floor, err := t.readFloor(ctx)
	if err != nil {
		return err
	}
	now := nowMillis()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.physical = maxInt64(floor, now)
	return t.persistFloorLocked(ctx, t.physical+saveInterval.Milliseconds())
}

// Alloc returns count consecutive logical ticks at or after the most
// recently issued timestamp, advancing the physical component whenever the
// wall clock has moved past it.
func (t *TSOAllocator) Alloc(ctx context.Context, count uint64) (Timestamp, error) {
	if count == 0 {
		count = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// An Init that failed left no floor persisted; read the floor here so
	// the first allocation still starts no earlier than it.
	if t.savedTo == 0 {
		floor, err := t.readFloor(ctx)
		if err != nil {
			return Timestamp{}, err
		}
		t.physical = maxInt64(t.physical, floor)
	}

	if now := nowMillis(); now > t.physical {
		t.physical = now
		t.logical = 0
	}
	t.logical += count

	if t.physical >= t.savedTo {
		if err := t.persistFloorLocked(ctx, t.physical+saveInterval.Milliseconds()); err != nil {
			return Timestamp{}, err
		}
	}

	metrics.TSORequestsTotal.Add(float64(count))
	return Timestamp{Physical: t.physical, Logical: t.logical}, nil
}

func (t *TSOAllocator) persistFloorLocked(ctx context.Context, floor int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(floor))
	data, err := fsm.EncodePut(tsoFloorKey, buf)
	if err != nil {
		return err
	}
	if err := t.client.Propose(ctx, data); err != nil {
		return fmt.Errorf("allocator: persist tso floor: %w", err)
	}
	t.savedTo = floor
	return nil
}

func (t *TSOAllocator) readFloor(ctx context.Context) (int64, error) {
	snap, err := t.client.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocator: read tso floor: %w", err)
	}
	defer snap.Close()

	raw, ok := snap.Get([]byte("sys/alloc/tso_floor"))
	if !ok {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("allocator: corrupt tso floor: want 8 bytes, got %d", len(raw))
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
