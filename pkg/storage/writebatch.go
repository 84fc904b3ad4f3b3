package storage

import "go.etcd.io/raft/v3/raftpb"

// WriteBatch accumulates the mutations produced by one Ready cycle before
// they are committed to the engine in a single atomic transaction. It is
// reused across Ready cycles; Reset clears it after every flush.
type WriteBatch struct {
	hardState   *raftpb.HardState
	entries     []raftpb.Entry
	applyState  *applyState
	addressPuts map[uint64]string
	dataPuts    map[string][]byte
	size        int
}

// NewWriteBatch returns an empty write batch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{
		addressPuts: make(map[uint64]string),
		dataPuts:    make(map[string][]byte),
	}
}

// PutHardState stages a new hard state.
func (b *WriteBatch) PutHardState(hs raftpb.HardState) {
	b.hardState = &hs
	b.size += hs.Size()
}

// AppendEntries stages newly-appended log entries.
func (b *WriteBatch) AppendEntries(entries []raftpb.Entry) {
	for _, e := range entries {
		b.entries = append(b.entries, e)
		b.size += e.Size()
	}
}

// SetApplied stages an apply-state update; confState is nil unless the
// configuration changed during this Ready.
func (b *WriteBatch) SetApplied(index, term uint64, confState *raftpb.ConfState) {
	as := &applyState{index: index, term: term}
	if confState != nil {
		as.voters = append([]uint64(nil), confState.Voters...)
	} else if b.applyState != nil {
		as.voters = b.applyState.voters
	}
	b.applyState = as
	b.size += 16 + 8*len(as.voters)
}

// PutAddress stages an address-book update; it must be flushed in the same
// batch as the data row so the in-memory address map and the persisted row
// never diverge.
func (b *WriteBatch) PutAddress(id uint64, addr string) {
	b.addressPuts[id] = addr
	b.size += 8 + len(addr)
}

// PutData stages a user key/value write. key is the fully-qualified storage
// key (already validated to fall under PrefixData by the caller).
func (b *WriteBatch) PutData(key, value []byte) {
	b.dataPuts[string(key)] = append([]byte(nil), value...)
	b.size += len(key) + len(value)
}

// PeekData returns a value staged earlier in this same batch, if any. It lets
// a later command in the same Ready observe an earlier one's write before
// either has reached the engine (read-your-own-writes within one batch).
func (b *WriteBatch) PeekData(key []byte) ([]byte, bool) {
	v, ok := b.dataPuts[string(key)]
	return v, ok
}

// Empty reports whether the batch has no staged mutations.
func (b *WriteBatch) Empty() bool {
	return b.hardState == nil && len(b.entries) == 0 && b.applyState == nil &&
		len(b.addressPuts) == 0 && len(b.dataPuts) == 0
}

// Size returns the approximate number of bytes staged, used by the WAL
// controller's fsync trigger.
func (b *WriteBatch) Size() int {
	return b.size
}

// Reset clears the batch after it has been flushed.
func (b *WriteBatch) Reset() {
	b.hardState = nil
	b.entries = b.entries[:0]
	b.applyState = nil
	b.addressPuts = make(map[uint64]string)
	b.dataPuts = make(map[string][]byte)
	b.size = 0
}

// applyState is the decoded form of the persisted apply-state record. Its
// wire encoding is opaque to the consensus core (spec's key layout marks `S`
// binary encoding opaque); we use it to also carry the persisted voter set,
// since etcd-raft's Storage.InitialState needs a ConfState and the spec's
// reserved-prefix table has no dedicated slot for one.
type applyState struct {
	index  uint64
	term   uint64
	voters []uint64
}
