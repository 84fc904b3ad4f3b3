// Package storage implements the durable log, hard state, apply state and
// address-book adapter (component 4.A) that the consensus core reads and
// writes through, backed by a single bbolt database.
package storage

import (
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

// Storage is a bbolt-backed implementation of raft.Storage plus the extra
// methods (singleton, applied, ProcessReady/PostReady, address book) the
// FSM driver needs from the storage adapter.
type Storage struct {
	db *bbolt.DB

	mu          sync.RWMutex
	hardState   raftpb.HardState
	confState   raftpb.ConfState
	firstIndex  uint64 // index of the oldest entry still retained
	lastIndex   uint64 // index of the newest entry persisted
	firstTerm   uint64 // term of the entry at firstIndex, the one just before FirstIndex()
	appliedIdx  uint64
	appliedTerm uint64

	addrMu sync.RWMutex
	addrs  map[uint64]string
}

// Open opens (creating if necessary) the bbolt database at path and loads
// the cached hard/apply state. NoSync is set so that Tx.Commit persists
// writes to the OS page cache without forcing an fsync; callers drive
// durability explicitly via Sync, per the WAL controller's batching policy.
func Open(path string) (*Storage, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	db.NoSync = true

	s := &Storage{db: db, addrs: make(map[uint64]string)}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database file.
func (s *Storage) Close() error {
	return s.db.Close()
}

// load populates the in-memory caches (hard state, apply state, log bounds,
// address map) from what is already on disk. Called once at Open.
func (s *Storage) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)

		if raw := b.Get(HardStateKey()); raw != nil {
			if err := s.hardState.Unmarshal(raw); err != nil {
				return fmt.Errorf("decode hard state: %w", err)
			}
		}

		if raw := b.Get(ApplyStateKey()); raw != nil {
			as := decodeApplyState(raw)
			s.appliedIdx = as.index
			s.appliedTerm = as.term
			s.confState.Voters = as.voters
		}

		c := b.Cursor()
		prefix := []byte{PrefixLog, sep}
		first, _ := c.Seek(prefix)
		var firstKey, lastKey []byte
		if first != nil && hasPrefix(first, prefix) {
			firstKey = append([]byte(nil), first...)
		}
		// Walk to the last key under the log prefix by scanning until the
		// prefix no longer matches; the log is small relative to a single
		// open, so a linear scan at startup is acceptable.
		for k, _ := first, []byte(nil); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			lastKey = append([]byte(nil), k...)
		}
		if firstKey != nil {
			s.firstIndex = logIndexFromKey(firstKey)
		}
		if lastKey != nil {
			s.lastIndex = logIndexFromKey(lastKey)
		}
		if s.firstIndex > 0 {
			if raw := b.Get(LogKey(s.firstIndex)); raw != nil {
				var e raftpb.Entry
				if err := e.Unmarshal(raw); err == nil {
					s.firstTerm = e.Term
				}
			}
		}

		addrPrefix := []byte{PrefixAddress, sep}
		for k, v := c.Seek(addrPrefix); k != nil && hasPrefix(k, addrPrefix); k, v = c.Next() {
			id := logIndexFromKey(k)
			s.addrs[id] = string(v)
		}
		return nil
	})
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Bootstrap idempotently seeds the log with the initial configuration and
// the initial address book. If the log already contains the dummy entry at
// index 0, bootstrap is a no-op: subsequent starts must observe the on-disk
// state unchanged.
func (s *Storage) Bootstrap(localID uint64, peers []uint64, addressBook map[uint64]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seeded bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		seeded = tx.Bucket(bucketName).Get(LogKey(0)) != nil
		return nil
	})
	if seeded || s.lastIndex != 0 || s.appliedIdx != 0 {
		return nil // already bootstrapped
	}

	voters := []uint64{}
	for _, p := range peers {
		if p == localID {
			voters = peers
			break
		}
	}

	dummy := raftpb.Entry{Term: 0, Index: 0}
	dummyBytes, err := dummy.Marshal()
	if err != nil {
		return fmt.Errorf("marshal bootstrap entry: %w", err)
	}
	as := &applyState{index: 0, term: 0, voters: voters}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if err := b.Put(LogKey(0), dummyBytes); err != nil {
			return err
		}
		if err := b.Put(ApplyStateKey(), encodeApplyState(as)); err != nil {
			return err
		}
		for id, addr := range addressBook {
			if err := b.Put(AddressKey(id), []byte(addr)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("bootstrap sync: %w", err)
	}

	s.confState.Voters = voters
	s.firstIndex = 0
	s.lastIndex = 0
	s.firstTerm = 0
	s.appliedIdx = 0
	s.appliedTerm = 0

	s.addrMu.Lock()
	for id, addr := range addressBook {
		s.addrs[id] = addr
	}
	s.addrMu.Unlock()

	return nil
}

// Singleton reports whether the current configuration contains exactly one
// voter, equal to localID — used to auto-campaign on first start.
func (s *Storage) Singleton(localID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.confState.Voters) == 1 && s.confState.Voters[0] == localID
}

// Applied returns the last applied index and term.
func (s *Storage) Applied() (index, term uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appliedIdx, s.appliedTerm
}

// --- raft.Storage ---

// InitialState implements raft.Storage.
func (s *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState, s.confState, nil
}

// Entries implements raft.Storage.
func (s *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.RLock()
	first, last := s.firstIndex, s.lastIndex
	s.mu.RUnlock()

	if lo <= first {
		return nil, raft.ErrCompacted
	}
	if hi > last+1 {
		return nil, raft.ErrUnavailable
	}

	var entries []raftpb.Entry
	var size uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for i := lo; i < hi; i++ {
			raw := b.Get(LogKey(i))
			if raw == nil {
				return fmt.Errorf("missing log entry %d", i)
			}
			var e raftpb.Entry
			if err := e.Unmarshal(raw); err != nil {
				return fmt.Errorf("decode entry %d: %w", i, err)
			}
			entries = append(entries, e)
			size += uint64(e.Size())
			if maxSize != 0 && size > maxSize && len(entries) > 1 {
				entries = entries[:len(entries)-1]
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Term implements raft.Storage.
func (s *Storage) Term(i uint64) (uint64, error) {
	s.mu.RLock()
	first, last, firstTerm := s.firstIndex, s.lastIndex, s.firstTerm
	s.mu.RUnlock()

	if i == first {
		return firstTerm, nil
	}
	if i < first {
		return 0, raft.ErrCompacted
	}
	if i > last {
		return 0, raft.ErrUnavailable
	}

	var term uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(LogKey(i))
		if raw == nil {
			return fmt.Errorf("missing log entry %d", i)
		}
		var e raftpb.Entry
		if err := e.Unmarshal(raw); err != nil {
			return err
		}
		term = e.Term
		return nil
	})
	return term, err
}

// FirstIndex implements raft.Storage. It is the index just after the oldest
// retained entry; with no compaction implemented, that entry is the
// bootstrap dummy at index 0, so FirstIndex returns 1.
func (s *Storage) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIndex + 1, nil
}

// LastIndex implements raft.Storage.
func (s *Storage) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex, nil
}

// Snapshot implements raft.Storage. Snapshot installation/streaming is a
// declared non-goal beyond this minimal hook: we never generate a consensus
// snapshot, so this always reports the snapshot as not yet available. Entry
// retention therefore has no compaction boundary beyond index 0.
func (s *Storage) Snapshot() (raftpb.Snapshot, error) {
	return raftpb.Snapshot{}, raft.ErrSnapshotTemporarilyUnavailable
}

// --- Ready staging (component 4.A's process_ready/post_ready) ---

// ApplyContext carries the results of applying this Ready's committed
// entries (computed by the FSM driver, component E) into the storage
// adapter's staging and post-commit steps.
type ApplyContext struct {
	AppliedIndex uint64
	AppliedTerm  uint64
	ConfState    *raftpb.ConfState
}

// Stage implements `process_ready`: it stages into batch any new hard
// state, any newly-appended entries, and the applied-index update carried
// in ctx. It does not touch disk.
func (s *Storage) Stage(ctx ApplyContext, rd *raft.Ready, batch *WriteBatch) {
	if !raft.IsEmptyHardState(rd.HardState) {
		batch.PutHardState(rd.HardState)
	}
	if len(rd.Entries) > 0 {
		batch.AppendEntries(rd.Entries)
	}
	if ctx.AppliedIndex != 0 || ctx.ConfState != nil {
		batch.SetApplied(ctx.AppliedIndex, ctx.AppliedTerm, ctx.ConfState)
	}
}

// Flush commits a non-empty batch to the engine in one atomic, non-syncing
// transaction (bbolt's Tx.Commit with NoSync set). It returns the number of
// bytes written, used by the WAL controller's unsynced-bytes accounting.
func (s *Storage) Flush(batch *WriteBatch) (int, error) {
	if batch.Empty() {
		return 0, nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if batch.hardState != nil {
			raw, err := batch.hardState.Marshal()
			if err != nil {
				return err
			}
			if err := b.Put(HardStateKey(), raw); err != nil {
				return err
			}
		}
		for _, e := range batch.entries {
			raw, err := e.Marshal()
			if err != nil {
				return err
			}
			if err := b.Put(LogKey(e.Index), raw); err != nil {
				return err
			}
		}
		if batch.applyState != nil {
			if err := b.Put(ApplyStateKey(), encodeApplyState(batch.applyState)); err != nil {
				return err
			}
		}
		for id, addr := range batch.addressPuts {
			if err := b.Put(AddressKey(id), []byte(addr)); err != nil {
				return err
			}
		}
		for key, value := range batch.dataPuts {
			if err := b.Put([]byte(key), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("flush write batch: %w", err)
	}
	return batch.Size(), nil
}

// PostReady implements `post_ready`: after batch has been committed, it
// updates the cached last index and applied index/term from ctx,
// and merges any address-book updates into the in-memory map that the
// transport reads.
func (s *Storage) PostReady(ctx ApplyContext, appended []raftpb.Entry, addressUpdates map[uint64]string) {
	s.mu.Lock()
	if len(appended) > 0 {
		s.lastIndex = appended[len(appended)-1].Index
	}
	if ctx.AppliedIndex != 0 {
		s.appliedIdx = ctx.AppliedIndex
		s.appliedTerm = ctx.AppliedTerm
	}
	if ctx.ConfState != nil {
		s.confState = *ctx.ConfState
	}
	s.mu.Unlock()

	if len(addressUpdates) > 0 {
		s.addrMu.Lock()
		for id, addr := range addressUpdates {
			s.addrs[id] = addr
		}
		s.addrMu.Unlock()
	}
}

// GetData reads a fully-qualified data-namespace key directly from the
// engine, bypassing any in-flight write batch. Apply-time read-modify-write
// commands (see pkg/fsm's increment command) use this as the fallback when
// the key wasn't already staged earlier in the same batch.
func (s *Storage) GetData(key []byte) ([]byte, bool) {
	var val []byte
	var ok bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(key)
		if raw != nil {
			val = append([]byte(nil), raw...)
			ok = true
		}
		return nil
	})
	return val, ok
}

// Sync fsyncs the underlying database file. It is the engine-level
// primitive the WAL controller (4.B) calls when its trigger condition fires.
func (s *Storage) Sync() error {
	return s.db.Sync()
}

// --- Address book (read side of component 4.D) ---

// LookupAddress returns the advertised address for a peer id, if known.
func (s *Storage) LookupAddress(id uint64) (string, bool) {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	addr, ok := s.addrs[id]
	return addr, ok
}

// Addresses returns a snapshot copy of the full address book.
func (s *Storage) Addresses() map[uint64]string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	out := make(map[uint64]string, len(s.addrs))
	for k, v := range s.addrs {
		out[k] = v
	}
	return out
}

// --- Point-in-time reads (the engine-snapshot handle for 4.C's Snapshot response) ---

// EngineSnapshot is a read-only, point-in-time view of the data namespace,
// backed by a bbolt read transaction. It must be closed after use.
type EngineSnapshot struct {
	tx *bbolt.Tx
}

// NewSnapshot opens a point-in-time read transaction. Thanks to bbolt's MVCC
// model this reflects exactly the mutations committed up to this call,
// regardless of later writes.
func (s *Storage) NewSnapshot() (*EngineSnapshot, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	return &EngineSnapshot{tx: tx}, nil
}

// Get reads a user key from the snapshot.
func (snap *EngineSnapshot) Get(userKey []byte) ([]byte, bool) {
	raw := snap.tx.Bucket(bucketName).Get(DataKey(userKey))
	if raw == nil {
		return nil, false
	}
	return append([]byte(nil), raw...), true
}

// Scan invokes fn for every data-namespace entry whose user key starts with
// prefix, in ascending key order, until fn returns false or the prefix is
// exhausted. Used for the store registry and region-lookup reads, which
// read a range rather than a single key.
func (snap *EngineSnapshot) Scan(prefix []byte, fn func(userKey, value []byte) bool) {
	b := snap.tx.Bucket(bucketName)
	c := b.Cursor()
	full := DataKey(prefix)
	for k, v := c.Seek(full); k != nil && hasPrefix(k, full); k, v = c.Next() {
		userKey := append([]byte(nil), k[2:]...)
		value := append([]byte(nil), v...)
		if !fn(userKey, value) {
			return
		}
	}
}

// Close releases the snapshot's read transaction.
func (snap *EngineSnapshot) Close() error {
	return snap.tx.Rollback()
}
