package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "minipd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBootstrapSingleton(t *testing.T) {
	s := openTestStorage(t)

	require.NoError(t, s.Bootstrap(1, []uint64{1}, map[uint64]string{1: "127.0.0.1:7000"}))

	assert.True(t, s.Singleton(1))
	_, cs, err := s.InitialState()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, cs.Voters)

	addr, ok := s.LookupAddress(1)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:7000", addr)
}

func TestBootstrapNonMember(t *testing.T) {
	s := openTestStorage(t)

	require.NoError(t, s.Bootstrap(3, []uint64{1, 2}, nil))

	assert.False(t, s.Singleton(3))
	_, cs, err := s.InitialState()
	require.NoError(t, err)
	assert.Empty(t, cs.Voters)
}

func TestBootstrapIdempotent(t *testing.T) {
	s := openTestStorage(t)

	require.NoError(t, s.Bootstrap(1, []uint64{1}, nil))
	require.NoError(t, s.Bootstrap(1, []uint64{1, 2, 3}, nil))

	_, cs, err := s.InitialState()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, cs.Voters, "second bootstrap call must be a no-op")
}

func TestEntriesCompactedAndUnavailable(t *testing.T) {
	s := openTestStorage(t)
	require.NoError(t, s.Bootstrap(1, []uint64{1}, nil))

	batch := NewWriteBatch()
	batch.AppendEntries([]raftpb.Entry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 1},
	})
	_, err := s.Flush(batch)
	require.NoError(t, err)
	s.PostReady(ApplyContext{}, batch.entries, nil)

	_, err = s.Entries(0, 2, 0)
	assert.ErrorIs(t, err, raft.ErrCompacted)

	_, err = s.Entries(1, 10, 0)
	assert.ErrorIs(t, err, raft.ErrUnavailable)

	entries, err := s.Entries(1, 3, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFlushAndReadBack(t *testing.T) {
	s := openTestStorage(t)
	require.NoError(t, s.Bootstrap(1, []uint64{1}, nil))

	batch := NewWriteBatch()
	batch.PutData(DataKey([]byte("k")), []byte("v"))
	batch.SetApplied(1, 1, nil)
	n, err := s.Flush(batch)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	s.PostReady(ApplyContext{AppliedIndex: 1, AppliedTerm: 1}, nil, nil)
	idx, term := s.Applied()
	assert.Equal(t, uint64(1), idx)
	assert.Equal(t, uint64(1), term)

	snap, err := s.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	v, ok := snap.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestSnapshotScanWalksPrefixInOrder(t *testing.T) {
	s := openTestStorage(t)
	require.NoError(t, s.Bootstrap(1, []uint64{1}, nil))

	batch := NewWriteBatch()
	batch.PutData(DataKey([]byte("store/1")), []byte("a"))
	batch.PutData(DataKey([]byte("store/2")), []byte("b"))
	batch.PutData(DataKey([]byte("region/1")), []byte("c"))
	_, err := s.Flush(batch)
	require.NoError(t, err)

	snap, err := s.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	var keys []string
	snap.Scan([]byte("store/"), func(userKey, value []byte) bool {
		keys = append(keys, string(userKey))
		return true
	})
	assert.Equal(t, []string{"store/1", "store/2"}, keys)
}

func TestSnapshotScanStopsEarly(t *testing.T) {
	s := openTestStorage(t)
	require.NoError(t, s.Bootstrap(1, []uint64{1}, nil))

	batch := NewWriteBatch()
	batch.PutData(DataKey([]byte("store/1")), []byte("a"))
	batch.PutData(DataKey([]byte("store/2")), []byte("b"))
	_, err := s.Flush(batch)
	require.NoError(t, err)

	snap, err := s.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	var count int
	snap.Scan([]byte("store/"), func(userKey, value []byte) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestIsDataKey(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
		want bool
	}{
		{"data prefix", DataKey([]byte("k")), true},
		{"hard state key", HardStateKey(), false},
		{"apply state key", ApplyStateKey(), false},
		{"log key", LogKey(1), false},
		{"address key", AddressKey(1), false},
		{"empty key", []byte{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDataKey(tt.key))
		})
	}
}

func TestAddressBookSnapshot(t *testing.T) {
	s := openTestStorage(t)
	require.NoError(t, s.Bootstrap(1, []uint64{1}, map[uint64]string{
		1: "127.0.0.1:7000",
		2: "127.0.0.1:7001",
	}))

	addrs := s.Addresses()
	assert.Len(t, addrs, 2)
	assert.Equal(t, "127.0.0.1:7001", addrs[2])

	s.PostReady(ApplyContext{}, nil, map[uint64]string{3: "127.0.0.1:7002"})
	addr, ok := s.LookupAddress(3)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:7002", addr)
}

func TestReopenPreservesState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minipd.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap(1, []uint64{1}, map[uint64]string{1: "127.0.0.1:7000"}))

	batch := NewWriteBatch()
	batch.AppendEntries([]raftpb.Entry{{Index: 1, Term: 1}})
	batch.SetApplied(1, 1, nil)
	_, err = s.Flush(batch)
	require.NoError(t, err)
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	idx, term := reopened.Applied()
	assert.Equal(t, uint64(1), idx)
	assert.Equal(t, uint64(1), term)

	last, err := reopened.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)

	addr, ok := reopened.LookupAddress(1)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:7000", addr)
}
