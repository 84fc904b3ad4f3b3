package fsm

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/minipd/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyCommandPutRejectsKeyOutsideDataPrefix(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer store.Close()

	batch := storage.NewWriteBatch()
	raw, err := EncodePut([]byte("no-prefix"), []byte("v"))
	require.NoError(t, err)

	_, err = applyCommand(raw, store, batch)
	assert.Error(t, err)
	assert.True(t, batch.Empty())
}

func TestApplyCommandIncrementAccumulatesWithinAndAcrossBatches(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer store.Close()

	key := storage.DataKey([]byte("sys/alloc/id"))
	batch := storage.NewWriteBatch()

	raw1, err := EncodeIncrement(key, 100)
	require.NoError(t, err)
	res1, err := applyCommand(raw1, store, batch)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res1.value)

	// A second increment in the same batch must see the first one's staged
	// write, not the (still zero) on-disk value.
	raw2, err := EncodeIncrement(key, 50)
	require.NoError(t, err)
	res2, err := applyCommand(raw2, store, batch)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), res2.value)

	n, err := store.Flush(batch)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	batch.Reset()

	// After flushing, a fresh batch must read the persisted value through.
	raw3, err := EncodeIncrement(key, 1)
	require.NoError(t, err)
	res3, err := applyCommand(raw3, store, batch)
	require.NoError(t, err)
	assert.Equal(t, uint64(151), res3.value)
}
