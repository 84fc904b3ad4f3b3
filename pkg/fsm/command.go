package fsm

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cuemby/minipd/pkg/storage"
)

// Command is the envelope decoded from every committed Normal entry, in the
// same tagged shape the teacher's FSM uses for its own Apply dispatch: an
// operation name plus its raw JSON payload.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opPut           = "put"
	opUpdateAddress = "update_address"
	opIncrement     = "increment"
)

// PutCommand writes value at key. key must already be the fully-qualified
// storage key (e.g. produced by storage.DataKey); any key outside the data
// prefix is rejected as invalid.
type PutCommand struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// UpdateAddressCommand updates the address book entry for a peer. Unlike
// Put, it always legitimately targets the address prefix.
type UpdateAddressCommand struct {
	PeerID  uint64 `json:"peer_id"`
	Address string `json:"address"`
}

// EncodePut builds the proposal bytes for a Put command.
func EncodePut(key, value []byte) ([]byte, error) {
	data, err := json.Marshal(PutCommand{Key: key, Value: value})
	if err != nil {
		return nil, fmt.Errorf("encode put: %w", err)
	}
	return json.Marshal(Command{Op: opPut, Data: data})
}

// EncodeUpdateAddress builds the proposal bytes for an UpdateAddress command.
func EncodeUpdateAddress(peerID uint64, address string) ([]byte, error) {
	data, err := json.Marshal(UpdateAddressCommand{PeerID: peerID, Address: address})
	if err != nil {
		return nil, fmt.Errorf("encode update_address: %w", err)
	}
	return json.Marshal(Command{Op: opUpdateAddress, Data: data})
}

// IncrementCommand atomically adds Delta to the big-endian uint64 stored at
// Key (treating an absent key as zero) and reports the new total. Applied
// deterministically on every replica in committed order, this is how
// pkg/allocator leases id blocks without a lost-update race across a leader
// change: unlike a read-snapshot-then-propose-new-value sequence, the read
// and the write happen atomically at apply time.
type IncrementCommand struct {
	Key   []byte `json:"key"`
	Delta uint64 `json:"delta"`
}

// EncodeIncrement builds the proposal bytes for an Increment command.
func EncodeIncrement(key []byte, delta uint64) ([]byte, error) {
	data, err := json.Marshal(IncrementCommand{Key: key, Delta: delta})
	if err != nil {
		return nil, fmt.Errorf("encode increment: %w", err)
	}
	return json.Marshal(Command{Op: opIncrement, Data: data})
}

// applyResult carries everything a committed command's application can hand
// back to its proposal's notifier: address-book updates (a generalized
// ask-map rather than a single value, since a future command kind could
// touch more than one peer) and, for Increment, the new total.
type applyResult struct {
	addressUpdates map[uint64]string
	value          uint64
	hasValue       bool
}

// applyCommand decodes and validates a committed entry's data, staging its
// effect into batch. It never touches disk itself; Flush does that. store is
// consulted only as the read-through fallback for commands (Increment) that
// need to observe state not already staged earlier in this same batch.
func applyCommand(raw []byte, store *storage.Storage, batch *storage.WriteBatch) (applyResult, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return applyResult{}, fmt.Errorf("invalid command encoding: %w", err)
	}

	switch cmd.Op {
	case opPut:
		var put PutCommand
		if err := json.Unmarshal(cmd.Data, &put); err != nil {
			return applyResult{}, fmt.Errorf("invalid put payload: %w", err)
		}
		if !storage.IsDataKey(put.Key) {
			return applyResult{}, fmt.Errorf("invalid key: %q is outside the data prefix", put.Key)
		}
		batch.PutData(put.Key, put.Value)
		return applyResult{}, nil

	case opUpdateAddress:
		var upd UpdateAddressCommand
		if err := json.Unmarshal(cmd.Data, &upd); err != nil {
			return applyResult{}, fmt.Errorf("invalid update_address payload: %w", err)
		}
		batch.PutAddress(upd.PeerID, upd.Address)
		return applyResult{addressUpdates: map[uint64]string{upd.PeerID: upd.Address}}, nil

	case opIncrement:
		var inc IncrementCommand
		if err := json.Unmarshal(cmd.Data, &inc); err != nil {
			return applyResult{}, fmt.Errorf("invalid increment payload: %w", err)
		}
		if !storage.IsDataKey(inc.Key) {
			return applyResult{}, fmt.Errorf("invalid key: %q is outside the data prefix", inc.Key)
		}
		current, err := readUint64(batch, store, inc.Key)
		if err != nil {
			return applyResult{}, err
		}
		next := current + inc.Delta
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		batch.PutData(inc.Key, buf)
		return applyResult{value: next, hasValue: true}, nil

	default:
		return applyResult{}, fmt.Errorf("invalid command: unknown op %q", cmd.Op)
	}
}

func readUint64(batch *storage.WriteBatch, store *storage.Storage, key []byte) (uint64, error) {
	raw, ok := batch.PeekData(key)
	if !ok {
		raw, ok = store.GetData(key)
	}
	if !ok {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt counter at %q: want 8 bytes, got %d", key, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}
