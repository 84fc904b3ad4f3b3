package storage

import "encoding/binary"

// Reserved key prefixes. Keys are byte-lexicographic, so big-endian integer
// suffixes keep iteration order equal to numeric order. Only PrefixData is
// writable by user commands; every other prefix is reserved for the FSM
// driver and the storage adapter itself.
const (
	PrefixLog        byte = 'L'
	PrefixHardState  byte = 'H'
	PrefixApplyState byte = 'S'
	PrefixAddress    byte = 'A'
	PrefixData       byte = 'D'

	sep = '|'
)

// bucketName is the single bbolt bucket holding the whole ordered key
// namespace described by the spec's key layout: log entries, hard state,
// apply state, the address book, and user data all share one lexicographic
// space so a single cursor walk on the engine can scan any of them by prefix.
var bucketName = []byte("minipd")

// LogKey returns the storage key for raft log entry at index i.
func LogKey(i uint64) []byte {
	k := make([]byte, 10)
	k[0] = PrefixLog
	k[1] = sep
	binary.BigEndian.PutUint64(k[2:], i)
	return k
}

// HardStateKey returns the single storage key holding the persisted hard state.
func HardStateKey() []byte {
	return []byte{PrefixHardState}
}

// ApplyStateKey returns the single storage key holding the persisted apply state.
func ApplyStateKey() []byte {
	return []byte{PrefixApplyState}
}

// AddressKey returns the storage key for the advertised address of peer id.
func AddressKey(id uint64) []byte {
	k := make([]byte, 10)
	k[0] = PrefixAddress
	k[1] = sep
	binary.BigEndian.PutUint64(k[2:], id)
	return k
}

// DataKey returns the storage key for a user key, prefixing it into the
// writable data namespace.
func DataKey(userKey []byte) []byte {
	k := make([]byte, len(userKey)+2)
	k[0] = PrefixData
	k[1] = sep
	copy(k[2:], userKey)
	return k
}

// IsDataKey reports whether a fully-qualified storage key falls in the
// user-writable data namespace.
func IsDataKey(key []byte) bool {
	return len(key) >= 1 && key[0] == PrefixData
}

// logIndexFromKey decodes the index encoded in a log key produced by LogKey.
func logIndexFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[2:])
}
