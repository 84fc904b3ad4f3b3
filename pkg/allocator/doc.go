// Package allocator implements the two globally-unique-value generators a
// placement driver hands out to the rest of the cluster: monotonic ids
// (IDAllocator) and TSO-style physical/logical timestamps (TSOAllocator).
// Both are external collaborators of pkg/fsm: they never touch a RawNode or
// storage adapter directly, only a *fsm.Client, so the same allocator code
// runs unmodified whether it is wired to a local driver or, eventually, a
// driver reached over a network.
package allocator
