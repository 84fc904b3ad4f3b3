// Package fsm drives the replicated state machine: it owns the consensus
// RawNode and the storage adapter, and runs the single cooperative poll loop
// that turns inbound commands, peer messages and ticks into committed
// writes, linearizable reads and outbound consensus traffic.
//
// Callers never touch the RawNode directly. They build a Msg (NewCommandMsg,
// NewSnapshotMsg, NewWaitTillLeaderMsg, NewRaftMsg, NewStopMsg) and send it
// on the channel returned by Driver.Inbox, then wait on the Msg's notifier
// channel for a Res. Driver.Run must be the only goroutine ever calling into
// the RawNode or the storage adapter's mutating methods; everything else is
// message passing.
package fsm
