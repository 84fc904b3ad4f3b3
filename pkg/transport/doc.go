// Package transport implements the peer transport (component 4.D): a
// fire-and-forget sender for outbound consensus messages and a listener that
// decodes inbound ones back into the driver's inbox.
//
// Messages are framed as a 4-byte big-endian length prefix followed by the
// gogoproto-encoded raftpb.Message bytes, over a plain, long-lived TCP
// connection per peer. There is no handshake and no acknowledgement: loss is
// tolerated by the consensus layer, which retries through its own heartbeat
// and append-entries cycle.
package transport
