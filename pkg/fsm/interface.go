package fsm

import (
	"github.com/cuemby/minipd/pkg/storage"
	"go.etcd.io/raft/v3/raftpb"
)

// MsgKind enumerates the inbound message variants the driver accepts,
// exhaustively: Command, Snapshot, WaitTillLeader, RaftMessage, Tick, Stop.
type MsgKind int

const (
	MsgCommand MsgKind = iota
	MsgSnapshot
	MsgWaitTillLeader
	MsgRaftMessage
	MsgTick
	MsgStop
)

// Msg is one inbound event. Only the field matching Kind is meaningful.
// Notifier is nil for Tick, RaftMessage and Stop, which expect no reply.
type Msg struct {
	Kind      MsgKind
	ProposeOp []byte         // MsgCommand: the encoded Command bytes
	RaftMsg   raftpb.Message // MsgRaftMessage
	Notifier  chan Res
}

// ResKind enumerates the response variants delivered on a Msg's notifier.
type ResKind int

const (
	ResSuccess ResKind = iota
	ResFail
	ResSnapshot
	ResLeader
	ResValue
)

// Res is the single value ever sent on a notifier channel.
type Res struct {
	Kind     ResKind
	Err      string
	Snapshot *storage.EngineSnapshot
	Leader   uint64
	Value    uint64
}

func resSuccess() Res         { return Res{Kind: ResSuccess} }
func resFail(msg string) Res  { return Res{Kind: ResFail, Err: msg} }
func resLeader(id uint64) Res { return Res{Kind: ResLeader, Leader: id} }
func resValue(v uint64) Res   { return Res{Kind: ResValue, Value: v} }
func resSnap(s *storage.EngineSnapshot) Res {
	return Res{Kind: ResSnapshot, Snapshot: s}
}

// notify delivers res without blocking. A caller that dropped its notifier
// (buffer full or nobody reading) is never treated as an error — the spec
// requires notifier-send failures to be swallowed.
func notify(ch chan Res, res Res) {
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// NewCommandMsg builds a Command message carrying already-encoded proposal
// bytes (see command.go's Encode* helpers) and a reply channel.
func NewCommandMsg(data []byte, notifier chan Res) Msg {
	return Msg{Kind: MsgCommand, ProposeOp: data, Notifier: notifier}
}

// NewSnapshotMsg requests a linearizable read-index snapshot.
func NewSnapshotMsg(notifier chan Res) Msg {
	return Msg{Kind: MsgSnapshot, Notifier: notifier}
}

// NewWaitTillLeaderMsg asks to be notified once a leader is known.
func NewWaitTillLeaderMsg(notifier chan Res) Msg {
	return Msg{Kind: MsgWaitTillLeader, Notifier: notifier}
}

// NewRaftMsg wraps a peer consensus message for Step.
func NewRaftMsg(m raftpb.Message) Msg {
	return Msg{Kind: MsgRaftMessage, RaftMsg: m}
}

// NewTickMsg advances the logical clock.
func NewTickMsg() Msg { return Msg{Kind: MsgTick} }

// NewStopMsg asks the driver to exit after the in-flight ready.
func NewStopMsg() Msg { return Msg{Kind: MsgStop} }
