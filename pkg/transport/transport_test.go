package transport

import (
	"testing"
	"time"

	"github.com/cuemby/minipd/pkg/fsm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3/raftpb"
)

type staticAddrs map[uint64]string

func (s staticAddrs) LookupAddress(id uint64) (string, bool) {
	addr, ok := s[id]
	return addr, ok
}

func TestTransportDeliversMessageToListener(t *testing.T) {
	inbox := make(chan fsm.Msg, 8)
	ln, err := Listen("127.0.0.1:0", inbox, zerolog.Nop())
	require.NoError(t, err)
	defer ln.Close()
	go func() { _ = ln.Serve() }()

	addrs := staticAddrs{2: ln.Addr().String()}
	tr := New(1, addrs, zerolog.Nop())
	defer tr.Close()

	tr.Send(raftpb.Message{Type: raftpb.MsgHeartbeat, From: 1, To: 2, Term: 3})

	select {
	case msg := <-inbox:
		require.Equal(t, fsm.MsgRaftMessage, msg.Kind)
		assert.Equal(t, uint64(1), msg.RaftMsg.From)
		assert.Equal(t, uint64(3), msg.RaftMsg.Term)
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestTransportDropsUnknownPeer(t *testing.T) {
	tr := New(1, staticAddrs{}, zerolog.Nop())
	defer tr.Close()
	// Unknown destination must not panic or block; there is nothing to
	// assert beyond this returning promptly.
	tr.Send(raftpb.Message{Type: raftpb.MsgHeartbeat, From: 1, To: 99})
}
