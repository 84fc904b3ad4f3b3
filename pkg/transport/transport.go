package transport

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/raft/v3/raftpb"
)

// AddressBook resolves a peer id to its advertised address. *storage.Storage
// satisfies this directly.
type AddressBook interface {
	LookupAddress(id uint64) (string, bool)
}

const (
	peerQueueCapacity = 256
	dialTimeout       = 2 * time.Second
	redialBackoff     = 500 * time.Millisecond
)

// Transport implements component 4.D: fire-and-forget delivery of outbound
// consensus messages over one long-lived TCP connection per peer, redialed
// on failure. It never blocks the driver: Send enqueues onto a bounded
// per-peer queue and drops on backpressure or an unknown peer.
type Transport struct {
	id     uint64
	addrs  AddressBook
	logger zerolog.Logger

	mu    sync.Mutex
	peers map[uint64]*peerConn
	done  chan struct{}
}

type peerConn struct {
	queue chan raftpb.Message
}

// New returns a Transport for local peer id, resolving destinations through
// addrs.
func New(id uint64, addrs AddressBook, logger zerolog.Logger) *Transport {
	return &Transport{
		id:     id,
		addrs:  addrs,
		logger: logger.With().Str("component", "transport").Logger(),
		peers:  make(map[uint64]*peerConn),
		done:   make(chan struct{}),
	}
}

// Send implements fsm.Sender. Unknown peer id or a full queue drops the
// message silently (logged at debug); the consensus layer tolerates loss.
func (t *Transport) Send(m raftpb.Message) {
	if m.To == 0 || m.To == t.id {
		return
	}
	addr, ok := t.addrs.LookupAddress(m.To)
	if !ok {
		t.logger.Debug().Uint64("to", m.To).Msg("dropping message: unknown peer address")
		return
	}

	pc := t.peerConnFor(m.To, addr)
	select {
	case pc.queue <- m:
	default:
		t.logger.Debug().Uint64("to", m.To).Msg("dropping message: peer queue full")
	}
}

func (t *Transport) peerConnFor(id uint64, addr string) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pc, ok := t.peers[id]; ok {
		return pc
	}
	pc := &peerConn{queue: make(chan raftpb.Message, peerQueueCapacity)}
	t.peers[id] = pc
	go t.runPeer(id, addr, pc)
	return pc
}

// runPeer owns one outbound connection for the lifetime of the Transport,
// redialing with a fixed backoff whenever the connection drops. Address
// changes (a peer moving hosts) take effect only for newly-created
// peerConns; an already-running connection keeps dialing its original
// address, matching the address book's own "last write wins, read lazily"
// semantics rather than tearing down live traffic on every update.
func (t *Transport) runPeer(id uint64, addr string, pc *peerConn) {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			t.logger.Debug().Uint64("peer_id", id).Err(err).Msg("dial failed, retrying")
			select {
			case <-time.After(redialBackoff):
				continue
			case <-t.done:
				return
			}
		}

		t.writeLoop(id, conn, pc)
		_ = conn.Close()
	}
}

func (t *Transport) writeLoop(id uint64, conn net.Conn, pc *peerConn) {
	for {
		select {
		case m := <-pc.queue:
			if err := writeFrame(conn, m); err != nil {
				t.logger.Debug().Uint64("peer_id", id).Err(err).Msg("write failed, reconnecting")
				return
			}
		case <-t.done:
			return
		}
	}
}

// Close stops all peer connection goroutines. Already-enqueued messages are
// discarded.
func (t *Transport) Close() {
	close(t.done)
}
