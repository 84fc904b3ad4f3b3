package transport

import (
	"errors"
	"net"

	"github.com/cuemby/minipd/pkg/fsm"
	"github.com/rs/zerolog"
)

// Listener accepts inbound peer connections and decodes each frame into a
// fsm.Msg delivered on inbox. One goroutine per accepted connection reads
// frames until the connection closes or errors; there is no retry on the
// accept side since the remote peer owns reconnection.
type Listener struct {
	ln     net.Listener
	inbox  chan<- fsm.Msg
	logger zerolog.Logger
}

// Listen opens addr and returns a Listener ready for Serve.
func Listen(addr string, inbox chan<- fsm.Msg, logger zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, inbox: inbox, logger: logger.With().Str("component", "transport").Logger()}, nil
}

// Addr returns the bound address, useful when addr was passed as ":0".
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until Close is called, blocking the caller.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go l.readLoop(conn)
	}
}

func (l *Listener) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		m, err := readFrame(conn)
		if err != nil {
			l.logger.Debug().Err(err).Msg("peer connection closed")
			return
		}
		l.inbox <- fsm.NewRaftMsg(m)
	}
}

// Close stops Serve and closes the listening socket.
func (l *Listener) Close() error {
	return l.ln.Close()
}
