package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.etcd.io/raft/v3/raftpb"
)

// maxFrameSize bounds a single decoded message, guarding against a
// corrupted or malicious length prefix forcing an unbounded allocation.
const maxFrameSize = 64 * 1024 * 1024

func writeFrame(w io.Writer, m raftpb.Message) error {
	raw, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

func readFrame(r io.Reader) (raftpb.Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return raftpb.Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return raftpb.Message{}, fmt.Errorf("frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return raftpb.Message{}, err
	}
	var m raftpb.Message
	if err := m.Unmarshal(buf); err != nil {
		return raftpb.Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return m, nil
}
