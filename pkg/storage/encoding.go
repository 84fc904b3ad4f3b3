package storage

import "encoding/binary"

// encodeApplyState serializes an apply-state record as:
//
//	appliedIndex(8) | appliedTerm(8) | numVoters(4) | voter(8) * n
//
// The encoding is opaque to the consensus core, matching the spec's
// description of `S`'s binary encoding.
func encodeApplyState(as *applyState) []byte {
	buf := make([]byte, 8+8+4+8*len(as.voters))
	binary.BigEndian.PutUint64(buf[0:8], as.index)
	binary.BigEndian.PutUint64(buf[8:16], as.term)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(as.voters)))
	off := 20
	for _, v := range as.voters {
		binary.BigEndian.PutUint64(buf[off:off+8], v)
		off += 8
	}
	return buf
}

func decodeApplyState(buf []byte) *applyState {
	if len(buf) < 20 {
		return &applyState{}
	}
	as := &applyState{
		index: binary.BigEndian.Uint64(buf[0:8]),
		term:  binary.BigEndian.Uint64(buf[8:16]),
	}
	n := binary.BigEndian.Uint32(buf[16:20])
	off := 20
	for i := uint32(0); i < n && off+8 <= len(buf); i++ {
		as.voters = append(as.voters, binary.BigEndian.Uint64(buf[off:off+8]))
		off += 8
	}
	return as
}
