// Package broadcast implements the leader's fan-out publisher and a
// client-side subscriber: the leader pushes committed entries to
// subscribers over a duplex socket instead of making every reader poll
// the cluster RPC client, while the subscriber still falls back to the
// streaming entries RPC to fill any gap it notices.
//
// One goroutine per remote peer, a channel to signal it to stop, zap
// logging throughout.
package broadcast

import (
	"encoding/binary"
	"fmt"

	"github.com/mrshabel/raftlog/internal/wire"
)

// Message is one broadcast frame: `[secret | term | last_log_index |
// entries...]`. Zero entries is a heartbeat.
type Message struct {
	Secret       []byte
	Term         uint32
	LastLogIndex uint64
	Entries      []*wire.Entry
}

// encodeMessage serializes m as a single length-prefixed frame body (the outer
// WriteFrame length prefix is added by the caller).
func encodeMessage(m Message) []byte {
	buf := make([]byte, 0, 2+len(m.Secret)+4+8+4)
	buf = appendLenPrefixed(buf, m.Secret)

	var termBuf [4]byte
	binary.BigEndian.PutUint32(termBuf[:], m.Term)
	buf = append(buf, termBuf[:]...)

	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], m.LastLogIndex)
	buf = append(buf, idxBuf[:]...)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(m.Entries)))
	buf = append(buf, countBuf[:]...)

	for _, e := range m.Entries {
		encoded := wire.Encode(e)
		var entryLenBuf [4]byte
		binary.BigEndian.PutUint32(entryLenBuf[:], uint32(len(encoded)))
		buf = append(buf, entryLenBuf[:]...)
		buf = append(buf, encoded...)
	}
	return buf
}

func appendLenPrefixed(dst, b []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func decodeMessage(b []byte) (Message, error) {
	var m Message
	if len(b) < 2 {
		return m, fmt.Errorf("broadcast: short message")
	}
	secretLen := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < secretLen+4+8+4 {
		return m, fmt.Errorf("broadcast: truncated message header")
	}
	m.Secret = append([]byte(nil), b[:secretLen]...)
	b = b[secretLen:]

	m.Term = binary.BigEndian.Uint32(b[0:4])
	b = b[4:]
	m.LastLogIndex = binary.BigEndian.Uint64(b[0:8])
	b = b[8:]
	count := binary.BigEndian.Uint32(b[0:4])
	b = b[4:]

	m.Entries = make([]*wire.Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 4 {
			return m, fmt.Errorf("broadcast: truncated entry length")
		}
		entryLen := binary.BigEndian.Uint32(b[0:4])
		b = b[4:]
		if uint32(len(b)) < entryLen {
			return m, fmt.Errorf("broadcast: truncated entry body")
		}
		e, err := wire.Decode(b[:entryLen])
		if err != nil {
			return m, err
		}
		m.Entries = append(m.Entries, e)
		b = b[entryLen:]
	}
	return m, nil
}
