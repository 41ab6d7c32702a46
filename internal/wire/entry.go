package wire

import (
	"encoding/binary"
	"fmt"
)

// EntryType distinguishes the payload carried by a log entry. All payloads
// are opaque to this package and to the log; the fsm (see
// internal/log/distributed.go) appends every entry the same way whatever
// its type.
type EntryType uint8

const (
	EntryState EntryType = iota
	EntryConfig
	EntryCheckpoint
)

func (t EntryType) String() string {
	switch t {
	case EntryState:
		return "state"
	case EntryConfig:
		return "config"
	case EntryCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// fixed header: request_id(12) | type(1) | term(4) | index(varint, up to 10)
const (
	headerFixedWidth = RequestIDSize + 1 + 4
	maxVarintWidth   = binary.MaxVarintLen64
)

// Entry is the immutable unit of replication.
type Entry struct {
	Index     uint64
	Term      uint32
	Type      EntryType
	RequestID RequestID
	Payload   []byte
}

// Encode serializes e into the fixed header followed by the opaque
// payload. The returned slice is owned by the caller.
func Encode(e *Entry) []byte {
	buf := make([]byte, headerFixedWidth+maxVarintWidth+len(e.Payload))
	copy(buf[0:RequestIDSize], e.RequestID[:])
	buf[RequestIDSize] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[RequestIDSize+1:headerFixedWidth], e.Term)
	n := binary.PutUvarint(buf[headerFixedWidth:], e.Index)
	total := headerFixedWidth + n
	copy(buf[total:], e.Payload)
	return buf[:total+len(e.Payload)]
}

// Decode parses an Entry out of a buffer produced by Encode. It does not
// copy the payload; callers that retain it beyond the buffer's lifetime
// must clone it themselves.
func Decode(b []byte) (*Entry, error) {
	if len(b) < headerFixedWidth+1 {
		return nil, fmt.Errorf("wire: entry buffer too short: %d bytes", len(b))
	}
	e := &Entry{}
	copy(e.RequestID[:], b[0:RequestIDSize])
	e.Type = EntryType(b[RequestIDSize])
	e.Term = binary.BigEndian.Uint32(b[RequestIDSize+1 : headerFixedWidth])

	idx, n := binary.Uvarint(b[headerFixedWidth:])
	if n <= 0 {
		return nil, fmt.Errorf("wire: entry buffer has malformed index varint")
	}
	e.Index = idx
	e.Payload = b[headerFixedWidth+n:]
	return e, nil
}
