package wire

import "encoding/binary"

// SnapshotChunk is one piece of a chunked snapshot transfer, streamed by
// the cluster RPC client when the requested index predates the leader's
// first retained log index.
type SnapshotChunk struct {
	LogIndex   uint64
	IsLastChunk bool
	ByteOffset uint64
	ByteSize   uint64
	Payload    []byte
}

const chunkHeaderWidth = 8 + 1 + 8 + 8

// EncodeChunk serializes c's header followed by its payload.
func EncodeChunk(c *SnapshotChunk) []byte {
	buf := make([]byte, chunkHeaderWidth+len(c.Payload))
	binary.BigEndian.PutUint64(buf[0:8], c.LogIndex)
	if c.IsLastChunk {
		buf[8] = 1
	}
	binary.BigEndian.PutUint64(buf[9:17], c.ByteOffset)
	binary.BigEndian.PutUint64(buf[17:25], c.ByteSize)
	copy(buf[chunkHeaderWidth:], c.Payload)
	return buf
}

// DecodeChunk parses a SnapshotChunk out of a buffer produced by EncodeChunk.
func DecodeChunk(b []byte) (*SnapshotChunk, error) {
	if len(b) < chunkHeaderWidth {
		return nil, errShortChunk
	}
	c := &SnapshotChunk{
		LogIndex:    binary.BigEndian.Uint64(b[0:8]),
		IsLastChunk: b[8] != 0,
		ByteOffset:  binary.BigEndian.Uint64(b[9:17]),
		ByteSize:    binary.BigEndian.Uint64(b[17:25]),
	}
	c.Payload = b[chunkHeaderWidth:]
	return c, nil
}

var errShortChunk = chunkErr("wire: snapshot chunk buffer too short")

type chunkErr string

func (e chunkErr) Error() string { return string(e) }
