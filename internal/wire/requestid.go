// Package wire implements the core's fixed binary framing: the request-id
// token, the log entry header, and the snapshot-chunk frame used by the
// streaming entries RPC. None of this goes through a schema codec like
// protobuf — the header widths are part of the cluster's on-disk and
// on-wire contract, so they're laid out by hand with encoding/binary.
package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// RequestIDSize is the fixed width of a request identifier: an 8-byte
// millisecond timestamp followed by 4 bytes of randomness for uniqueness
// among requests issued in the same millisecond.
const RequestIDSize = 12

// RequestID is a 12-byte opaque token embedding a wall-clock timestamp, so
// that dedup-window expiry can be judged from the id itself rather than
// from when a given peer first observed it.
type RequestID [RequestIDSize]byte

// NewRequestID mints a fresh id carrying the current time.
func NewRequestID() (RequestID, error) {
	return NewRequestIDAt(time.Now())
}

// NewRequestIDAt mints an id carrying the given time; exposed so producers
// with their own clock source (or tests) don't have to race time.Now.
func NewRequestIDAt(t time.Time) (RequestID, error) {
	var id RequestID
	binary.BigEndian.PutUint64(id[:8], uint64(t.UnixMilli()))
	if _, err := rand.Read(id[8:]); err != nil {
		return RequestID{}, fmt.Errorf("requestid: read random suffix: %w", err)
	}
	return id, nil
}

// IsZero reports whether id is the zero-value request id (never minted by
// NewRequestID, used as a sentinel for "no request id").
func (id RequestID) IsZero() bool {
	return id == RequestID{}
}

// Timestamp returns the wall-clock time embedded in id.
func (id RequestID) Timestamp() time.Time {
	ms := binary.BigEndian.Uint64(id[:8])
	return time.UnixMilli(int64(ms))
}

// Expired reports whether id is older than window as measured from now.
func (id RequestID) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(id.Timestamp()) > window
}

func (id RequestID) String() string {
	return fmt.Sprintf("%x", [RequestIDSize]byte(id))
}

// ParseRequestID reads a RequestID out of a byte slice of at least
// RequestIDSize bytes.
func ParseRequestID(b []byte) (RequestID, error) {
	var id RequestID
	if len(b) < RequestIDSize {
		return id, fmt.Errorf("requestid: short buffer: need %d bytes, got %d", RequestIDSize, len(b))
	}
	copy(id[:], b[:RequestIDSize])
	return id, nil
}
