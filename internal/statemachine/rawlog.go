package statemachine

import (
	"bytes"
	"encoding/binary"

	"github.com/mrshabel/raftlog/internal/wire"
)

func init() {
	Register("rawlog", func() StateMachine { return newRawLog() })
}

const rawLogLenWidth = 8

// rawLog is the default state machine: it folds a log prefix into a
// snapshot by concatenating every applied entry as a length-prefixed
// record (an 8-byte length, then the bytes; unlike internal/log/store.go
// there is no checksum). Restoring
// it is just replaying those records back through Apply in order, so a
// rawLog snapshot round-trips without any application-specific decoding.
type rawLog struct {
	buf         bytes.Buffer
	lastApplied uint64
}

func newRawLog() *rawLog {
	return &rawLog{}
}

var _ Snapshotter = (*rawLog)(nil)

func (r *rawLog) Apply(e *wire.Entry) error {
	enc := wire.Encode(e)
	var lenBuf [rawLogLenWidth]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(enc)))
	r.buf.Write(lenBuf[:])
	r.buf.Write(enc)
	r.lastApplied = e.Index
	return nil
}

func (r *rawLog) LastApplied() uint64 {
	return r.lastApplied
}

func (r *rawLog) Snapshot() ([]byte, error) {
	return r.buf.Bytes(), nil
}
