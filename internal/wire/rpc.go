package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RPC request-type tags: the first byte of a cluster RPC request frame.
const (
	TagRequestConfig       byte = '?'
	TagRequestLogInfo      byte = 'i'
	TagRequestUpdate       byte = 'u'
	TagRequestEntries      byte = 'e'
	TagRequestPublisherURL byte = '*'
)

// MaxFrameSize bounds a single frame so a misbehaving peer can't force an
// unbounded allocation.
const MaxFrameSize = 64 << 20

// WriteFrame writes b as a single length-prefixed frame.
func WriteFrame(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
