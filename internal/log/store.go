// this file implements the log's binary record store: a file holding a
// sequence of length- and checksum-prefixed records.
package log

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/mrshabel/raftlog/internal/wireerr"
)

var (
	// encoding for persisting record lengths, checksums and index entries
	enc = binary.BigEndian
)

const (
	// number of bytes used to store record length
	lenWidth = 8
	// number of bytes used to store the record's crc32 checksum
	crcWidth = 4
	// total bytes of framing prefixed to every record
	recordPrefixWidth = lenWidth + crcWidth
)

// ErrCorruptRecord is returned when a record's checksum does not match its
// payload. Found on the trailing record of the active segment, it is
// recovered by truncation; found anywhere else in the log it is fatal and
// surfaces as wireerr.CorruptLog.
var ErrCorruptRecord = corruptErr("log: record checksum mismatch")

type corruptErr string

func (e corruptErr) Error() string { return string(e) }

type store struct {
	*os.File
	mu   sync.Mutex
	buf  *bufio.Writer
	size uint64
}

// create a new store from a given file. file could be new or existing
func newStore(f *os.File) (*store, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	// get the file size
	size := uint64(fi.Size())
	return &store{
		File: f,
		size: size,
		buf:  bufio.NewWriter(f),
	}, nil
}

// append a record to the underlying store.
// returns the number of bytes written, position of record in the store, error
func (s *store) Append(p []byte) (n uint64, pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos = s.size
	if err := binary.Write(s.buf, enc, uint64(len(p))); err != nil {
		return 0, 0, err
	}
	if err := binary.Write(s.buf, enc, crc32.ChecksumIEEE(p)); err != nil {
		return 0, 0, err
	}
	w, err := s.buf.Write(p)
	if err != nil {
		return 0, 0, err
	}
	w += recordPrefixWidth
	s.size += uint64(w)
	return uint64(w), pos, nil
}

// read a record from the underlying store with its position
func (s *store) Read(pos uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return nil, err
	}

	prefix := make([]byte, recordPrefixWidth)
	if _, err := s.File.ReadAt(prefix, int64(pos)); err != nil {
		return nil, err
	}
	size := enc.Uint64(prefix[:lenWidth])
	wantCRC := enc.Uint32(prefix[lenWidth:])

	b := make([]byte, size)
	if _, err := s.File.ReadAt(b, int64(pos+recordPrefixWidth)); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(b) != wantCRC {
		return nil, ErrCorruptRecord
	}
	return b, nil
}

// read len(p) bytes into p beginning at off offset
func (s *store) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return 0, err
	}
	return s.File.ReadAt(p, off)
}

// Flush persists any buffered writes without closing the file.
func (s *store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.File.Sync()
}

// persist buffered data before closing the underlying file
func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if err := s.File.Sync(); err != nil {
		return err
	}
	return s.File.Close()
}

// scanRecords walks the store from the beginning, validating each record's
// length/checksum framing. When truncate is true, a trailing partial or
// corrupt record is truncated away, the recovery a crash could leave on the
// segment that was still being appended to. When false, the same defect is
// reported as wireerr.CorruptLog instead: a segment that isn't the one
// being written to at crash time was already closed out, so any framing
// mismatch found in it is genuine corruption, not a partial write.
func (s *store) scanRecords(truncate bool) (int, error) {
	var pos uint64
	count := 0
	prefix := make([]byte, recordPrefixWidth)
	for {
		n, err := s.File.ReadAt(prefix, int64(pos))
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		if n < recordPrefixWidth {
			if truncate {
				break
			}
			return 0, wireerr.CorruptLog("log: truncated record prefix in interior segment")
		}
		size := enc.Uint64(prefix[:lenWidth])
		wantCRC := enc.Uint32(prefix[lenWidth:])
		// every stored entry encodes to a non-empty record, so a zero length
		// prefix is zero-filled space past the last write, not a record
		if size == 0 {
			if truncate {
				break
			}
			return 0, wireerr.CorruptLog("log: zero-length record in interior segment")
		}
		body := make([]byte, size)
		bn, err := s.File.ReadAt(body, int64(pos+recordPrefixWidth))
		if uint64(bn) < size || (err != nil && err != io.EOF) {
			if truncate {
				break
			}
			return 0, wireerr.CorruptLog("log: truncated record body in interior segment")
		}
		if crc32.ChecksumIEEE(body[:bn]) != wantCRC {
			if truncate {
				break
			}
			return 0, wireerr.CorruptLog("log: record checksum mismatch in interior segment")
		}
		pos += recordPrefixWidth + size
		count++
	}

	if pos != s.size {
		if !truncate {
			return 0, wireerr.CorruptLog("log: trailing bytes past last record in interior segment")
		}
		if err := s.File.Truncate(int64(pos)); err != nil {
			return 0, err
		}
		s.size = pos
		s.buf = bufio.NewWriter(s.File)
	}
	return count, nil
}

// recoverTail scans the store forward from scratch, validating each
// record's length/checksum framing, and truncates any trailing partial or
// corrupt record so subsequent appends start from a clean boundary. It
// returns the number of whole records found. Only safe to call on the
// segment that was active when the process last exited.
func (s *store) recoverTail() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return 0, err
	}
	return s.scanRecords(true)
}

// verifyIntegrity scans the store end to end without truncating, returning
// wireerr.CorruptLog if any record's framing is malformed or its checksum
// doesn't match. Used for segments other than the active one, where a
// framing defect can't be explained by an in-flight write at crash time.
func (s *store) verifyIntegrity() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	_, err := s.scanRecords(false)
	return err
}

// truncateTo discards everything in the store past byte offset size,
// resetting the buffered writer so subsequent appends resume cleanly.
func (s *store) truncateTo(size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.File.Truncate(int64(size)); err != nil {
		return err
	}
	s.size = size
	s.buf = bufio.NewWriter(s.File)
	return nil
}
