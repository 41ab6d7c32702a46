// Package snapshot implements the compacted-log file format: a fixed
// header of last-included index/term and data size, followed by opaque
// application state, written atomically via a temp file + fsync + rename
// so readers never observe a half-written snapshot.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var enc = binary.BigEndian

const (
	idxWidth  = 8
	termWidth = 4
	sizeWidth = 8
	// HeaderWidth is the fixed byte width of a snapshot file's header.
	HeaderWidth = idxWidth + termWidth + sizeWidth

	tempPrefix = ".snap-tmp-"
)

// Header describes the log prefix a snapshot covers.
type Header struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint32
	DataSize          uint64
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderWidth)
	enc.PutUint64(b[:idxWidth], h.LastIncludedIndex)
	enc.PutUint32(b[idxWidth:idxWidth+termWidth], h.LastIncludedTerm)
	enc.PutUint64(b[idxWidth+termWidth:], h.DataSize)
	return b
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderWidth {
		return Header{}, fmt.Errorf("snapshot: short header: %d bytes", len(b))
	}
	return Header{
		LastIncludedIndex: enc.Uint64(b[:idxWidth]),
		LastIncludedTerm:  enc.Uint32(b[idxWidth : idxWidth+termWidth]),
		DataSize:          enc.Uint64(b[idxWidth+termWidth:]),
	}, nil
}

// ReadHeader reads just the fixed header of the snapshot file at path,
// without touching the (potentially large) data section.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	b := make([]byte, HeaderWidth)
	if _, err := io.ReadFull(f, b); err != nil {
		return Header{}, err
	}
	return decodeHeader(b)
}

// Open opens the snapshot's data section for streaming, positioned right
// after the header, along with the header itself.
func Open(path string) (Header, io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	b := make([]byte, HeaderWidth)
	if _, err := io.ReadFull(f, b); err != nil {
		f.Close()
		return Header{}, nil, err
	}
	h, err := decodeHeader(b)
	if err != nil {
		f.Close()
		return Header{}, nil, err
	}
	return h, f, nil
}

// Writer streams a new snapshot into a temporary file beside the final
// path. Ready fires once the header has been persisted, allowing a
// concurrent reader on a dedicated install channel to start consuming the
// body as it's written. Commit fsyncs and atomically renames the temp file
// into place; Abort removes it.
type Writer struct {
	path    string
	tmpPath string
	f       *os.File
	ready   chan struct{}
	written uint64
	header  Header
}

// NewWriter begins a new snapshot write for the given last-included
// index/term and expected data size.
func NewWriter(path string, lastIncludedIndex uint64, lastIncludedTerm uint32, dataSize uint64) (*Writer, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, err
	}

	w := &Writer{
		path:    path,
		tmpPath: tmp.Name(),
		f:       tmp,
		ready:   make(chan struct{}),
		header: Header{
			LastIncludedIndex: lastIncludedIndex,
			LastIncludedTerm:  lastIncludedTerm,
			DataSize:          dataSize,
		},
	}
	if _, err := w.f.Write(w.header.encode()); err != nil {
		w.f.Close()
		os.Remove(w.tmpPath)
		return nil, err
	}
	close(w.ready)
	return w, nil
}

// Ready is closed once the header has been persisted to the temp file.
func (w *Writer) Ready() <-chan struct{} {
	return w.ready
}

// Write streams application state bytes into the snapshot body.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.written += uint64(n)
	return n, err
}

// Commit fsyncs the temp file and atomically renames it into place.
func (w *Writer) Commit() error {
	if w.written != w.header.DataSize {
		w.Abort()
		return fmt.Errorf("snapshot: wrote %d bytes, header declared %d", w.written, w.header.DataSize)
	}
	if err := w.f.Sync(); err != nil {
		w.Abort()
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return err
	}
	return os.Rename(w.tmpPath, w.path)
}

// Abort discards the in-progress snapshot, removing its temp file.
func (w *Writer) Abort() error {
	w.f.Close()
	return os.Remove(w.tmpPath)
}

// CleanupStale removes orphaned temp files left behind by a writer that
// crashed before Commit or Abort ran. Called once on startup, before any
// compaction job runs.
func CleanupStale(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), tempPrefix) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
