package log

import (
	"fmt"
	"os"
	"path"

	"github.com/mrshabel/raftlog/internal/wire"
)

// segment struct to hold store and index
type segment struct {
	store *store
	index *index
	// starting offset of this segment
	baseOffset uint64
	// next available offset for appending
	nextOffset uint64
	config     Config
}

// segmentFileName formats a base offset as a fixed-width, zero-padded
// decimal string so that sorted directory listings equal index order.
func segmentFileName(baseOffset uint64, ext string) string {
	return fmt.Sprintf("%020d%s", baseOffset, ext)
}

// create a new instance of a segment. recoverable marks this as the log's
// last/active segment, the only one a crash could have left mid-write: it
// gets truncated back to its last whole record on any framing defect.
// Any other (interior) segment is only verified; a defect there is fatal.
func newSegment(dir string, baseOffset uint64, c Config, recoverable bool) (*segment, error) {
	s := &segment{
		baseOffset: baseOffset,
		config:     c,
	}
	// create/open file in append mode
	storeFile, err := os.OpenFile(
		path.Join(dir, segmentFileName(baseOffset, ".store")),
		os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644,
	)
	if err != nil {
		return nil, err
	}

	// create instance of store and index file
	if s.store, err = newStore(storeFile); err != nil {
		return nil, err
	}
	if recoverable {
		if _, err := s.store.recoverTail(); err != nil {
			return nil, err
		}
	} else if err := s.store.verifyIntegrity(); err != nil {
		return nil, err
	}

	indexFile, err := os.OpenFile(
		path.Join(dir, segmentFileName(baseOffset, ".index")),
		os.O_RDWR|os.O_CREATE,
		0644,
	)
	if err != nil {
		return nil, err
	}
	if s.index, err = newIndex(indexFile, c); err != nil {
		return nil, err
	}

	// get next offset value. this attempts to retrieve the last entry in the
	// index if present
	if off, _, err := s.index.Read(-1); err != nil {
		// empty index
		s.nextOffset = baseOffset
	} else {
		// index with at least an element. nextOffset will be next position
		s.nextOffset = baseOffset + uint64(off) + 1
	}
	return s, nil
}

// Append a new entry to the segment, assigning it the segment's next index.
func (s *segment) Append(e *wire.Entry) (index uint64, err error) {
	cur := s.nextOffset
	e.Index = cur

	p := wire.Encode(e)

	_, pos, err := s.store.Append(p)
	if err != nil {
		return 0, err
	}
	// use offset relative to the base offset
	if err = s.index.Write(uint32(s.nextOffset-s.baseOffset), pos); err != nil {
		return 0, err
	}
	s.nextOffset++
	return cur, nil
}

// Read returns the entry stored at the given absolute index.
func (s *segment) Read(off uint64) (*wire.Entry, error) {
	_, pos, err := s.index.Read(int64(off - s.baseOffset))
	if err != nil {
		return nil, err
	}
	p, err := s.store.Read(pos)
	if err != nil {
		return nil, err
	}
	return wire.Decode(p)
}

// TruncateAfter drops every entry in this segment with index > off. Used
// when off falls inside (or before) this segment's range; segments
// entirely above off are removed wholesale by the owning Log instead.
func (s *segment) TruncateAfter(off uint64) error {
	if off < s.baseOffset {
		if err := s.index.TruncateTo(0); err != nil {
			return err
		}
		if err := s.store.truncateTo(0); err != nil {
			return err
		}
		s.nextOffset = s.baseOffset
		return nil
	}

	rel := uint32(off-s.baseOffset) + 1
	if err := s.index.TruncateTo(rel); err != nil {
		return err
	}
	// recompute the store size from the new last entry's position+size
	_, pos, err := s.index.Read(int64(rel - 1))
	if err != nil {
		return err
	}
	p, err := s.store.Read(pos)
	if err != nil {
		return err
	}
	if err := s.store.truncateTo(pos + recordPrefixWidth + uint64(len(p))); err != nil {
		return err
	}
	s.nextOffset = off + 1
	return nil
}

// check whether a segment has reached its maximum size or not.
// the segment is maxed if its underlying store or index size has reached its
// max bytes as specified in the configuration, or if it holds MaxEntries
// entries (when MaxEntries is non-zero)
func (s *segment) IsMaxed() bool {
	maxEntries := s.config.Segment.MaxEntries
	if maxEntries > 0 && s.nextOffset-s.baseOffset >= maxEntries {
		return true
	}
	return s.store.size >= s.config.Segment.MaxStoreBytes || s.index.size >= s.config.Segment.MaxIndexBytes
}

// remove the segment and its associated store and index files
func (s *segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.index.Name()); err != nil {
		return err
	}
	if err := os.Remove(s.store.Name()); err != nil {
		return err
	}
	return nil
}

// close the segment's store and index files
func (s *segment) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.store.Close()
}
