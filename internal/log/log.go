package log

import (
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mrshabel/raftlog/internal/wire"
)

// StateMachine is the user-defined application state machine sitting on
// top of the replicated log. FeedStateMachine drives it in index order.
type StateMachine interface {
	Apply(e *wire.Entry) error
	LastApplied() uint64
}

// BackpressureStateMachine lets a state machine ask FeedStateMachine to
// pause before handing it the next entry.
type BackpressureStateMachine interface {
	StateMachine
	Ready() bool
}

// ErrOffsetOutOfRange is returned when a requested index isn't present in
// any retained segment (either compacted away or never written).
type ErrOffsetOutOfRange struct {
	Offset uint64
}

func (e ErrOffsetOutOfRange) Error() string {
	return "log: offset out of range: " + strconv.FormatUint(e.Offset, 10)
}

// log to hold all segments and keep track of active segment
type Log struct {
	mu sync.RWMutex

	Dir    string
	Config Config

	activeSegment *segment
	segments      []*segment
}

// Creates a new log while defaulting the maximum store and index
// bytes to 1024 each
func NewLog(dir string, c Config) (*Log, error) {
	// setup defaults for values not specified
	if c.Segment.MaxStoreBytes == 0 {
		c.Segment.MaxStoreBytes = 1024
	}
	if c.Segment.MaxIndexBytes == 0 {
		c.Segment.MaxIndexBytes = 1024
	}
	if c.Segment.InitialOffset == 0 {
		c.Segment.InitialOffset = 1
	}
	l := &Log{Dir: dir, Config: c}

	return l, l.setup()
}

// Setup then process new or existing segments in an order such that
// they are arranged from oldest to newest
func (l *Log) setup() error {
	// check for existing files
	files, err := os.ReadDir(l.Dir)
	if err != nil {
		return err
	}

	// get the base offset for each segment since it's used in the filename
	// of store and index files
	var baseOffsets []uint64
	for _, file := range files {
		offStr := strings.TrimSuffix(file.Name(), path.Ext(file.Name()))
		off, err := strconv.ParseUint(offStr, 10, 64)
		if err != nil {
			continue
		}
		baseOffsets = append(baseOffsets, off)
	}

	// sort the base offsets
	sort.Slice(baseOffsets, func(i int, j int) bool {
		return baseOffsets[i] < baseOffsets[j]
	})
	for i := 0; i < len(baseOffsets); i++ {
		// only the last (highest base offset) segment was active when the
		// process last exited, so only it can have a trailing partial
		// write; every earlier segment is verified instead of recovered,
		// and any checksum defect found there is fatal. baseOffsets holds
		// each segment's offset twice (once per store/index filename), so
		// the final segment starts at the second-to-last slot.
		recoverable := i >= len(baseOffsets)-2
		if err := l.newSegmentWithRecovery(baseOffsets[i], recoverable); err != nil {
			return err
		}
		// skip next element since baseOffset contains duplicates for
		// index and store files (same filename)
		i++
	}
	// new log for cases when no existing segments exist
	if l.segments == nil {
		if err = l.newSegment(l.Config.Segment.InitialOffset); err != nil {
			return err
		}
	}

	return nil
}

// Append writes e to the active segment and returns its assigned index.
func (l *Log) Append(e *wire.Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.activeSegment.Append(e)
	if err != nil {
		return 0, err
	}

	// update active segment if maxed out
	if l.activeSegment.IsMaxed() {
		err = l.newSegment(idx + 1)
	}
	return idx, err
}

// Read returns the entry stored at a given index.
func (l *Log) Read(off uint64) (*wire.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.findSegment(off)
	if s == nil || s.nextOffset <= off {
		return nil, ErrOffsetOutOfRange{Offset: off}
	}
	return s.Read(off)
}

// TermAt returns the term of the entry at index, or (0, false) if absent.
func (l *Log) TermAt(off uint64) (uint32, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.findSegment(off)
	if s == nil || s.nextOffset <= off {
		return 0, false
	}
	e, err := s.Read(off)
	if err != nil {
		return 0, false
	}
	return e.Term, true
}

// find segment containing an entry with the given offset. offset should be
// between baseOffset of segment and nextOffset of the same segment
func (l *Log) findSegment(off uint64) *segment {
	// TODO: use binary search
	for _, segment := range l.segments {
		if segment.baseOffset <= off && off < segment.nextOffset {
			return segment
		}
	}
	return nil
}

// ReadRangeFunc is invoked once per entry by ReadRange; returning false
// stops the stream early.
type ReadRangeFunc func(e *wire.Entry) bool

// ReadRange streams entries [from, to] in order, stopping when cb returns
// false, to is reached, or byteBudget would be exceeded; a byteBudget of 0
// means no byte limit. It never splits an entry across the budget boundary:
// the first entry is always delivered, and a later entry that doesn't fit is
// simply not delivered, and streaming stops there. It returns the index of
// the last entry actually delivered (0 if none were).
func (l *Log) ReadRange(from, to uint64, byteBudget uint64, cb ReadRangeFunc) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var delivered, used uint64
	for cur := from; cur <= to; cur++ {
		s := l.findSegment(cur)
		if s == nil || s.nextOffset <= cur {
			break
		}
		e, err := s.Read(cur)
		if err != nil {
			return delivered, err
		}
		size := uint64(len(wire.Encode(e)))
		if byteBudget > 0 && used > 0 && used+size > byteBudget {
			break
		}
		if !cb(e) {
			return delivered, nil
		}
		used += size
		delivered = cur
	}
	return delivered, nil
}

// FeedStateMachine sequentially applies entries sm.LastApplied()+1..upTo,
// stopping early if sm implements BackpressureStateMachine and reports not
// ready. Returns the index of the last entry applied.
func (l *Log) FeedStateMachine(sm StateMachine, upTo uint64) (uint64, error) {
	last := sm.LastApplied()
	bp, paces := sm.(BackpressureStateMachine)
	for idx := last + 1; idx <= upTo; idx++ {
		if paces && !bp.Ready() {
			return last, nil
		}
		e, err := l.Read(idx)
		if err != nil {
			return last, err
		}
		if err := sm.Apply(e); err != nil {
			return last, err
		}
		last = idx
	}
	return last, nil
}

// close all segments in the log
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, segment := range l.segments {
		if err := segment.Close(); err != nil {
			return err
		}
	}
	return nil
}

// remove log by closing it and deleting all related records
func (l *Log) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.Dir)
}

// reset log by removing it and setting it up again
func (l *Log) Reset() error {
	if err := l.Remove(); err != nil {
		return err
	}

	return l.setup()
}

// retrieve the lowest segment offset in the log
func (l *Log) LowestOffset() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[0].baseOffset, nil
}

// retrieve the highest segment offset in the log
func (l *Log) HighestOffset() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	// get the last segment's offset
	off := l.segments[len(l.segments)-1].nextOffset
	// empty segments
	if off == 0 {
		return 0, nil
	}
	return off - 1, nil
}

// remove old segments from disk to avoid overflow. used by InstallSnapshot
// to drop the log prefix covered by a snapshot.
func (l *Log) Truncate(lowest uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var segments []*segment
	for _, s := range l.segments {
		// discard segments whose highest offsets are lesser than lower
		if s.nextOffset-1 <= lowest {
			if err := s.Remove(); err != nil {
				return err
			}
			continue
		}
		segments = append(segments, s)
	}
	// update segments in-place
	l.segments = segments
	return nil
}

// TruncateAfter removes every entry with index > off. It is idempotent:
// truncating after an index at or beyond the log's current high-water
// mark is a no-op.
func (l *Log) TruncateAfter(off uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var kept []*segment
	activeIdx := -1
	for _, s := range l.segments {
		switch {
		case s.baseOffset > off:
			if err := s.Remove(); err != nil {
				return err
			}
		case s.nextOffset-1 <= off:
			kept = append(kept, s)
			activeIdx = len(kept) - 1
		default:
			if err := s.TruncateAfter(off); err != nil {
				return err
			}
			kept = append(kept, s)
			activeIdx = len(kept) - 1
		}
	}
	if kept == nil {
		s, err := newSegment(l.Dir, off+1, l.Config, true)
		if err != nil {
			return err
		}
		l.segments = []*segment{s}
		l.activeSegment = s
		return nil
	}
	l.segments = kept
	l.activeSegment = kept[activeIdx]
	return nil
}

// InstallSnapshot atomically replaces the log prefix up to
// lastIncludedIndex: every retained entry with index <= lastIncludedIndex
// is discarded, and if that empties the log entirely, the next write
// starts at lastIncludedIndex+1.
func (l *Log) InstallSnapshot(lastIncludedIndex uint64) error {
	if err := l.Truncate(lastIncludedIndex); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.segments) == 0 {
		return l.newSegment(lastIncludedIndex + 1)
	}
	return nil
}

// FindSegmentOf returns the on-disk store path of the segment containing
// index, or "" if none does.
func (l *Log) FindSegmentOf(index uint64) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.findSegment(index)
	if s == nil {
		return ""
	}
	return s.store.Name()
}

// ListSegmentsBefore returns the store paths of every segment whose entire
// range is <= index, oldest first.
func (l *Log) ListSegmentsBefore(index uint64) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var paths []string
	for _, s := range l.segments {
		if s.nextOffset-1 <= index {
			paths = append(paths, s.store.Name())
		}
	}
	return paths
}

type originReader struct {
	*store
	off int64
}

func (o *originReader) Read(p []byte) (int, error) {
	// read content of store from offset
	n, err := o.ReadAt(p, o.off)
	// EOF may be returned in cases where the allocated byte slice exceeds data read
	if err != nil && err != io.EOF {
		return 0, err
	}
	o.off += int64(n)
	return n, err
}

// read the entire log with all segments.
// this concatenates all segments and read them as one
func (l *Log) Reader() io.Reader {
	l.mu.RLock()
	defer l.mu.RUnlock()

	readers := make([]io.Reader, len(l.segments))
	for i, segment := range l.segments {
		// add segment reader that implements Reader interface
		readers[i] = &originReader{segment.store, 0}
	}
	return io.MultiReader(readers...)
}

// create a new segment with a given base offset and set it as the
// active segment. Always recoverable: a freshly rolled-over segment only
// ever holds writes this process makes, so recoverTail on it is a no-op.
func (l *Log) newSegment(off uint64) error {
	return l.newSegmentWithRecovery(off, true)
}

// newSegmentWithRecovery is newSegment with explicit control over whether
// the new segment's store is truncate-recovered (recoverable) or only
// verified (interior segment discovered during setup).
func (l *Log) newSegmentWithRecovery(off uint64, recoverable bool) error {
	s, err := newSegment(l.Dir, off, l.Config, recoverable)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, s)
	// set it as the active segment
	l.activeSegment = s
	return nil
}
