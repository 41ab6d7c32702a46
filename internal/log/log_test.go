package log

import (
	"io"
	"os"
	"testing"

	"github.com/mrshabel/raftlog/internal/wire"
	"github.com/mrshabel/raftlog/internal/wireerr"
	"github.com/stretchr/testify/require"
)

// test for all cases of our log usage
func TestLog(t *testing.T) {
	table := map[string]func(t *testing.T, log *Log){
		"append and read entry":       testAppendRead,
		"offset out of range error":   testOutOfRangeErr,
		"init with existing segments": testInitExisting,
		"reader":                      testReader,
		"truncate":                    testTruncate,
		"truncate after":              testTruncateAfter,
		"install snapshot":            testInstallSnapshot,
		"install snapshot empties log": testInstallSnapshotEmptiesLog,
		"read range":                  testReadRange,
		"feed state machine":          testFeedStateMachine,
	}
	for scenario, fn := range table {
		t.Run(scenario, func(t *testing.T) {
			// create temp directory for each test case
			dir, err := os.MkdirTemp("", "log-test")
			require.NoError(t, err)
			defer os.RemoveAll(dir)

			config := Config{}
			config.Segment.MaxStoreBytes = 64
			log, err := NewLog(dir, config)
			require.NoError(t, err)

			// run test case
			fn(t, log)
		})
	}
}

func testAppendRead(t *testing.T, l *Log) {
	e := &wire.Entry{Term: 1, Payload: []byte("hello world")}
	idx, err := l.Append(e)
	require.NoError(t, err)
	// indices start at 1
	require.Equal(t, uint64(1), idx)

	read, err := l.Read(idx)
	require.NoError(t, err)
	require.Equal(t, e.Payload, read.Payload)

	term, ok := l.TermAt(idx)
	require.True(t, ok)
	require.Equal(t, uint32(1), term)
}

func testOutOfRangeErr(t *testing.T, l *Log) {
	// read offset that is out of range
	read, err := l.Read(1)
	require.Error(t, err)
	require.Nil(t, read)
}

func testInitExisting(t *testing.T, l *Log) {
	e := &wire.Entry{Term: 1, Payload: []byte("hello world")}

	// append entry 3 times before closing log
	for range 3 {
		_, err := l.Append(e)
		require.NoError(t, err)
	}
	// close log
	require.NoError(t, l.Close())

	// assert lowest and highest offsets
	off, err := l.LowestOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(1), off)

	off, err = l.HighestOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(3), off)

	// create new log and assert that it is replayed
	n, err := NewLog(l.Dir, l.Config)
	require.NoError(t, err)

	off, err = n.LowestOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(1), off)

	off, err = n.HighestOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(3), off)
}

// test that full log can be read as it is stored on disk
func testReader(t *testing.T, l *Log) {
	e := &wire.Entry{Term: 1, Payload: []byte("hello world")}
	idx, err := l.Append(e)
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)

	// read full log
	reader := l.Reader()
	b, err := io.ReadAll(reader)
	require.NoError(t, err)

	read, err := wire.Decode(b[recordPrefixWidth:])
	require.NoError(t, err)
	require.Equal(t, e.Payload, read.Payload)
}

// test that unwanted log segments can be removed
func testTruncate(t *testing.T, l *Log) {
	e := &wire.Entry{Term: 1, Payload: []byte("hello world")}
	for range 3 {
		_, err := l.Append(e)
		require.NoError(t, err)
	}
	// truncate log
	err := l.Truncate(2)
	require.NoError(t, err)

	// read truncated part
	_, err = l.Read(1)
	require.Error(t, err)
}

func testTruncateAfter(t *testing.T, l *Log) {
	e := &wire.Entry{Term: 1, Payload: []byte("hello world")}
	for range 5 {
		_, err := l.Append(e)
		require.NoError(t, err)
	}
	require.NoError(t, l.TruncateAfter(3))

	_, err := l.Read(3)
	require.NoError(t, err)
	_, err = l.Read(4)
	require.Error(t, err)

	// idempotent re-truncation at the same point
	require.NoError(t, l.TruncateAfter(3))

	// further appends resume right after the truncation point
	idx, err := l.Append(&wire.Entry{Term: 2, Payload: []byte("next")})
	require.NoError(t, err)
	require.Equal(t, uint64(4), idx)
}

func testInstallSnapshot(t *testing.T, l *Log) {
	e := &wire.Entry{Term: 1, Payload: []byte("hello world")}
	for range 5 {
		_, err := l.Append(e)
		require.NoError(t, err)
	}

	require.NoError(t, l.InstallSnapshot(3))

	// entries <= last_included_index are gone
	_, err := l.Read(3)
	require.Error(t, err)
	// entries after it survive with their original index
	got, err := l.Read(4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), got.Index)

	off, err := l.LowestOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(4), off)
}

func testInstallSnapshotEmptiesLog(t *testing.T, l *Log) {
	e := &wire.Entry{Term: 1, Payload: []byte("hello world")}
	for range 3 {
		_, err := l.Append(e)
		require.NoError(t, err)
	}

	require.NoError(t, l.InstallSnapshot(3))

	// log is now empty; the next append starts right after the snapshot
	idx, err := l.Append(&wire.Entry{Term: 1, Payload: []byte("after")})
	require.NoError(t, err)
	require.Equal(t, uint64(4), idx)
}

func testReadRange(t *testing.T, l *Log) {
	for i := 1; i <= 5; i++ {
		_, err := l.Append(&wire.Entry{Term: 1, Payload: []byte("entry")})
		require.NoError(t, err)
	}

	var got []uint64
	last, err := l.ReadRange(2, 4, 1<<20, func(e *wire.Entry) bool {
		got = append(got, e.Index)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, uint64(4), last)
	require.Equal(t, []uint64{2, 3, 4}, got)

	// a callback that stops early short-circuits delivery
	got = nil
	last, err = l.ReadRange(1, 5, 1<<20, func(e *wire.Entry) bool {
		got = append(got, e.Index)
		return e.Index < 2
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)
	require.Equal(t, []uint64{1, 2}, got)
}

type fakeStateMachine struct {
	applied []uint64
	ready   bool
}

func (f *fakeStateMachine) Apply(e *wire.Entry) error {
	f.applied = append(f.applied, e.Index)
	return nil
}

func (f *fakeStateMachine) LastApplied() uint64 {
	if len(f.applied) == 0 {
		return 0
	}
	return f.applied[len(f.applied)-1]
}

func (f *fakeStateMachine) Ready() bool { return f.ready }

func testFeedStateMachine(t *testing.T, l *Log) {
	for i := 1; i <= 3; i++ {
		_, err := l.Append(&wire.Entry{Term: 1, Payload: []byte("entry")})
		require.NoError(t, err)
	}

	sm := &fakeStateMachine{ready: true}
	last, err := l.FeedStateMachine(sm, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)
	require.Equal(t, []uint64{1, 2, 3}, sm.applied)

	// backpressure stops delivery without erroring
	_, err = l.Append(&wire.Entry{Term: 1, Payload: []byte("more")})
	require.NoError(t, err)
	sm.ready = false
	last, err = l.FeedStateMachine(sm, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)
}

// a corrupt record in a segment other than the last one was already closed
// out before the crash, so it must be fatal rather than truncated away.
func TestSetupCorruptInteriorSegmentIsFatal(t *testing.T) {
	dir, err := os.MkdirTemp("", "log-corrupt-interior-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	config := Config{}
	config.Segment.MaxStoreBytes = 64
	l, err := NewLog(dir, config)
	require.NoError(t, err)

	// append enough entries to roll over into a second segment, then close
	for range 10 {
		_, err := l.Append(&wire.Entry{Term: 1, Payload: []byte("entry")})
		require.NoError(t, err)
	}
	require.Greater(t, len(l.segments), 1)
	firstSegmentPath := l.segments[0].store.Name()
	require.NoError(t, l.Close())

	// flip a byte in the first (non-active) segment's payload
	f, err := os.OpenFile(firstSegmentPath, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, recordPrefixWidth)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = NewLog(dir, config)
	require.Error(t, err)
	werr, ok := err.(*wireerr.Error)
	require.True(t, ok)
	require.Equal(t, wireerr.KindCorruptLog, werr.Kind)
}

// a trailing partial write in the active segment is a crash artifact and
// is recovered by truncation, not treated as corruption.
func TestSetupActiveSegmentTailIsRecovered(t *testing.T) {
	dir, err := os.MkdirTemp("", "log-recover-active-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	config := Config{}
	config.Segment.MaxStoreBytes = 1024
	l, err := NewLog(dir, config)
	require.NoError(t, err)

	_, err = l.Append(&wire.Entry{Term: 1, Payload: []byte("entry")})
	require.NoError(t, err)
	activeSegmentPath := l.activeSegment.store.Name()
	require.NoError(t, l.Close())

	// simulate a crash mid-write: append a truncated trailing record
	f, err := os.OpenFile(activeSegmentPath, os.O_RDWR|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, recordPrefixWidth+4))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err := NewLog(dir, config)
	require.NoError(t, err)

	off, err := n.HighestOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(1), off)
}
