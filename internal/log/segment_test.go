package log

import (
	"io"
	"os"
	"testing"

	"github.com/mrshabel/raftlog/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestSegment(t *testing.T) {
	dir, err := os.MkdirTemp("", "segment-test")
	require.NoError(t, err)
	defer os.Remove(dir)

	want := &wire.Entry{Term: 1, Payload: []byte("hello world")}

	c := Config{}
	c.Segment.MaxStoreBytes = 1024
	c.Segment.MaxIndexBytes = entWidth * 3

	// new segment with starting offset 16
	s, err := newSegment(dir, 16, c, true)
	require.NoError(t, err)

	// verify next offset value
	require.Equal(t, uint64(16), s.nextOffset, s.nextOffset)
	require.False(t, s.IsMaxed())

	for i := uint64(0); i < 3; i++ {
		// append entry
		off, err := s.Append(want)
		require.NoError(t, err)
		require.Equal(t, 16+i, off)

		// read the appended entry
		got, err := s.Read(off)
		require.NoError(t, err)
		require.Equal(t, want.Payload, got.Payload)
		require.Equal(t, off, got.Index)
	}

	// expect an end of file error since index is maxed out
	_, err = s.Append(want)
	require.Equal(t, io.EOF, err)

	// expect index to be maxed
	require.True(t, s.IsMaxed())

	// update segment store and index capacity
	c.Segment.MaxStoreBytes = uint64(len(want.Payload) * 3)
	c.Segment.MaxIndexBytes = 1024

	// close segment and recreate it with the same index and store files
	err = s.Close()
	require.NoError(t, err)
	s, err = newSegment(dir, 16, c, true)
	require.NoError(t, err)

	// maxed store
	require.True(t, s.IsMaxed())

	// remove segment and recreate segment
	err = s.Remove()
	require.NoError(t, err)
	s, err = newSegment(dir, 16, c, true)
	require.NoError(t, err)
	require.False(t, s.IsMaxed())
}

func TestSegmentTruncateAfter(t *testing.T) {
	dir, err := os.MkdirTemp("", "segment-truncate-test")
	require.NoError(t, err)
	defer os.Remove(dir)

	c := Config{}
	c.Segment.MaxStoreBytes = 4096
	c.Segment.MaxIndexBytes = 4096

	s, err := newSegment(dir, 1, c, true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Append(&wire.Entry{Term: 1, Payload: []byte("entry")})
		require.NoError(t, err)
	}
	// offsets 1..5 now exist; drop everything after 3
	require.NoError(t, s.TruncateAfter(3))
	require.Equal(t, uint64(4), s.nextOffset)

	_, err = s.Read(3)
	require.NoError(t, err)
	_, err = s.Read(4)
	require.Error(t, err)

	// appending after truncation continues from the truncated point
	idx, err := s.Append(&wire.Entry{Term: 2, Payload: []byte("new")})
	require.NoError(t, err)
	require.Equal(t, uint64(4), idx)
}
