package log

import (
	"os"
	"testing"

	"github.com/mrshabel/raftlog/internal/wireerr"
	"github.com/stretchr/testify/require"
)

var (
	write = []byte("hello world")
	width = uint64(len(write)) + recordPrefixWidth
)

func TestStoreAppendRead(t *testing.T) {
	f, err := os.CreateTemp("", "store_append_read_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	// create instance of store
	s, err := newStore(f)
	require.NoError(t, err)

	testAppend(t, s)
	testRead(t, s)
	testReadAt(t, s)

	// create new store from same file and verify reads
	s, err = newStore(f)
	require.NoError(t, err)
	testRead(t, s)
}

// helper test function to append records to the store
func testAppend(t *testing.T, s *store) {
	t.Helper()
	for i := uint64(1); i < 4; i++ {
		n, pos, err := s.Append(write)
		require.NoError(t, err)
		// verify that new position matches calculated position
		require.Equal(t, pos+n, width*i)
	}
}

// helper test function to read record from the store
func testRead(t *testing.T, s *store) {
	t.Helper()
	var pos uint64
	for i := uint64(1); i < 4; i++ {
		data, err := s.Read(pos)
		require.NoError(t, err)
		// verify if data read is accurate
		require.Equal(t, data, write)
		// update position for next test
		pos += width
	}
}

// helper test function to read record at an offset from the store
func testReadAt(t *testing.T, s *store) {
	t.Helper()

	for i, off := uint64(1), int64(0); i < 4; i++ {
		// read the fixed-width prefix (length + checksum)
		b := make([]byte, recordPrefixWidth)
		n, err := s.ReadAt(b, off)
		require.NoError(t, err)
		require.Equal(t, recordPrefixWidth, n)
		off += int64(n)

		// update size and rerun read operation
		size := enc.Uint64(b[:lenWidth])
		b = make([]byte, size)
		n, err = s.ReadAt(b, off)
		require.NoError(t, err)
		require.Equal(t, int(size), n)
		off += int64(n)
	}
}

func TestStoreClose(t *testing.T) {
	f, err := os.CreateTemp("", "store_close_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	// create new instance of store
	s, err := newStore(f)
	require.NoError(t, err)
	_, _, err = s.Append(write)
	require.NoError(t, err)

	// read file size before flushing data
	f, beforeSize, err := openFile(f.Name())
	require.NoError(t, err)

	err = s.Close()
	require.NoError(t, err)

	// read file size after flushing data
	_, afterSize, err := openFile(f.Name())
	require.NoError(t, err)
	require.True(t, afterSize > beforeSize)
}

func TestStoreCorruptRecord(t *testing.T) {
	f, err := os.CreateTemp("", "store_corrupt_record_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)
	_, pos, err := s.Append(write)
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	// flip a byte in the payload without touching the checksum
	_, err = f.WriteAt([]byte{'X'}, int64(pos+recordPrefixWidth))
	require.NoError(t, err)

	_, err = s.Read(pos)
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestStoreRecoverTailTruncatesPartialRecord(t *testing.T) {
	f, err := os.CreateTemp("", "store_recover_tail_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)
	_, _, err = s.Append(write)
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	// simulate a crash mid-write: append a truncated trailing record
	_, err = f.Write(make([]byte, recordPrefixWidth+4))
	require.NoError(t, err)

	s2, err := newStore(f)
	require.NoError(t, err)
	count, err := s2.recoverTail()
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, width, s2.size)

	data, err := s2.Read(0)
	require.NoError(t, err)
	require.Equal(t, write, data)
}

func TestStoreVerifyIntegrity(t *testing.T) {
	f, err := os.CreateTemp("", "store_verify_integrity_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)
	_, pos, err := s.Append(write)
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.verifyIntegrity())

	// corrupt the payload in place, as a closed interior segment would be
	// found if its file were damaged after the fact
	_, err = f.WriteAt([]byte{'X'}, int64(pos+recordPrefixWidth))
	require.NoError(t, err)

	s2, err := newStore(f)
	require.NoError(t, err)
	err = s2.verifyIntegrity()
	require.Error(t, err)
	require.Equal(t, wireerr.KindCorruptLog, err.(*wireerr.Error).Kind)
	// unlike recoverTail, verifyIntegrity never truncates the defect away
	require.Equal(t, width, s2.size)
}

func openFile(name string) (file *os.File, size int64, err error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	return f, fi.Size(), nil
}
