package rpcserver

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/mrshabel/raftlog/internal/log"
	"github.com/mrshabel/raftlog/internal/snapshot"
	"github.com/mrshabel/raftlog/internal/wire"
	"github.com/mrshabel/raftlog/internal/wireerr"
	"github.com/stretchr/testify/require"
)

// fakeLog is a minimal stand-in for *log.DistributedLog exercising only
// what DistributedLog needs.
type fakeLog struct {
	entries              map[uint64]*wire.Entry
	info                 log.Info
	leaderID, leaderAddr string
}

func (f *fakeLog) Read(index uint64) (*wire.Entry, error) {
	e, ok := f.entries[index]
	if !ok {
		return nil, log.ErrOffsetOutOfRange{Offset: index}
	}
	return e, nil
}

func (f *fakeLog) ReadRange(from, to, byteBudget uint64, cb func(*wire.Entry) bool) (uint64, error) {
	var last uint64
	for i := from; i <= to; i++ {
		e, ok := f.entries[i]
		if !ok {
			continue
		}
		if !cb(e) {
			break
		}
		last = i
	}
	return last, nil
}

func (f *fakeLog) AppendEntry(e *wire.Entry) (log.AppendResponse, error) {
	return log.AppendResponse{}, nil
}

func (f *fakeLog) Peers() ([]log.Peer, error) { return nil, nil }

func (f *fakeLog) Leader() (string, string) { return f.leaderID, f.leaderAddr }

func (f *fakeLog) GetInfo(snapshotSize uint64) log.Info { return f.info }

// servePipe starts srv's connection handler on one end of an in-memory
// pipe and returns the other end for the test to drive directly.
func servePipe(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go srv.handleConn(server)
	t.Cleanup(func() { client.Close() })
	return client
}

func sendRequest(t *testing.T, conn net.Conn, tag byte, payload []byte) {
	t.Helper()
	req := append([]byte{tag}, payload...)
	require.NoError(t, wire.WriteFrame(conn, req))
}

func readResponse(t *testing.T, conn net.Conn) (wireerr.Status, []byte) {
	t.Helper()
	frame, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.NotEmpty(t, frame)
	return wireerr.Status(frame[0]), frame[1:]
}

func TestHandleRequestPublisherURLRejectsWrongSecret(t *testing.T) {
	secret := []byte("cluster-secret")
	srv := New(Config{
		Log:    &fakeLog{leaderID: "n0", leaderAddr: "127.0.0.1:1234"},
		Secret: secret,
	})
	conn := servePipe(t, srv)

	sendRequest(t, conn, wire.TagRequestPublisherURL, []byte("wrong"))
	status, _ := readResponse(t, conn)
	require.Equal(t, wireerr.StatusAuthFailure, status)
}

func TestHandleRequestPublisherURLAcceptsCorrectSecret(t *testing.T) {
	secret := []byte("cluster-secret")
	srv := New(Config{
		Log:    &fakeLog{leaderID: "n0", leaderAddr: "127.0.0.1:1234"},
		Secret: secret,
	})
	conn := servePipe(t, srv)

	sendRequest(t, conn, wire.TagRequestPublisherURL, secret)
	status, resp := readResponse(t, conn)
	require.Equal(t, wireerr.StatusOK, status)
	require.Equal(t, "127.0.0.1:1234", string(resp))
}

func TestHandleRequestEntriesStreamsSnapshotThenTail(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "snap")
	body := []byte("compacted state")
	w, err := snapshot.NewWriter(snapPath, 5, 1, uint64(len(body)))
	require.NoError(t, err)
	_, err = w.Write(body)
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	fl := &fakeLog{
		entries: map[uint64]*wire.Entry{
			6: {Index: 6, Term: 1, Payload: []byte("six")},
		},
		info: log.Info{IsLeader: true, FirstIndex: 6, LastIndex: 6},
	}
	srv := New(Config{
		Log:          fl,
		SnapshotPath: func() string { return snapPath },
	})
	conn := servePipe(t, srv)

	// fromIndex=0 predates fl.info.FirstIndex=6, forcing the snapshot path
	payload := make([]byte, 24)
	sendRequest(t, conn, wire.TagRequestEntries, payload)

	status, resp := readResponse(t, conn)
	require.Equal(t, wireerr.StatusSnapshot, status)
	chunk, err := wire.DecodeChunk(resp)
	require.NoError(t, err)
	require.Equal(t, uint64(5), chunk.LogIndex)
	require.True(t, chunk.IsLastChunk)
	require.Equal(t, body, chunk.Payload)

	// the tail entry at index 6 follows the snapshot transfer
	status, resp = readResponse(t, conn)
	require.Equal(t, wireerr.StatusOK, status)
	require.Len(t, resp, 16+len(wire.Encode(fl.entries[6])))

	// terminated by an empty StatusOK frame
	status, resp = readResponse(t, conn)
	require.Equal(t, wireerr.StatusOK, status)
	require.Empty(t, resp)
}

func TestHandleRequestEntriesNoSnapshotIsUnavailable(t *testing.T) {
	fl := &fakeLog{
		info: log.Info{IsLeader: true, FirstIndex: 6, LastIndex: 6},
	}
	srv := New(Config{Log: fl, SnapshotPath: func() string { return "" }})
	conn := servePipe(t, srv)

	payload := make([]byte, 24)
	sendRequest(t, conn, wire.TagRequestEntries, payload)
	status, _ := readResponse(t, conn)
	require.Equal(t, wireerr.StatusTimeout, status)
}
