package log

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/mrshabel/raftlog/internal/wire"
	"github.com/mrshabel/raftlog/internal/wireerr"
)

type DistributedLog struct {
	config Config
	log    *Log
	raft   *raft.Raft
}

// AppendResponse is returned by DistributedLog.Append's underlying raft
// apply; Duplicate reports that the request id had already been committed
// and the index is the one assigned the first time around (invariant I4).
type AppendResponse struct {
	Index     uint64
	Duplicate bool
}

// fsm is the finite-state machine that is responsible for handling all business logic for the internal log.
type fsm struct {
	log *Log
	cfg Config

	mu    sync.Mutex
	dedup map[wire.RequestID]uint64
}

// NewDistributedLog sets up a new instance of a distributed log which achieves consensus with raft
func NewDistributedLog(dataDir string, config Config) (*DistributedLog, error) {
	l := &DistributedLog{config: config}

	// setup log and raft server
	if err := l.setupLog(dataDir); err != nil {
		return nil, err
	}
	if err := l.setupRaft(dataDir); err != nil {
		return nil, err
	}

	return l, nil
}

// setupLog creates a log for this server
func (l *DistributedLog) setupLog(dataDir string) error {
	// create log directory with necessary permissions
	logDir := filepath.Join(dataDir, "log")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	// setup internal log
	var err error
	l.log, err = NewLog(logDir, l.config)
	return err
}

func (l *DistributedLog) setupRaft(dataDir string) error {
	// setup finite-state machine
	fsm := &fsm{log: l.log, cfg: l.config, dedup: make(map[wire.RequestID]uint64)}

	logDir := filepath.Join(dataDir, "raft", "log")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	// setup internal log with offset of 1
	logConfig := l.config
	logConfig.Segment.InitialOffset = 1
	logStore, err := newLogStore(logDir, logConfig)
	if err != nil {
		return err
	}

	// setup stable store to keep cluster configuration and metadata
	storePath := filepath.Join(dataDir, "raft", "stable")
	stableStore, err := raftboltdb.NewBoltStore(storePath)
	if err != nil {
		return err
	}

	// setup snapshot store to hold snapshotted data. this will include everything in the raft data directory
	snapshotPath := filepath.Join(dataDir, "raft")
	maxSnapshotRetained := 1
	snapshotStore, err := raft.NewFileSnapshotStore(snapshotPath, maxSnapshotRetained, os.Stderr)
	if err != nil {
		return err
	}

	// setup transport for peer communication
	maxPool := 5
	timeout := 10 * time.Second
	transport := raft.NewNetworkTransport(
		*l.config.Raft.StreamLayer, maxPool, timeout, os.Stderr,
	)

	// setup raft configuration
	config := raft.DefaultConfig()
	// assign unique mandatory node ID to the server
	config.LocalID = l.config.Raft.LocalID
	if l.config.Raft.HeartbeatTimeout != 0 {
		config.HeartbeatTimeout = l.config.Raft.HeartbeatTimeout
	}
	if l.config.Raft.ElectionTimeout != 0 {
		config.ElectionTimeout = l.config.Raft.ElectionTimeout
	}
	if l.config.Raft.LeaderLeaseTimeout != 0 {
		config.LeaderLeaseTimeout = l.config.Raft.LeaderLeaseTimeout
	}
	if l.config.Raft.CommitTimeout != 0 {
		config.CommitTimeout = l.config.Raft.CommitTimeout
	}

	// create raft instance
	l.raft, err = raft.NewRaft(config, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return err
	}
	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if l.config.Raft.Bootstrap && !hasState {
		config := raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		}
		err = l.raft.BootstrapCluster(config).Error()
	}
	return err
}

// Close shuts Raft down gracefully and closes the underlying log.
func (l *DistributedLog) Close() error {
	if err := l.raft.Shutdown().Error(); err != nil {
		return err
	}
	return l.log.Close()
}

// Append submits e to the raft leader and waits for it to commit, returning
// the index it was assigned. A replay of a previously committed request id
// returns that same index without re-appending (invariant I4).
func (l *DistributedLog) Append(e *wire.Entry) (uint64, error) {
	res, err := l.AppendEntry(e)
	if err != nil {
		return 0, err
	}
	return res.Index, nil
}

// AppendEntry is the full-fidelity counterpart of Append: it also reports
// whether e's request id had already been committed (invariant I4),
// information the cluster RPC server's request-update handler needs to
// pick the right response status.
func (l *DistributedLog) AppendEntry(e *wire.Entry) (AppendResponse, error) {
	res, err := l.apply(AppendRequestType, wire.Encode(e))
	if err != nil {
		return AppendResponse{}, err
	}
	return *res.(*AppendResponse), nil
}

// apply wraps Raft's Apply API and is used to inform the fsm to append an
// encoded entry to the log
func (l *DistributedLog) apply(reqType RequestType, payload []byte) (interface{}, error) {
	var buf bytes.Buffer
	if err := buf.WriteByte(byte(reqType)); err != nil {
		return nil, err
	}
	if _, err := buf.Write(payload); err != nil {
		return nil, err
	}

	// apply command to raft fsm. this replicates the entry and appends it to the leader's log
	timeout := 10 * time.Second
	future := l.raft.Apply(buf.Bytes(), timeout)
	// check for raft errors, (timeouts...)
	if future.Error() != nil {
		return nil, future.Error()
	}
	// get response
	res := future.Response()
	// check if a service error was returned in the process
	if err, ok := res.(error); ok {
		return nil, err
	}

	return res, nil
}

// Read reads an entry for the given index from the server's log. This uses
// a "relaxed consistency" since reads do not go through raft here
func (l *DistributedLog) Read(index uint64) (*wire.Entry, error) {
	return l.log.Read(index)
}

// ReadRange streams committed entries [from, to] straight from the
// underlying log; used by the cluster RPC server's request-entries
// handler.
func (l *DistributedLog) ReadRange(from, to, byteBudget uint64, cb func(*wire.Entry) bool) (uint64, error) {
	return l.log.ReadRange(from, to, byteBudget, cb)
}

// FirstIndex returns the lowest retained log index.
func (l *DistributedLog) FirstIndex() (uint64, error) {
	return l.log.LowestOffset()
}

// LastIndex returns the highest retained log index.
func (l *DistributedLog) LastIndex() (uint64, error) {
	return l.log.HighestOffset()
}

// IsLeader reports whether this node currently believes itself leader.
func (l *DistributedLog) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// Leader returns the current leader's id and address, if known.
func (l *DistributedLog) Leader() (id string, addr string) {
	a, i := l.raft.LeaderWithID()
	return string(i), string(a)
}

// Peer is one member of the cluster as known to the Raft configuration
// log, the sole authority on membership — contrasted with the best-effort
// gossip layer used only for address discovery.
type Peer struct {
	ID   string
	Addr string
}

// Join adds id/addr as a voter in the Raft configuration log, the sole
// membership authority. A no-op if the server is already a voter at that
// address.
func (l *DistributedLog) Join(id, addr string) error {
	configFuture := l.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return err
	}
	serverID := raft.ServerID(id)
	serverAddr := raft.ServerAddress(addr)
	for _, srv := range configFuture.Configuration().Servers {
		if srv.ID == serverID && srv.Address == serverAddr {
			return nil
		}
		if srv.ID == serverID || srv.Address == serverAddr {
			if err := l.raft.RemoveServer(srv.ID, 0, 0).Error(); err != nil {
				return err
			}
		}
	}
	return l.raft.AddVoter(serverID, serverAddr, 0, 0).Error()
}

// Leave removes id from the Raft configuration log.
func (l *DistributedLog) Leave(id string) error {
	return l.raft.RemoveServer(raft.ServerID(id), 0, 0).Error()
}

// WaitForLeader blocks until a leader is known or timeout elapses.
func (l *DistributedLog) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, id := l.raft.LeaderWithID(); id != "" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("distributed log: timed out waiting for leader")
		}
		<-ticker.C
	}
}

// Peers returns the current Raft cluster configuration.
func (l *DistributedLog) Peers() ([]Peer, error) {
	future := l.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	var peers []Peer
	for _, srv := range future.Configuration().Servers {
		peers = append(peers, Peer{ID: string(srv.ID), Addr: string(srv.Address)})
	}
	return peers, nil
}

// Info is the log-info tuple surfaced by the request_log_info RPC.
type Info struct {
	IsLeader     bool
	LeaderID     string
	CurrentTerm  uint64
	FirstIndex   uint64
	LastApplied  uint64
	CommitIndex  uint64
	LastIndex    uint64
	PruneIndex   uint64
	SnapshotSize uint64
}

// GetInfo gathers the current log-info tuple. snapshotSize is supplied by the
// caller since the distributed log has no opinion on where snapshot files
// live on disk — the agent wires that in.
func (l *DistributedLog) GetInfo(snapshotSize uint64) Info {
	_, leaderID := l.raft.LeaderWithID()
	first, _ := l.FirstIndex()
	last, _ := l.LastIndex()

	term := uint64(0)
	if stats := l.raft.Stats(); stats != nil {
		fmt.Sscanf(stats["term"], "%d", &term)
	}

	return Info{
		IsLeader:     l.IsLeader(),
		LeaderID:     string(leaderID),
		CurrentTerm:  term,
		FirstIndex:   first,
		LastApplied:  l.raft.AppliedIndex(),
		CommitIndex:  l.raft.CommitIndex(),
		LastIndex:    last,
		PruneIndex:   first,
		SnapshotSize: snapshotSize,
	}
}

// enfore raft.FSM behavior on the internal fsm defined
var _ raft.FSM = (*fsm)(nil)

// request types for the distributed log service
type RequestType uint8

const (
	AppendRequestType RequestType = iota
)

// Apply is invoked internally by raft after a log entry is committed
func (f *fsm) Apply(record *raft.Log) interface{} {
	// extract the data from the raft log
	buf := record.Data

	// get the request type
	reqType := RequestType(buf[0])
	switch reqType {
	// handle append requests
	case AppendRequestType:
		return f.applyAppend(buf[1:])
	}
	return nil
}

func (f *fsm) applyAppend(b []byte) interface{} {
	e, err := wire.Decode(b)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if idx, ok := f.dedup[e.RequestID]; ok {
		f.mu.Unlock()
		return &AppendResponse{Index: idx, Duplicate: true}
	}
	f.mu.Unlock()

	now := time.Now()
	if !e.RequestID.IsZero() && e.RequestID.Expired(now, f.cfg.Dedup.FreshnessWindow) && !f.cfg.Dedup.ReappendOnExpiry {
		return wireerr.InvalidArgument("request id past dedup freshness window")
	}

	idx, err := f.log.Append(e)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.dedup[e.RequestID] = idx
	f.pruneDedupLocked(now)
	f.mu.Unlock()

	return &AppendResponse{Index: idx}
}

// pruneDedupLocked drops request ids that have aged out of the freshness
// window; f.mu must be held.
func (f *fsm) pruneDedupLocked(now time.Time) {
	for id := range f.dedup {
		if id.Expired(now, f.cfg.Dedup.FreshnessWindow) {
			delete(f.dedup, id)
		}
	}
}

// snapshotting
type snapshot struct {
	reader io.Reader
}

var _ raft.FSMSnapshot = (*snapshot)(nil)

// Snapshot creates and returns a point-in-time snapshot of the FSM state
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	// get entire log state
	r := f.log.Reader()
	return &snapshot{reader: r}, nil
}

// Persist writes the FSM state to the underlying sink, a file in this case
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	// write snapshotted data from log to the raft sink
	if _, err := io.Copy(sink, s.reader); err != nil {
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}

// Restore restores an FSM from a snapshot
func (f *fsm) Restore(r io.ReadCloser) error {
	prefix := make([]byte, recordPrefixWidth)
	var buf bytes.Buffer
	for i := 0; ; i++ {
		_, err := io.ReadFull(r, prefix)
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}

		size := int64(enc.Uint64(prefix[:lenWidth]))
		if _, err = io.CopyN(&buf, r, size); err != nil {
			return err
		}
		e, err := wire.Decode(buf.Bytes())
		if err != nil {
			return err
		}

		// use the first restored entry's index as the initial offset
		if i == 0 {
			f.log.Config.Segment.InitialOffset = e.Index
			if err := f.log.Reset(); err != nil {
				return err
			}
		}
		if _, err = f.log.Append(e); err != nil {
			return err
		}
		buf.Reset()
	}
	return nil
}

// log store
type logStore struct {
	*Log
}

var _ raft.LogStore = (*logStore)(nil)

func newLogStore(dir string, cfg Config) (*logStore, error) {
	log, err := NewLog(dir, cfg)
	if err != nil {
		return nil, err
	}
	return &logStore{log}, nil
}

func (l *logStore) FirstIndex() (uint64, error) {
	return l.LowestOffset()
}

func (l *logStore) LastIndex() (uint64, error) {
	return l.HighestOffset()
}

// GetLog retrieves an entry at a given index, translated into raft's own
// log record shape
func (l *logStore) GetLog(index uint64, out *raft.Log) error {
	in, err := l.Read(index)
	if err != nil {
		return err
	}
	out.Data = in.Payload
	out.Index = in.Index
	out.Type = raft.LogType(in.Type)
	out.Term = uint64(in.Term)
	return nil
}

func (l *logStore) StoreLog(record *raft.Log) error {
	return l.StoreLogs([]*raft.Log{record})
}

func (l *logStore) StoreLogs(records []*raft.Log) error {
	for _, record := range records {
		if _, err := l.Log.Append(&wire.Entry{
			Term:    uint32(record.Term),
			Type:    wire.EntryType(record.Type),
			Payload: record.Data,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Delete old records
func (l *logStore) DeleteRange(min, max uint64) error {
	return l.Truncate(max)
}

// stream layer

// StreamLayer is an abstraction to connect with Raft servers through an encrypted channel
type StreamLayer struct {
	ln              net.Listener
	serverTLSConfig *tls.Config
	peerTLSConfig   *tls.Config
}

var _ raft.StreamLayer = (*StreamLayer)(nil)

func NewStreamLayer(ln net.Listener, serverTLSConfig, peerTLSConfig *tls.Config) *StreamLayer {
	return &StreamLayer{
		ln: ln, serverTLSConfig: serverTLSConfig, peerTLSConfig: peerTLSConfig,
	}
}

// connection multiplexing tags: the first byte written on a new TCP
// connection tells the listener which protocol is speaking on it so raft
// traffic, cluster RPC, and broadcast fan-out can share one port.
const (
	RaftRPC        = 1
	ClusterRPCByte = 2
	BroadcastByte  = 3
)

// Dial makes outgoing connections to other servers in the Raft cluster
func (s *StreamLayer) Dial(addr raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	var conn, err = dialer.Dial("tcp", string(addr))
	if err != nil {
		return nil, err
	}

	// write a single byte on connection as a way of identifying multiplexed requests
	if _, err = conn.Write([]byte{byte(RaftRPC)}); err != nil {
		return nil, err
	}

	// setup peer tls on connection if provided
	if s.peerTLSConfig != nil {
		conn = tls.Client(conn, s.peerTLSConfig)
	}
	return conn, err
}

// Accept is simply an implementation on the net.Listener interface that
// indicates what to do when a request is received. s.ln is expected to be
// a transport.Mux's raft-tagged virtual listener, which has already
// stripped and validated the multiplexing tag byte.
func (s *StreamLayer) Accept() (net.Conn, error) {
	conn, err := s.ln.Accept()
	if err != nil {
		return nil, err
	}

	// setup tls
	if s.serverTLSConfig != nil {
		return tls.Server(conn, s.serverTLSConfig), nil
	}
	return conn, nil
}

func (s *StreamLayer) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *StreamLayer) Close() error {
	return s.ln.Close()
}
