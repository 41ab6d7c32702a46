// Package rpcclient implements the cluster RPC client: it tracks a set of
// peers and a current leader opinion, and drives the five request types
// against whichever peer currently looks like the leader, retrying and
// redirecting as the cluster's opinion of its own leader changes.
package rpcclient

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/mrshabel/raftlog/internal/wire"
	"github.com/mrshabel/raftlog/internal/wireerr"
	"go.uber.org/zap"
)

// ClusterRPCByte is the connection multiplexing tag this client writes as
// the first byte of every dial, matching the tag the cluster RPC server
// listens for alongside Raft's own RaftRPC tag.
const ClusterRPCByte = 2

// Peer identifies one member of the cluster by its stable id and dial
// address.
type Peer struct {
	ID   string
	Addr string
}

// LogInfo is the response tuple of request_log_info.
type LogInfo struct {
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

// Config tunes retry/backoff behavior of the client.
type Config struct {
	RequestTimeout            time.Duration
	ServerElectionGraceDelay  time.Duration
	TLSConfig                 *tls.Config
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RequestTimeout == 0 {
		out.RequestTimeout = 5 * time.Second
	}
	if out.ServerElectionGraceDelay == 0 {
		out.ServerElectionGraceDelay = 200 * time.Millisecond
	}
	return out
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	peers    []Peer
	rrOffset int
	leaderID string
}

// New builds a client over the given peer set. Round-robin peer selection
// starts at a random offset chosen here, at construction, so that many
// clients starting simultaneously don't all hammer the same first peer.
func New(peers []Peer, cfg Config) *Client {
	c := &Client{
		cfg:    cfg.withDefaults(),
		logger: zap.L().Named("rpcclient"),
		peers:  append([]Peer(nil), peers...),
	}
	if len(c.peers) > 0 {
		c.rrOffset = rand.Intn(len(c.peers))
	}
	return c
}

// SetPeers replaces the known peer set, e.g. after request_config learns
// of cluster membership changes.
func (c *Client) SetPeers(peers []Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = append([]Peer(nil), peers...)
	if c.rrOffset >= len(c.peers) {
		c.rrOffset = 0
	}
}

func (c *Client) nextPeerLocked() (Peer, bool) {
	if len(c.peers) == 0 {
		return Peer{}, false
	}
	p := c.peers[c.rrOffset%len(c.peers)]
	c.rrOffset++
	return p, true
}

// currentTarget returns the peer believed to be leader, or the next
// round-robin peer if the leader is unknown.
func (c *Client) currentTarget() (Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderID != "" {
		for _, p := range c.peers {
			if p.ID == c.leaderID {
				return p, true
			}
		}
	}
	return c.nextPeerLocked()
}

func (c *Client) forgetLeader() {
	c.mu.Lock()
	c.leaderID = ""
	c.mu.Unlock()
}

func (c *Client) adoptLeader(id string, addr string) {
	c.mu.Lock()
	c.leaderID = id
	found := false
	for i, p := range c.peers {
		if p.ID == id {
			c.peers[i].Addr = addr
			found = true
		}
	}
	if !found && id != "" && addr != "" {
		c.peers = append(c.peers, Peer{ID: id, Addr: addr})
	}
	c.mu.Unlock()
}

// call dials peer, sends a single request frame tag|payload, and returns
// the response status byte and remaining payload.
func (c *Client) call(ctx context.Context, addr string, tag byte, payload []byte) (wireerr.Status, []byte, error) {
	deadline, ok := ctx.Deadline()
	timeout := c.cfg.RequestTimeout
	if ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{ClusterRPCByte}); err != nil {
		return 0, nil, err
	}
	if c.cfg.TLSConfig != nil {
		conn = tls.Client(conn, c.cfg.TLSConfig)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	req := make([]byte, 1+len(payload))
	req[0] = tag
	copy(req[1:], payload)
	if err := wire.WriteFrame(conn, req); err != nil {
		return 0, nil, err
	}

	resp, err := wire.ReadFrame(conn)
	if err != nil {
		return 0, nil, err
	}
	if len(resp) < 1 {
		return 0, nil, fmt.Errorf("rpcclient: empty response frame")
	}
	return wireerr.Status(resp[0]), resp[1:], nil
}

// retryLoop implements the peer-selection/retry state machine shared by
// every operation.
func (c *Client) retryLoop(ctx context.Context, tag byte, payload []byte) (wireerr.Status, []byte, error) {
	for {
		peer, ok := c.currentTarget()
		if !ok {
			return 0, nil, wireerr.NoLeader("no peers configured")
		}

		status, resp, err := c.call(ctx, peer.Addr, tag, payload)
		if err != nil {
			c.forgetLeader()
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			default:
			}
			continue
		}

		switch status {
		case wireerr.StatusOK, wireerr.StatusDuplicate, wireerr.StatusSnapshot:
			return status, resp, nil
		case wireerr.StatusNotLeader:
			if len(resp) > 0 {
				id, addr, ok := decodeRedirect(resp)
				if ok {
					c.adoptLeader(id, addr)
					continue
				}
			}
			c.forgetLeader()
			if err := sleep(ctx, c.cfg.ServerElectionGraceDelay); err != nil {
				return 0, nil, err
			}
			continue
		case wireerr.StatusNoLeader:
			c.forgetLeader()
			if err := sleep(ctx, c.cfg.ServerElectionGraceDelay); err != nil {
				return 0, nil, err
			}
			continue
		case wireerr.StatusTimeout:
			continue
		case wireerr.StatusOutOfOrder:
			return status, resp, wireerr.OutOfOrder("server response out of order")
		case wireerr.StatusAuthFailure:
			return status, resp, wireerr.AuthFailure("rejected by peer")
		case wireerr.StatusCorruptLog:
			return status, resp, wireerr.CorruptLog("peer reports corrupt log")
		case wireerr.StatusInvalidArgument:
			return status, resp, wireerr.InvalidArgument("invalid request")
		default:
			return status, resp, fmt.Errorf("rpcclient: unknown status %d", status)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// decodeRedirect parses a `[leader_id_len|leader_id|leader_addr_len|leader_addr]` payload.
func decodeRedirect(b []byte) (id, addr string, ok bool) {
	if len(b) < 2 {
		return "", "", false
	}
	idLen := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+idLen+2 {
		return "", "", false
	}
	id = string(b[2 : 2+idLen])
	rest := b[2+idLen:]
	addrLen := int(binary.BigEndian.Uint16(rest[0:2]))
	if len(rest) < 2+addrLen {
		return "", "", false
	}
	addr = string(rest[2 : 2+addrLen])
	return id, addr, true
}

// RequestConfig retrieves the current peer list and leader id from any
// peer.
func (c *Client) RequestConfig(ctx context.Context) ([]Peer, string, error) {
	_, resp, err := c.retryLoop(ctx, wire.TagRequestConfig, nil)
	if err != nil {
		return nil, "", err
	}
	peers, leaderID, err := decodeConfig(resp)
	if err != nil {
		return nil, "", err
	}
	c.SetPeers(peers)
	return peers, leaderID, nil
}

func decodeConfig(b []byte) ([]Peer, string, error) {
	if len(b) < 2 {
		return nil, "", fmt.Errorf("rpcclient: short config response")
	}
	count := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	peers := make([]Peer, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < 4 {
			return nil, "", fmt.Errorf("rpcclient: truncated config response")
		}
		idLen := int(binary.BigEndian.Uint16(b[0:2]))
		b = b[2:]
		if len(b) < idLen+2 {
			return nil, "", fmt.Errorf("rpcclient: truncated config peer id")
		}
		id := string(b[:idLen])
		b = b[idLen:]
		addrLen := int(binary.BigEndian.Uint16(b[0:2]))
		b = b[2:]
		if len(b) < addrLen {
			return nil, "", fmt.Errorf("rpcclient: truncated config peer addr")
		}
		addr := string(b[:addrLen])
		b = b[addrLen:]
		peers = append(peers, Peer{ID: id, Addr: addr})
	}
	if len(b) < 2 {
		return peers, "", nil
	}
	leaderLen := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	leaderID := ""
	if len(b) >= leaderLen {
		leaderID = string(b[:leaderLen])
	}
	return peers, leaderID, nil
}

// RequestPublisherURL resolves the current leader's broadcast bind address
// via the "*" RPC, used by a subscriber that only has peer RPC
// connectivity to the cluster.
func (c *Client) RequestPublisherURL(ctx context.Context, secret []byte) (string, error) {
	_, resp, err := c.retryLoop(ctx, wire.TagRequestPublisherURL, secret)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// RequestLogInfo retrieves the leader's (or, with anyPeer, any peer's) log
// info tuple.
func (c *Client) RequestLogInfo(ctx context.Context, anyPeer bool) (LogInfo, error) {
	payload := []byte{0}
	if anyPeer {
		payload[0] = 1
	}
	_, resp, err := c.retryLoop(ctx, wire.TagRequestLogInfo, payload)
	if err != nil {
		return LogInfo{}, err
	}
	return decodeLogInfo(resp)
}

func decodeLogInfo(b []byte) (LogInfo, error) {
	const fixed = 1 + 2 + 8*7
	if len(b) < 3 {
		return LogInfo{}, fmt.Errorf("rpcclient: short log-info response")
	}
	info := LogInfo{IsLeader: b[0] != 0}
	leaderLen := int(binary.BigEndian.Uint16(b[1:3]))
	b = b[3:]
	if len(b) < leaderLen {
		return LogInfo{}, fmt.Errorf("rpcclient: truncated log-info leader id")
	}
	info.LeaderID = string(b[:leaderLen])
	b = b[leaderLen:]
	if len(b) < fixed-3 {
		return LogInfo{}, fmt.Errorf("rpcclient: truncated log-info counters")
	}
	fields := []*uint64{
		&info.CurrentTerm, &info.FirstIndex, &info.LastApplied,
		&info.CommitIndex, &info.LastIndex, &info.PruneIndex, &info.SnapshotSize,
	}
	for _, f := range fields {
		*f = binary.BigEndian.Uint64(b[:8])
		b = b[8:]
	}
	return info, nil
}

// RequestUpdate submits a request-id/payload pair to the leader and
// returns the commit index it was assigned. A duplicate of a previously
// committed request-id returns that same index.
func (c *Client) RequestUpdate(ctx context.Context, id wire.RequestID, payload []byte) (uint64, bool, error) {
	req := make([]byte, wire.RequestIDSize+len(payload))
	copy(req, id[:])
	copy(req[wire.RequestIDSize:], payload)

	status, resp, err := c.retryLoop(ctx, wire.TagRequestUpdate, req)
	if err != nil {
		return 0, false, err
	}
	if len(resp) < 8 {
		return 0, false, fmt.Errorf("rpcclient: short update response")
	}
	return binary.BigEndian.Uint64(resp[:8]), status == wireerr.StatusDuplicate, nil
}

// EntriesItem is one item of a request_entries_stream response. For a
// StatusOK item, Chunk is a single log entry still in its wire-encoded
// form (decode with wire.Decode). For a StatusSnapshot item, Chunk is a
// slice of the installed snapshot's raw body starting at ByteOffset, and
// IsLastChunk marks the final piece of the transfer.
type EntriesItem struct {
	Status      byte
	Index       uint64
	Chunk       []byte
	ByteOffset  uint64
	ByteSize    uint64
	IsLastChunk bool
}

// RequestEntriesStream streams entries starting at fromIndex, calling cb
// for each item until it returns false, the stream ends, or an OutOfOrder
// response arrives telling the caller to restart from its current
// position.
func (c *Client) RequestEntriesStream(ctx context.Context, fromIndex, byteBudget, countLimit uint64, cb func(EntriesItem) bool) error {
	req := make([]byte, 24)
	binary.BigEndian.PutUint64(req[0:8], fromIndex)
	binary.BigEndian.PutUint64(req[8:16], byteBudget)
	binary.BigEndian.PutUint64(req[16:24], countLimit)

	for {
		peer, ok := c.currentTarget()
		if !ok {
			return wireerr.NoLeader("no peers configured")
		}
		err := c.streamFrom(ctx, peer.Addr, req, cb)
		if err == nil {
			return nil
		}
		if wireerr.IsKind(err, wireerr.KindOutOfOrder) {
			// the caller restarts from its own current position
			return err
		}
		c.forgetLeader()
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (c *Client) streamFrom(ctx context.Context, addr string, req []byte, cb func(EntriesItem) bool) error {
	dialer := &net.Dialer{Timeout: c.cfg.RequestTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{ClusterRPCByte}); err != nil {
		return err
	}
	var rw net.Conn = conn
	if c.cfg.TLSConfig != nil {
		rw = tls.Client(conn, c.cfg.TLSConfig)
	}

	body := make([]byte, 1+len(req))
	body[0] = wire.TagRequestEntries
	copy(body[1:], req)
	if err := wire.WriteFrame(rw, body); err != nil {
		return err
	}

	for {
		frame, err := wire.ReadFrame(rw)
		if err != nil {
			return err
		}
		if len(frame) < 1 {
			return fmt.Errorf("rpcclient: empty entries frame")
		}
		status := wireerr.Status(frame[0])
		if status == wireerr.StatusOutOfOrder {
			return wireerr.OutOfOrder("server signalled out-of-order restart")
		}
		if status == wireerr.StatusAuthFailure {
			return wireerr.AuthFailure("rejected by peer")
		}
		rest := frame[1:]
		if status == wireerr.StatusSnapshot {
			if len(rest) == 0 {
				// the requested range predates the peer's retained log and
				// it has no snapshot to account for the gap either.
				return wireerr.MissingEntries("requested range requires a snapshot transfer")
			}
			chunk, err := wire.DecodeChunk(rest)
			if err != nil {
				return fmt.Errorf("rpcclient: decoding snapshot chunk: %w", err)
			}
			item := EntriesItem{
				Status:      byte(status),
				Index:       chunk.LogIndex,
				Chunk:       chunk.Payload,
				ByteOffset:  chunk.ByteOffset,
				ByteSize:    chunk.ByteSize,
				IsLastChunk: chunk.IsLastChunk,
			}
			if !cb(item) {
				return nil
			}
			continue
		}
		if len(rest) == 0 {
			return nil // clean end of stream
		}
		if len(rest) < 16 {
			return fmt.Errorf("rpcclient: truncated entries item")
		}
		chunkLen := binary.BigEndian.Uint64(rest[8:16])
		if uint64(len(rest)-16) < chunkLen {
			return fmt.Errorf("rpcclient: truncated entries chunk")
		}
		item := EntriesItem{
			Status: byte(status),
			Index:  binary.BigEndian.Uint64(rest[0:8]),
			Chunk:  rest[16 : 16+chunkLen],
		}
		if !cb(item) {
			return nil
		}
	}
}
