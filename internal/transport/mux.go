// Package transport fans a single listening socket out into per-protocol
// listeners by peeking the one-byte multiplexing tag each client writes
// right after dialing, generalizing the tag convention the Raft stream
// layer already uses for its own peer-to-peer connections.
package transport

import (
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
)

// Tag values routed by Mux. RaftTag matches log.RaftRPC.
const (
	RaftTag      byte = 1
	ClusterRPCTag byte = 2
	BroadcastTag byte = 3
)

// chanListener adapts a channel of already-dialed connections into a
// net.Listener, so protocol-specific servers (raft.NetworkTransport,
// rpcserver.Server, broadcast.Publisher) can each Accept() from their own
// view of the shared socket.
type chanListener struct {
	addr    net.Addr
	conns   chan net.Conn
	closeCh chan struct{}
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{addr: addr, conns: make(chan net.Conn, 16), closeCh: make(chan struct{})}
}

func (c *chanListener) Accept() (net.Conn, error) {
	select {
	case conn, ok := <-c.conns:
		if !ok {
			return nil, io.EOF
		}
		return conn, nil
	case <-c.closeCh:
		return nil, io.EOF
	}
}

func (c *chanListener) Close() error {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
	return nil
}

func (c *chanListener) Addr() net.Addr { return c.addr }

// Mux demultiplexes one real listener into up to three virtual listeners,
// keyed by the first byte each client connection writes.
type Mux struct {
	ln     net.Listener
	raft   *chanListener
	rpc    *chanListener
	bcast  *chanListener
	logger *zap.Logger
}

// NewMux wraps ln, exposing RaftListener/RPCListener/BroadcastListener.
func NewMux(ln net.Listener) *Mux {
	return &Mux{
		ln:     ln,
		raft:   newChanListener(ln.Addr()),
		rpc:    newChanListener(ln.Addr()),
		bcast:  newChanListener(ln.Addr()),
		logger: zap.L().Named("transport"),
	}
}

func (m *Mux) RaftListener() net.Listener      { return m.raft }
func (m *Mux) RPCListener() net.Listener       { return m.rpc }
func (m *Mux) BroadcastListener() net.Listener { return m.bcast }

// Serve blocks accepting and routing connections until the underlying
// listener is closed.
func (m *Mux) Serve() error {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return err
		}
		go m.route(conn)
	}
}

func (m *Mux) route(conn net.Conn) {
	tag := make([]byte, 1)
	if _, err := io.ReadFull(conn, tag); err != nil {
		conn.Close()
		return
	}
	var dst *chanListener
	switch tag[0] {
	case RaftTag:
		dst = m.raft
	case ClusterRPCTag:
		dst = m.rpc
	case BroadcastTag:
		dst = m.bcast
	default:
		m.logger.Warn("rejected connection with unknown multiplex tag", zap.Uint8("tag", tag[0]))
		conn.Close()
		return
	}
	select {
	case dst.conns <- conn:
	case <-dst.closeCh:
		conn.Close()
	}
}

// Close shuts down the underlying listener and every virtual listener.
func (m *Mux) Close() error {
	err := m.ln.Close()
	m.raft.Close()
	m.rpc.Close()
	m.bcast.Close()
	if err != nil {
		return fmt.Errorf("transport: close listener: %w", err)
	}
	return nil
}
