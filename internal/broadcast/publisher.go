package broadcast

import (
	"net"
	"sync"
	"time"

	"github.com/mrshabel/raftlog/internal/wire"
	"github.com/mrshabel/raftlog/internal/wireerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultHeartbeatInterval is how often every fan-out socket gets a
// heartbeat frame so idle subscribers can detect a dead connection.
const DefaultHeartbeatInterval = 500 * time.Millisecond

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Secret            []byte
	HeartbeatInterval time.Duration
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

// subscription is one connected fan-out client: a channel that, when
// closed, tells the write goroutine to stop.
type subscription struct {
	conn   net.Conn
	leave  chan struct{}
	closed bool
}

// Publisher is the leader-side half of the broadcast protocol. The agent
// starts one on every node and keeps it running across leadership
// changes; only its commit watcher decides when to Publish, and it does so
// only while this node is leader. Heartbeats go out on every node.
type Publisher struct {
	cfg    PublisherConfig
	logger *zap.Logger

	mu      sync.Mutex
	subs    map[net.Conn]*subscription
	term    uint32
	lastIdx uint64
	stopHB  chan struct{}
	hbDone  chan struct{}
}

// NewPublisher builds a Publisher. Call Serve to start accepting
// subscriber connections from a transport.Mux's broadcast listener.
func NewPublisher(cfg PublisherConfig) *Publisher {
	return &Publisher{
		cfg:    cfg.withDefaults(),
		logger: zap.L().Named("broadcast.publisher"),
		subs:   make(map[net.Conn]*subscription),
	}
}

// Serve accepts subscriber connections from ln, reading the secret each
// carries in its subscribe frame and registering it for fan-out, until
// ln is closed.
func (p *Publisher) Serve(ln net.Listener) error {
	p.startHeartbeat()
	defer p.stopHeartbeat()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go p.acceptSubscriber(conn)
	}
}

func (p *Publisher) acceptSubscriber(conn net.Conn) {
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	if !SecretsEqual(frame, p.cfg.Secret) {
		wire.WriteFrame(conn, []byte{byte(wireerr.StatusAuthFailure)})
		conn.Close()
		return
	}

	sub := &subscription{conn: conn, leave: make(chan struct{})}
	p.mu.Lock()
	p.subs[conn] = sub
	p.mu.Unlock()

	p.logger.Debug("subscriber joined", zap.String("addr", conn.RemoteAddr().String()))

	// block until the subscriber disconnects or Unsubscribe closes leave;
	// the connection's own read side is otherwise unused by subscribers.
	buf := make([]byte, 1)
	go func() {
		for {
			if _, err := conn.Read(buf); err != nil {
				p.removeSubscriber(conn)
				return
			}
		}
	}()
	<-sub.leave
}

// SecretsEqual does a length- and byte-wise comparison of two broadcast
// secrets, used both to authorize fan-out subscribers and cluster-identity
// checks on the publisher-discovery RPC.
func SecretsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p *Publisher) removeSubscriber(conn net.Conn) {
	p.mu.Lock()
	sub, ok := p.subs[conn]
	if ok {
		delete(p.subs, conn)
	}
	p.mu.Unlock()
	if ok && !sub.closed {
		sub.closed = true
		close(sub.leave)
	}
	conn.Close()
}

// Unsubscribe forcibly drops a subscriber, which then re-discovers the
// publisher through its own reconnect path. Nothing in the agent calls it.
func (p *Publisher) Unsubscribe(conn net.Conn) {
	p.removeSubscriber(conn)
}

func (p *Publisher) startHeartbeat() {
	p.stopHB = make(chan struct{})
	p.hbDone = make(chan struct{})
	go func() {
		defer close(p.hbDone)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopHB:
				return
			case <-ticker.C:
				p.mu.Lock()
				term, last := p.term, p.lastIdx
				p.mu.Unlock()
				p.broadcast(Message{Secret: p.cfg.Secret, Term: term, LastLogIndex: last})
			}
		}
	}()
}

func (p *Publisher) stopHeartbeat() {
	if p.stopHB != nil {
		close(p.stopHB)
		<-p.hbDone
	}
}

// Publish fans committed entries out to every subscriber. Called by the
// agent after each batch of entries commits while this node is leader.
func (p *Publisher) Publish(term uint32, lastLogIndex uint64, entries []*wire.Entry) {
	p.mu.Lock()
	p.term, p.lastIdx = term, lastLogIndex
	p.mu.Unlock()
	p.broadcast(Message{Secret: p.cfg.Secret, Term: term, LastLogIndex: lastLogIndex, Entries: entries})
}

// broadcast writes body to every subscriber concurrently, so one slow or
// wedged subscriber's socket write can't delay fan-out to the rest.
func (p *Publisher) broadcast(m Message) {
	body := encodeMessage(m)

	p.mu.Lock()
	targets := make([]*subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		targets = append(targets, sub)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, sub := range targets {
		sub := sub
		g.Go(func() error {
			if err := wire.WriteFrame(sub.conn, body); err != nil {
				p.logger.Debug("dropping unresponsive subscriber", zap.Error(err))
				p.removeSubscriber(sub.conn)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close disconnects every subscriber and stops the heartbeat.
func (p *Publisher) Close() {
	p.stopHeartbeat()
	p.mu.Lock()
	conns := make([]net.Conn, 0, len(p.subs))
	for conn := range p.subs {
		conns = append(conns, conn)
	}
	p.mu.Unlock()
	for _, conn := range conns {
		p.removeSubscriber(conn)
	}
}
