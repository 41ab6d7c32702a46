package broadcast

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/mrshabel/raftlog/internal/rpcclient"
	"github.com/mrshabel/raftlog/internal/wire"
	"github.com/mrshabel/raftlog/internal/wireerr"
	"go.uber.org/zap"
)

// State is one node of the subscriber state machine.
type State int

const (
	StateDisconnected State = iota
	StateDiscovering
	StateSubscribedFresh
	StateSubscribedStale
	StatePaused
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDiscovering:
		return "discovering"
	case StateSubscribedFresh:
		return "subscribed_fresh"
	case StateSubscribedStale:
		return "subscribed_stale"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind names a transition the subscriber reports to its caller.
type EventKind int

const (
	EventFresh EventKind = iota
	EventStale
	EventTimeout
)

// Event is emitted on state transitions the caller may care about: the
// subscriber catching up, falling behind, or going quiet.
type Event struct {
	Kind    EventKind
	GapSize uint64
}

// Consumer is the pull-based read side a subscriber delivers into: Ready
// reports whether the consumer can accept another entry right now, and
// Deliver hands over an entry once committed order is established.
type Consumer interface {
	Ready() bool
	Deliver(e *wire.Entry)
}

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Secret                  []byte
	Client                  *rpcclient.Client
	Consumer                Consumer
	OnEvent                 func(Event)
	HeartbeatInterval       time.Duration
	UnresponsivenessTimeout time.Duration
}

func (c SubscriberConfig) withDefaults() SubscriberConfig {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.UnresponsivenessTimeout == 0 {
		c.UnresponsivenessTimeout = maxDuration(2*c.HeartbeatInterval, 100*time.Millisecond)
	}
	return c
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// Subscriber is the client-side half of the broadcast protocol: it
// maintains a fan-out socket to the current leader, fills gaps through
// the cluster RPC client's streaming entries call, and forwards entries
// to Consumer in strict index order.
type Subscriber struct {
	cfg    SubscriberConfig
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	conn          net.Conn
	lastDelivered uint64
	ahead         map[uint64]Message
	paused        bool
	resumeCh      chan struct{}

	recoverCancel context.CancelFunc
	closeCh       chan struct{}
	closeOnce     sync.Once
}

// NewSubscriber builds a Subscriber. Call Run to drive its state machine;
// it blocks until Close is called or ctx is cancelled.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	return &Subscriber{
		cfg:      cfg.withDefaults(),
		logger:   zap.L().Named("broadcast.subscriber"),
		state:    StateDisconnected,
		ahead:    make(map[uint64]Message),
		closeCh:  make(chan struct{}),
		resumeCh: make(chan struct{}, 1),
	}
}

func (s *Subscriber) emit(ev Event) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(ev)
	}
}

func (s *Subscriber) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the subscriber until ctx is cancelled or Close is called,
// reconnecting through Discovering whenever the fan-out socket drops or
// goes unresponsive.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-s.closeCh:
			return nil
		default:
		}

		if err := s.discoverAndSubscribe(ctx); err != nil {
			s.logger.Debug("discovery failed, retrying", zap.Error(err))
			if sleepOrDone(ctx, s.closeCh, discoveryRetryDelay) {
				return nil
			}
			continue
		}

		s.readLoop(ctx)
	}
}

func sleepOrDone(ctx context.Context, closeCh chan struct{}, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-closeCh:
		return true
	case <-t.C:
		return false
	}
}

// discoverAndSubscribe implements the Discovering state: learn the
// publisher's address, dial the fan-out socket, and send the subscribe
// frame carrying the secret filter.
func (s *Subscriber) discoverAndSubscribe(ctx context.Context) error {
	s.setState(StateDiscovering)

	if _, _, err := s.cfg.Client.RequestConfig(ctx); err != nil {
		return err
	}
	addr, err := s.cfg.Client.RequestPublisherURL(ctx, s.cfg.Secret)
	if err != nil {
		return err
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if _, err := conn.Write([]byte{BroadcastDialTag}); err != nil {
		conn.Close()
		return err
	}
	if err := wire.WriteFrame(conn, s.cfg.Secret); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// discoveryRetryDelay bounds how quickly a failed discovery attempt is
// retried, separate from the cluster's configured RPC timeouts.
const discoveryRetryDelay = 200 * time.Millisecond

// BroadcastDialTag is the connection multiplexing tag a subscriber writes
// immediately after dialing the leader's broadcast listener, matching
// transport.BroadcastTag.
const BroadcastDialTag = 3

// readLoop consumes broadcast messages until the connection drops or goes
// unresponsive, implementing the subscribed-fresh / subscribed-stale
// transitions.
func (s *Subscriber) readLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	defer conn.Close()

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.UnresponsivenessTimeout))
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			s.emit(Event{Kind: EventTimeout})
			return
		}

		msg, err := decodeMessage(frame)
		if err != nil {
			s.logger.Debug("dropping malformed broadcast frame", zap.Error(err))
			continue
		}
		if !SecretsEqual(msg.Secret, s.cfg.Secret) {
			continue
		}

		s.handleMessage(ctx, msg)

		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused {
			s.waitForResume(ctx)
			// a consumer that unblocked backpressure may have freed room
			// for entries that were requeued into ahead mid-delivery.
			s.drainAhead(ctx)
		}
	}
}

// handleMessage implements the core gap-detection rule: a contiguous
// message is delivered immediately; a gap is queued into ahead and
// triggers a missing-entries recovery for the precise hole.
func (s *Subscriber) handleMessage(ctx context.Context, msg Message) {
	s.mu.Lock()
	last := s.lastDelivered
	s.mu.Unlock()

	gapFrom := msg.LastLogIndex - uint64(len(msg.Entries))
	if gapFrom <= last {
		s.deliverContiguous(msg)
		s.emit(Event{Kind: EventFresh})
		s.drainAhead(ctx)
		return
	}

	s.mu.Lock()
	s.ahead[msg.LastLogIndex] = msg
	s.mu.Unlock()
	gapSize := gapFrom - last
	s.emit(Event{Kind: EventStale, GapSize: gapSize})
	s.setState(StateSubscribedStale)
	s.recoverGap(ctx, last, gapFrom)
}

// deliverContiguous hands every entry of msg newer than lastDelivered to
// the consumer, in order. If the consumer stops reporting Ready partway
// through, the undelivered remainder is requeued into ahead (so drainAhead
// picks it back up) and the subscriber pauses rather than dropping or
// blocking the read loop.
func (s *Subscriber) deliverContiguous(msg Message) {
	s.mu.Lock()
	last := s.lastDelivered
	s.mu.Unlock()

	for i, e := range msg.Entries {
		if e.Index <= last {
			continue
		}
		if !s.cfg.Consumer.Ready() {
			remainder := msg
			remainder.Entries = msg.Entries[i:]
			s.mu.Lock()
			s.ahead[remainder.LastLogIndex] = remainder
			s.lastDelivered = last
			s.mu.Unlock()
			s.Pause()
			return
		}
		s.cfg.Consumer.Deliver(e)
		last = e.Index
	}
	if msg.LastLogIndex > last {
		last = msg.LastLogIndex
	}
	s.mu.Lock()
	s.lastDelivered = last
	s.mu.Unlock()
	s.setState(StateSubscribedFresh)
}

// recoverGap fills (from, to] via the cluster RPC client's streaming
// entries call, then drains any broadcast messages that queued up in
// ahead while recovery was in flight.
func (s *Subscriber) recoverGap(ctx context.Context, from, to uint64) {
	recoverCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.recoverCancel = cancel
	s.mu.Unlock()
	defer cancel()

	pausedForBackpressure := false
	err := s.cfg.Client.RequestEntriesStream(recoverCtx, from+1, 0, to-from, func(item rpcclient.EntriesItem) bool {
		if item.Status == byte(wireerr.StatusSnapshot) {
			// the gap predates the leader's retained log; closing it needs
			// a full snapshot install, which is outside what a broadcast
			// gap-recovery (entry replay) can do. Give up on this round;
			// the caller stays stale until the next gap retriggers
			// recovery or it resubscribes from scratch.
			s.logger.Debug("gap recovery needs a snapshot the subscriber can't install", zap.Uint64("last_included_index", item.Index))
			return false
		}
		if !s.cfg.Consumer.Ready() {
			s.logger.Debug("pausing gap recovery for backpressure")
			pausedForBackpressure = true
			s.Pause()
			return false
		}
		e, err := wire.Decode(item.Chunk)
		if err != nil {
			return false
		}
		s.cfg.Consumer.Deliver(e)
		s.mu.Lock()
		if e.Index > s.lastDelivered {
			s.lastDelivered = e.Index
		}
		s.mu.Unlock()
		return true
	})
	if err != nil {
		s.logger.Debug("missing-entries recovery failed", zap.Error(err))
		return
	}
	if pausedForBackpressure {
		// readLoop's own paused-check drains ahead once the consumer
		// reports Ready again; draining here would just re-pause.
		return
	}
	s.drainAhead(ctx)
}

// drainAhead replays queued broadcast messages in LastLogIndex order,
// recursing into recoverGap if draining exposes a further gap.
func (s *Subscriber) drainAhead(ctx context.Context) {
	for {
		s.mu.Lock()
		last := s.lastDelivered
		var next Message
		found := false
		for idx, msg := range s.ahead {
			gapFrom := msg.LastLogIndex - uint64(len(msg.Entries))
			if gapFrom <= last {
				next = msg
				found = true
				delete(s.ahead, idx)
				break
			}
		}
		s.mu.Unlock()
		if !found {
			return
		}
		s.deliverContiguous(next)
		s.emit(Event{Kind: EventFresh})
	}
}

// Pause stops the read loop from processing further frames until Resume
// is called, giving a slow consumer room to catch up. Any missing-entries
// recovery in flight is cancelled, not suspended.
func (s *Subscriber) Pause() {
	s.mu.Lock()
	s.paused = true
	cancel := s.recoverCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.setState(StatePaused)
}

// Resume reverses Pause: it clears the paused flag and wakes the read loop
// so it goes back to reading the fan-out socket. A missing-entries stream
// that Pause cancelled is not restarted here; the next broadcast message
// that still shows the gap starts a new recovery round.
func (s *Subscriber) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
}

func (s *Subscriber) waitForResume(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.closeCh:
	case <-s.resumeCh:
	}
}

// Close tears the subscriber down; its missing-entries recovery is
// cancelled and its ahead queue discarded.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		s.mu.Lock()
		if s.recoverCancel != nil {
			s.recoverCancel()
		}
		if s.conn != nil {
			s.conn.Close()
		}
		s.ahead = nil
		s.mu.Unlock()
		close(s.closeCh)
	})
}

// State reports the subscriber's current state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
