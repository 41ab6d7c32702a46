package broadcast

import (
	"github.com/mrshabel/raftlog/internal/statemachine"
	"github.com/mrshabel/raftlog/internal/wire"
	"go.uber.org/zap"
)

// BufferedConsumer is the production Consumer a read replica hands to a
// Subscriber: delivered entries are queued and applied to an underlying
// state machine from a dedicated goroutine, so Deliver (called from the
// subscriber's read loop) never blocks on application work. Ready reports
// whether the queue has room, the signal Subscriber uses to pause the
// fan-out connection instead of buffering without bound.
type BufferedConsumer struct {
	sm      statemachine.StateMachine
	queue   chan *wire.Entry
	onReady func()
	logger  *zap.Logger
}

// NewBufferedConsumer starts a consumer applying entries to sm, queueing
// up to capacity entries ahead of application. onReady, if non-nil, is
// called after every applied entry frees a queue slot; a Subscriber
// typically wires its own Resume method here so backpressure clears
// itself once the state machine catches up.
func NewBufferedConsumer(sm statemachine.StateMachine, capacity int, onReady func()) *BufferedConsumer {
	if capacity <= 0 {
		capacity = 1
	}
	c := &BufferedConsumer{
		sm:      sm,
		queue:   make(chan *wire.Entry, capacity),
		onReady: onReady,
		logger:  zap.L().Named("broadcast.consumer"),
	}
	go c.run()
	return c
}

func (c *BufferedConsumer) run() {
	for e := range c.queue {
		if err := c.sm.Apply(e); err != nil {
			c.logger.Error("applying delivered entry failed", zap.Uint64("index", e.Index), zap.Error(err))
		}
		if c.onReady != nil {
			c.onReady()
		}
	}
}

// Ready reports whether the queue has room for another entry.
func (c *BufferedConsumer) Ready() bool {
	return len(c.queue) < cap(c.queue)
}

// Deliver queues e for application. The caller is expected to have
// checked Ready first; Deliver still blocks rather than drop a committed
// entry if the queue is momentarily full.
func (c *BufferedConsumer) Deliver(e *wire.Entry) {
	c.queue <- e
}

// LastApplied reports the highest index the underlying state machine has
// applied so far, which may lag Deliver by up to the queue's depth.
func (c *BufferedConsumer) LastApplied() uint64 {
	return c.sm.LastApplied()
}

// Close stops accepting new entries and lets the apply goroutine drain
// and exit once the queue empties.
func (c *BufferedConsumer) Close() {
	close(c.queue)
}
