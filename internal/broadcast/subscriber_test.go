package broadcast

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/mrshabel/raftlog/internal/rpcclient"
	"github.com/mrshabel/raftlog/internal/wire"
	"github.com/mrshabel/raftlog/internal/wireerr"
	"github.com/stretchr/testify/require"
)

// recordingConsumer is a test double standing in for a real Consumer: it
// records delivered entries in order and its Ready return can be flipped
// by the test to simulate a bounded downstream buffer filling up.
type recordingConsumer struct {
	mu        sync.Mutex
	delivered []*wire.Entry
	ready     bool
}

func newRecordingConsumer(ready bool) *recordingConsumer {
	return &recordingConsumer{ready: ready}
}

func (c *recordingConsumer) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *recordingConsumer) setReady(v bool) {
	c.mu.Lock()
	c.ready = v
	c.mu.Unlock()
}

func (c *recordingConsumer) Deliver(e *wire.Entry) {
	c.mu.Lock()
	c.delivered = append(c.delivered, e)
	c.mu.Unlock()
}

func (c *recordingConsumer) indices() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.delivered))
	for i, e := range c.delivered {
		out[i] = e.Index
	}
	return out
}

// entry builds a minimal applied entry at index i, used throughout to keep
// test messages terse.
func entry(i uint64) *wire.Entry {
	return &wire.Entry{Index: i, Term: 1, Payload: []byte("v")}
}

// entriesStreamServer listens for a single request_entries_stream
// connection and answers it with entries out of the given in-memory log,
// bounded by the requested range, terminated by an empty StatusOK frame.
// It returns the listener's dial address.
func entriesStreamServer(t *testing.T, log map[uint64]*wire.Entry) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		tag := make([]byte, 1)
		if _, err := conn.Read(tag); err != nil {
			return
		}
		req, err := wire.ReadFrame(conn)
		if err != nil || len(req) < 25 {
			return
		}
		fromIndex := binary.BigEndian.Uint64(req[1:9])
		countLimit := binary.BigEndian.Uint64(req[17:25])

		to := fromIndex
		for idx := range log {
			if idx > to {
				to = idx
			}
		}
		if countLimit > 0 && fromIndex+countLimit-1 < to {
			to = fromIndex + countLimit - 1
		}

		for idx := fromIndex; idx <= to; idx++ {
			e, ok := log[idx]
			if !ok {
				continue
			}
			encoded := wire.Encode(e)
			item := make([]byte, 16+len(encoded))
			binary.BigEndian.PutUint64(item[0:8], e.Index)
			binary.BigEndian.PutUint64(item[8:16], uint64(len(encoded)))
			copy(item[16:], encoded)
			frame := append([]byte{byte(wireerr.StatusOK)}, item...)
			if err := wire.WriteFrame(conn, frame); err != nil {
				return
			}
		}
		wire.WriteFrame(conn, []byte{byte(wireerr.StatusOK)})
	}()
	return ln.Addr().String()
}

func newTestSubscriber(addr string, consumer Consumer) *Subscriber {
	client := rpcclient.New([]rpcclient.Peer{{ID: "n0", Addr: addr}}, rpcclient.Config{})
	return NewSubscriber(SubscriberConfig{
		Secret:   []byte("s"),
		Client:   client,
		Consumer: consumer,
	})
}

// a contiguous message (gapFrom <= lastDelivered) is delivered immediately,
// with no missing-entries recovery involved.
func TestHandleMessageDeliversContiguous(t *testing.T) {
	consumer := newRecordingConsumer(true)
	sub := newTestSubscriber("", consumer)

	sub.handleMessage(context.Background(), Message{
		LastLogIndex: 3,
		Entries:      []*wire.Entry{entry(1), entry(2), entry(3)},
	})

	require.Equal(t, []uint64{1, 2, 3}, consumer.indices())
	require.Equal(t, StateSubscribedFresh, sub.State())
	require.Equal(t, uint64(3), sub.lastDelivered)
}

// a message with a gap ahead of lastDelivered is queued rather than
// delivered, and triggers missing-entries recovery that fills the hole and
// then drains the queued message in order.
func TestHandleMessageRecoversGapThenDrainsAhead(t *testing.T) {
	log := map[uint64]*wire.Entry{
		4: entry(4), 5: entry(5), 6: entry(6), 7: entry(7), 8: entry(8),
	}
	addr := entriesStreamServer(t, log)

	consumer := newRecordingConsumer(true)
	sub := newTestSubscriber(addr, consumer)
	sub.lastDelivered = 3

	sub.handleMessage(context.Background(), Message{
		LastLogIndex: 10,
		Entries:      []*wire.Entry{entry(9), entry(10)},
	})

	require.Equal(t, []uint64{4, 5, 6, 7, 8, 9, 10}, consumer.indices())
	require.Equal(t, uint64(10), sub.lastDelivered)
	require.Empty(t, sub.ahead)
}

// a message whose gap recovery only partly closes stays queued in ahead;
// a later message that is contiguous with the partial recovery is
// delivered directly, and the unreachable one remains queued until its own
// predecessor is filled.
func TestHandleMessageLeavesUnreachableAheadMessageQueued(t *testing.T) {
	log := map[uint64]*wire.Entry{
		4: entry(4), 5: entry(5), 6: entry(6), 7: entry(7), 8: entry(8),
	}
	addr := entriesStreamServer(t, log)

	consumer := newRecordingConsumer(true)
	sub := newTestSubscriber(addr, consumer)
	sub.lastDelivered = 3

	// this message's gap (13/14, predecessor 4..12 missing) triggers
	// recovery immediately; the fake log only has 4..8, so the gap closes
	// partway and the message stays queued.
	sub.handleMessage(context.Background(), Message{
		LastLogIndex: 14,
		Entries:      []*wire.Entry{entry(13), entry(14)},
	})
	require.Len(t, sub.ahead, 1)

	// now contiguous against the partial recovery above (lastDelivered=8),
	// so this one delivers directly without another recovery round.
	sub.handleMessage(context.Background(), Message{
		LastLogIndex: 10,
		Entries:      []*wire.Entry{entry(9), entry(10)},
	})

	require.Equal(t, []uint64{4, 5, 6, 7, 8, 9, 10}, consumer.indices())
	require.Equal(t, uint64(10), sub.lastDelivered)
	require.Len(t, sub.ahead, 1)
	require.Contains(t, sub.ahead, uint64(14))
}

// a consumer that stops reporting Ready partway through a contiguous
// delivery pauses the subscriber and requeues the undelivered remainder,
// instead of blocking the read loop or dropping entries.
func TestDeliverContiguousPausesOnBackpressure(t *testing.T) {
	consumer := newRecordingConsumer(true)
	sub := newTestSubscriber("", consumer)

	msg := Message{
		LastLogIndex: 3,
		Entries:      []*wire.Entry{entry(1), entry(2), entry(3)},
	}

	sub.deliverContiguous(Message{LastLogIndex: 1, Entries: []*wire.Entry{entry(1)}})
	require.Equal(t, []uint64{1}, consumer.indices())

	consumer.setReady(false)
	sub.deliverContiguous(msg)

	// only entry 1 (already delivered above) shows up; 2 and 3 are queued.
	require.Equal(t, []uint64{1}, consumer.indices())
	require.Equal(t, StatePaused, sub.State())
	require.Len(t, sub.ahead, 1)
	remainder, ok := sub.ahead[3]
	require.True(t, ok)
	require.Equal(t, []uint64{2, 3}, []uint64{remainder.Entries[0].Index, remainder.Entries[1].Index})

	// once the consumer reports room again, draining resumes from where
	// backpressure left off.
	consumer.setReady(true)
	sub.drainAhead(context.Background())
	require.Equal(t, []uint64{1, 2, 3}, consumer.indices())
	require.Empty(t, sub.ahead)
}

// backpressure observed mid missing-entries recovery pauses the subscriber
// without losing the entries already pulled off the wire.
func TestRecoverGapPausesOnBackpressure(t *testing.T) {
	log := map[uint64]*wire.Entry{
		4: entry(4), 5: entry(5), 6: entry(6),
	}
	addr := entriesStreamServer(t, log)

	consumer := newRecordingConsumer(true)
	sub := newTestSubscriber(addr, consumer)
	sub.lastDelivered = 3

	// not ready from the start: recoverGap should pause immediately and
	// deliver nothing.
	consumer.setReady(false)
	sub.recoverGap(context.Background(), 3, 6)

	require.Empty(t, consumer.indices())
	require.Equal(t, StatePaused, sub.State())
	require.Equal(t, uint64(3), sub.lastDelivered)
}
