package agent

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/mrshabel/raftlog/internal/broadcast"
	"github.com/mrshabel/raftlog/internal/rpcclient"
	"github.com/mrshabel/raftlog/internal/statemachine"
	"go.uber.org/zap"
)

// ReplicaConfig configures a Replica.
type ReplicaConfig struct {
	Peers     []rpcclient.Peer
	Secret    []byte
	TLSConfig *tls.Config

	// StateMachine is what delivered entries get applied to. Required.
	StateMachine statemachine.StateMachine

	// QueueDepth bounds how far entry application may lag delivery before
	// the subscriber is told to stop accepting more. Defaults to 256.
	QueueDepth int
}

func (c ReplicaConfig) withDefaults() ReplicaConfig {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	return c
}

// Replica is a read-only cluster follower that never joins Raft: it
// discovers the current leader's broadcast address through the cluster RPC
// client and applies the committed entries it is pushed, falling back to
// the streaming entries RPC to fill any gap the broadcast feed leaves.
// Unlike Agent, a Replica holds no vote and can be started and stopped
// freely without affecting quorum.
type Replica struct {
	client     *rpcclient.Client
	subscriber *broadcast.Subscriber
	consumer   *broadcast.BufferedConsumer
	logger     *zap.Logger
}

// NewReplica builds a Replica wired to apply entries onto cfg.StateMachine.
// Call Run to start it; it blocks until ctx is cancelled or Close is
// called.
func NewReplica(cfg ReplicaConfig) (*Replica, error) {
	cfg = cfg.withDefaults()
	if cfg.StateMachine == nil {
		return nil, fmt.Errorf("agent: replica requires a state machine")
	}
	if len(cfg.Peers) == 0 {
		return nil, fmt.Errorf("agent: replica requires at least one peer")
	}

	r := &Replica{
		client: rpcclient.New(cfg.Peers, rpcclient.Config{TLSConfig: cfg.TLSConfig}),
		logger: zap.L().Named("replica"),
	}
	r.consumer = broadcast.NewBufferedConsumer(cfg.StateMachine, cfg.QueueDepth, r.onConsumerReady)
	r.subscriber = broadcast.NewSubscriber(broadcast.SubscriberConfig{
		Secret:   cfg.Secret,
		Client:   r.client,
		Consumer: r.consumer,
		OnEvent:  r.onSubscriberEvent,
	})
	return r, nil
}

func (r *Replica) onConsumerReady() {
	r.subscriber.Resume()
}

func (r *Replica) onSubscriberEvent(ev broadcast.Event) {
	switch ev.Kind {
	case broadcast.EventStale:
		r.logger.Debug("falling behind the leader's broadcast feed", zap.Uint64("gap_size", ev.GapSize))
	case broadcast.EventTimeout:
		r.logger.Debug("broadcast connection went quiet, reconnecting")
	}
}

// Run drives the replica's subscriber until ctx is cancelled or Close is
// called.
func (r *Replica) Run(ctx context.Context) error {
	return r.subscriber.Run(ctx)
}

// LastApplied reports the highest index this replica has applied.
func (r *Replica) LastApplied() uint64 {
	return r.consumer.LastApplied()
}

// Close tears the replica down.
func (r *Replica) Close() {
	r.subscriber.Close()
	r.consumer.Close()
}
