// Package statemachine defines the pluggable application state that a
// compaction job folds a log prefix into before writing a snapshot. It
// mirrors internal/log.StateMachine so the same implementation can serve
// both online replay (Log.FeedStateMachine) and offline compaction.
package statemachine

import (
	"fmt"
	"sync"

	"github.com/mrshabel/raftlog/internal/wire"
)

// StateMachine applies entries in index order and reports how far it has
// gotten.
type StateMachine interface {
	Apply(e *wire.Entry) error
	LastApplied() uint64
}

// Snapshotter is the optional capability a compaction job requires: a
// StateMachine that can freeze its current state into a byte stream. A
// state machine registered without this capability has nothing a
// compaction job can put in a snapshot file.
type Snapshotter interface {
	StateMachine
	Snapshot() ([]byte, error)
}

// Factory builds a fresh, zeroed StateMachine instance.
type Factory func() StateMachine

var (
	mu       sync.Mutex
	registry = map[string]Factory{}
)

// Register makes a state machine implementation available under name for
// later lookup by New. Implementations call this from an init() function,
// the same way database/sql drivers register themselves by name.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic("statemachine: Register called twice for " + name)
	}
	registry[name] = factory
}

// New looks up a registered state machine by name and builds an instance.
func New(name string) (StateMachine, error) {
	mu.Lock()
	factory, ok := registry[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("statemachine: no state machine registered as %q", name)
	}
	return factory(), nil
}
