package log

import (
	"time"

	"github.com/hashicorp/raft"
)

// log configuration
type Config struct {
	// maximum bytes for the store and index
	Segment struct {
		MaxStoreBytes uint64
		MaxEntries    uint64
		MaxIndexBytes uint64
		InitialOffset uint64
	}

	Raft struct {
		raft.Config
		StreamLayer *StreamLayer
		Bootstrap   bool
	}

	// Dedup controls request-id deduplication at the leader.
	Dedup struct {
		// FreshnessWindow is how long a committed request-id remains
		// observable for idempotent re-application.
		FreshnessWindow time.Duration
		// ReappendOnExpiry: by default a request-id older than
		// FreshnessWindow is rejected with InvalidArgument rather than
		// silently re-appended. Set true to allow re-append instead.
		ReappendOnExpiry bool
	}
}
