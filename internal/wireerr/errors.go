// Package wireerr defines the error kinds the cluster surfaces across its
// RPC boundary, plus the single byte status code each is framed as on the
// wire.
package wireerr

import "fmt"

// Status is the one-byte response status carried by every wire frame.
type Status byte

const (
	StatusOK Status = iota
	StatusTimeout
	StatusNoLeader
	StatusNotLeader
	StatusOutOfOrder
	StatusAuthFailure
	StatusCorruptLog
	StatusInvalidArgument
	StatusDuplicate
	StatusSnapshot // RE_STATUS_SNAPSHOT: chunk belongs to a snapshot transfer
)

// Kind identifies one of the core's named error conditions.
type Kind int

const (
	KindTimeout Kind = iota
	KindNoLeader
	KindOutOfOrder
	KindMissingEntries
	KindAuthFailure
	KindCorruptLog
	KindInvalidArgument
)

// Error wraps a Kind with a human-readable message and, for NotLeader
// responses, the redirect the caller should follow.
type Error struct {
	Kind       Kind
	Message    string
	LeaderID   string
	LeaderAddr string
}

func (e *Error) Error() string {
	if e.LeaderAddr != "" {
		return fmt.Sprintf("%s (redirect to %s at %s)", e.Message, e.LeaderID, e.LeaderAddr)
	}
	return e.Message
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Timeout(msg string) *Error         { return New(KindTimeout, msg) }
func NoLeader(msg string) *Error        { return New(KindNoLeader, msg) }
func OutOfOrder(msg string) *Error      { return New(KindOutOfOrder, msg) }
func MissingEntries(msg string) *Error  { return New(KindMissingEntries, msg) }
func AuthFailure(msg string) *Error     { return New(KindAuthFailure, msg) }
func CorruptLog(msg string) *Error      { return New(KindCorruptLog, msg) }
func InvalidArgument(msg string) *Error { return New(KindInvalidArgument, msg) }

// Redirect builds a NotLeader-flavored error carrying the known leader so
// callers can adopt it without a type switch on Kind.
func Redirect(leaderID, leaderAddr string) *Error {
	return &Error{
		Kind:       KindNoLeader,
		Message:    "not leader",
		LeaderID:   leaderID,
		LeaderAddr: leaderAddr,
	}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
