package queue

import (
	"github.com/Dig-Doug/observation-tools-client/internal/ident"
	"github.com/Dig-Doug/observation-tools-client/internal/tree"
)

// FailureReason classifies a terminal failure.
type FailureReason uint8

const (
	// FailureSerialization means the payload could not be serialized.
	FailureSerialization FailureReason = iota + 1
	// FailurePermanent means the transport rejected the message.
	FailurePermanent
	// FailureRetriesExhausted means every allowed attempt failed transiently.
	FailureRetriesExhausted
)

func (r FailureReason) String() string {
	switch r {
	case FailureSerialization:
		return "serialization"
	case FailurePermanent:
		return "permanent"
	case FailureRetriesExhausted:
		return "retries-exhausted"
	default:
		return "unknown"
	}
}

// Failure describes one message that reached the failed state.
type Failure struct {
	NodeID   ident.ID
	RunID    ident.ID
	Kind     tree.Kind
	Reason   FailureReason
	Attempts int
	Err      error
}

// Sink receives every terminal failure exactly once. It is called from a
// worker goroutine and should not block for long.
type Sink func(Failure)
