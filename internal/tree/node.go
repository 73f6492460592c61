package tree

import (
	"sync/atomic"
	"time"

	"github.com/Dig-Doug/observation-tools-client/internal/ident"
)

// Kind identifies the variant of a node.
type Kind uint8

// Node kinds.
const (
	KindRun Kind = iota + 1
	KindStage
	KindGroup
	KindObject
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRun:
		return "run"
	case KindStage:
		return "stage"
	case KindGroup:
		return "group"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// IsContainer reports whether nodes of this kind may have children.
func (k Kind) IsContainer() bool {
	return k == KindRun || k == KindStage || k == KindGroup
}

// State is the upload lifecycle state of a node.
type State uint32

// Node states. A node is enqueued as soon as Create returns; it moves to
// confirmed or failed exactly once.
const (
	StateEnqueued State = iota + 1
	StateConfirmed
	StateFailed
)

// String returns a lowercase name for the state.
func (s State) String() string {
	switch s {
	case StateEnqueued:
		return "enqueued"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Node is one entry in the hierarchy.
//
// All exported fields are set by Tree.Create and never change afterwards, so
// a Node may be read from any goroutine without locking. The only mutable
// part is the upload state, which is atomic.
type Node struct {
	ID       ident.ID
	ParentID ident.ID // zero for runs
	RunID    ident.ID // equal to ID for runs
	Kind     Kind
	Metadata Metadata

	// Sequence is the 1-based creation order within the run.
	Sequence uint64

	// Ancestors lists the ids from the run down to the parent.
	Ancestors []ident.ID

	// PreviousStages lists the stages created earlier in the same run.
	// Only set for stages.
	PreviousStages []ident.ID

	CreatedAt time.Time

	state atomic.Uint32
}

// State returns the current upload state.
func (n *Node) State() State {
	return State(n.state.Load())
}

// MarkConfirmed records a successful upload. It reports false if the node
// already reached a terminal state.
func (n *Node) MarkConfirmed() bool {
	return n.state.CompareAndSwap(uint32(StateEnqueued), uint32(StateConfirmed))
}

// MarkFailed records a terminal upload failure. It reports false if the node
// already reached a terminal state.
func (n *Node) MarkFailed() bool {
	return n.state.CompareAndSwap(uint32(StateEnqueued), uint32(StateFailed))
}
