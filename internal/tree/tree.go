// Package tree holds the in-memory hierarchy of runs, stages, groups, and
// objects.
//
// Nodes live in an arena keyed by identifier. Children are found through a
// parent index rather than pointers stored on the parent, so nodes never
// reference each other and stay immutable after creation.
//
// The package performs no I/O. Create hands each new node to a caller-supplied
// submit function while the run's sequence lock is held, which is what keeps
// per-run sequence numbers gap-free and in submission order.
package tree

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Dig-Doug/observation-tools-client/internal/ident"
)

// ErrInvalidHierarchy is returned when a parent/child combination is not
// permitted or the parent is unknown.
var ErrInvalidHierarchy = errors.New("tree: invalid hierarchy")

// permitted lists which child kinds each parent kind accepts.
var permitted = map[Kind][]Kind{
	KindRun:   {KindStage, KindGroup, KindObject},
	KindStage: {KindGroup, KindObject},
	KindGroup: {KindGroup, KindObject},
}

// Permitted reports whether a node of kind child may be created under a node
// of kind parent.
func Permitted(parent, child Kind) bool {
	return slices.Contains(permitted[parent], child)
}

// SubmitFunc receives a fully built node before Create returns. Returning an
// error aborts the creation; the node is discarded and its sequence number is
// reused.
type SubmitFunc func(*Node) error

// runState serializes sequence assignment within one run.
type runState struct {
	mu     sync.Mutex
	seq    uint64
	stages []ident.ID
}

// Tree is the node arena. It is safe for concurrent use.
type Tree struct {
	gen *ident.Generator
	now func() time.Time

	mu       sync.RWMutex
	nodes    map[ident.ID]*Node
	children map[ident.ID][]ident.ID
	runs     map[ident.ID]*runState
}

// New returns an empty tree that draws identifiers from gen.
func New(gen *ident.Generator) *Tree {
	return &Tree{
		gen:      gen,
		now:      time.Now,
		nodes:    make(map[ident.ID]*Node),
		children: make(map[ident.ID][]ident.ID),
		runs:     make(map[ident.ID]*runState),
	}
}

// Create allocates a node of the given kind under parent. A nil parent
// creates a run.
//
// The new node is passed to submit with the run's sequence lock held, so
// nodes of one run reach submit in strictly increasing sequence order. If
// submit fails the node is dropped and the error is returned unchanged.
func (t *Tree) Create(parent *Node, kind Kind, md Metadata, submit SubmitFunc) (*Node, error) {
	rs, node, err := t.prepare(parent, kind, md)
	if err != nil {
		return nil, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	node.Sequence = rs.seq + 1
	if kind == KindStage && len(rs.stages) > 0 {
		node.PreviousStages = slices.Clone(rs.stages)
	}
	node.state.Store(uint32(StateEnqueued))

	if submit != nil {
		if err := submit(node); err != nil {
			if kind == KindRun {
				t.mu.Lock()
				delete(t.runs, node.ID)
				t.mu.Unlock()
			}
			return nil, err
		}
	}

	rs.seq = node.Sequence
	if kind == KindStage {
		rs.stages = append(rs.stages, node.ID)
	}

	t.mu.Lock()
	t.nodes[node.ID] = node
	if !node.ParentID.IsZero() {
		t.children[node.ParentID] = append(t.children[node.ParentID], node.ID)
	}
	t.mu.Unlock()

	return node, nil
}

// prepare validates the request and builds the node, minus its sequence.
func (t *Tree) prepare(parent *Node, kind Kind, md Metadata) (*runState, *Node, error) {
	node := &Node{
		ID:        t.gen.Next(),
		Kind:      kind,
		Metadata:  md,
		CreatedAt: t.now(),
	}

	if parent == nil {
		if kind != KindRun {
			return nil, nil, fmt.Errorf("%w: %s requires a parent", ErrInvalidHierarchy, kind)
		}
		node.RunID = node.ID
		rs := &runState{}
		t.mu.Lock()
		t.runs[node.ID] = rs
		t.mu.Unlock()
		return rs, node, nil
	}

	if kind == KindRun {
		return nil, nil, fmt.Errorf("%w: run cannot have a parent", ErrInvalidHierarchy)
	}
	if !Permitted(parent.Kind, kind) {
		return nil, nil, fmt.Errorf("%w: %s cannot contain %s", ErrInvalidHierarchy, parent.Kind, kind)
	}

	t.mu.RLock()
	known := t.nodes[parent.ID] == parent
	rs := t.runs[parent.RunID]
	t.mu.RUnlock()
	if !known || rs == nil {
		return nil, nil, fmt.Errorf("%w: unknown parent %s", ErrInvalidHierarchy, parent.ID)
	}

	node.ParentID = parent.ID
	node.RunID = parent.RunID
	node.Ancestors = append(slices.Clone(parent.Ancestors), parent.ID)
	return rs, node, nil
}

// Get returns the node with the given id.
func (t *Tree) Get(id ident.ID) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// Children returns the direct children of id in creation order.
//
// Children are indexed while the run's sequence lock is held, so index order
// is sequence order.
func (t *Tree) Children(id ident.ID) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.children[id]
	out := make([]*Node, 0, len(ids))
	for _, child := range ids {
		out = append(out, t.nodes[child])
	}
	return out
}

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// RunLen returns the number of nodes created for a run, including the run.
func (t *Tree) RunLen(runID ident.ID) uint64 {
	t.mu.RLock()
	rs := t.runs[runID]
	t.mu.RUnlock()
	if rs == nil {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.seq
}
