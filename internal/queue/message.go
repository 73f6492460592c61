package queue

import (
	"context"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"

	"github.com/Dig-Doug/observation-tools-client/internal/ident"
	"github.com/Dig-Doug/observation-tools-client/internal/tree"
	"github.com/Dig-Doug/observation-tools-client/payload"
	"github.com/Dig-Doug/observation-tools-client/transport"
)

// Message is one queued node upload.
//
// A message is created per node and completes exactly once, when it is
// confirmed, fails, or is abandoned at shutdown.
type Message struct {
	node    *tree.Node
	payload *payload.Encoded

	// Owned by the worker holding the lane.
	wire *transport.Message
	bo   backoff.BackOff

	attempts atomic.Int32
	claimed  atomic.Bool
	done     chan struct{}
	err      error
}

// NewMessage returns a message for n. p may be nil for container nodes.
//
// p is serialized here unless it already is a [payload.Encoded]. A
// serialization error is kept and reported by the worker that picks the
// message up.
func NewMessage(n *tree.Node, p payload.Payload) *Message {
	m := &Message{
		node: n,
		done: make(chan struct{}),
	}
	if p != nil {
		enc := payload.Encode(p)
		m.payload = &enc
	}
	return m
}

// Node returns the node being uploaded.
func (m *Message) Node() *tree.Node {
	return m.node
}

// Attempts returns the number of Send calls made so far.
func (m *Message) Attempts() int {
	return int(m.attempts.Load())
}

// Done is closed when the message reaches a terminal state.
func (m *Message) Done() <-chan struct{} {
	return m.done
}

// Err returns the terminal error, or nil if the message was confirmed. It
// must only be called after Done is closed.
func (m *Message) Err() error {
	return m.err
}

// Wait blocks until the message is terminal or ctx is done.
func (m *Message) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claim reserves the right to complete m. Exactly one caller wins.
func (m *Message) claim() bool {
	return m.claimed.CompareAndSwap(false, true)
}

func (m *Message) complete(err error) {
	m.err = err
	close(m.done)
}

// encode builds the wire message once. Retries reuse the result.
func (m *Message) encode(projectID string) (*transport.Message, error) {
	if m.wire != nil {
		return m.wire, nil
	}

	n := m.node
	wire := &transport.Message{
		ProjectID:        projectID,
		RunID:            n.RunID.String(),
		NodeID:           n.ID.String(),
		ParentID:         n.ParentID.String(),
		AncestorIDs:      idStrings(n.Ancestors),
		PreviousStageIDs: idStrings(n.PreviousStages),
		Kind:             n.Kind.String(),
		Metadata: transport.Metadata{
			Name:       n.Metadata.Name(),
			Attributes: n.Metadata.Attributes(),
		},
		Sequence:  n.Sequence,
		CreatedAt: n.CreatedAt,
	}
	if m.payload != nil {
		data, contentType, err := m.payload.Serialize()
		if err != nil {
			return nil, err
		}
		wire.PayloadBytes = data
		wire.PayloadContentType = contentType
	}
	m.wire = wire
	return wire, nil
}

func idStrings(ids []ident.ID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
