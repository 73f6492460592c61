// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/Dig-Doug/observation-tools-client/transport"
)

// FailFunc decides the outcome of one delivery attempt. Returning nil
// acknowledges the message.
type FailFunc func(msg *transport.Message, attempt int) error

// Recorder is a transport.Transport that records acknowledged messages in
// delivery order.
//
// Recorder is safe for concurrent use.
type Recorder struct {
	// Fail, if set, is consulted on every attempt.
	Fail FailFunc

	// Gate, if set, blocks every Send until a value is received or the gate is
	// closed.
	Gate chan struct{}

	mu        sync.Mutex
	delivered []transport.Message
	attempts  map[string]int
	calls     int
}

var _ transport.Transport = (*Recorder)(nil)

// Send implements transport.Transport.
func (r *Recorder) Send(ctx context.Context, msg *transport.Message) error {
	if r.Gate != nil {
		select {
		case <-r.Gate:
		case <-ctx.Done():
			return transport.Transient(ctx.Err())
		}
	}

	r.mu.Lock()
	if r.attempts == nil {
		r.attempts = make(map[string]int)
	}
	r.attempts[msg.NodeID]++
	r.calls++
	attempt := r.attempts[msg.NodeID]
	r.mu.Unlock()

	if r.Fail != nil {
		if err := r.Fail(msg, attempt); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.delivered = append(r.delivered, cp)
	return nil
}

// Delivered returns a copy of the acknowledged messages in delivery order.
func (r *Recorder) Delivered() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.Message, len(r.delivered))
	copy(out, r.delivered)
	return out
}

// DeliveredForRun returns the acknowledged messages of one run in delivery
// order.
func (r *Recorder) DeliveredForRun(runID string) []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transport.Message
	for _, m := range r.delivered {
		if m.RunID == runID {
			out = append(out, m)
		}
	}
	return out
}

// Attempts returns how many times Send was called for nodeID.
func (r *Recorder) Attempts(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[nodeID]
}

// Calls returns the total number of Send calls that passed the gate.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
