// Package transport defines the boundary between the upload engine and the
// network.
//
// A [Transport] receives one [Message] per node and either acknowledges it
// (returns nil, meaning the server has durably stored it) or fails. Failures
// are classified as transient, which the engine retries with backoff, or
// permanent, which it reports and drops. Wrap errors with [Transient] or
// [Permanent] to classify them; unclassified errors are treated as transient.
//
// Implementations live in subpackages: [github.com/Dig-Doug/observation-tools-client/transport/http]
// posts CBOR messages to the observation-tools API, and
// [github.com/Dig-Doug/observation-tools-client/transport/oci] stores them as
// OCI artifacts in a registry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for failure classification.
var (
	// ErrTransient matches failures where a retry may succeed.
	ErrTransient = errors.New("transport: transient failure")

	// ErrPermanent matches failures where a retry will not succeed.
	ErrPermanent = errors.New("transport: permanent failure")
)

// Transport delivers messages to the observation service.
//
// Send may be called concurrently for messages of different runs.
// Implementations must not retain msg after Send returns and should return
// promptly once ctx is done. A Send still running when shutdown gives up is
// abandoned and its result ignored.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, msg *Message) error

// Send implements Transport.
func (f Func) Send(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Metadata is the wire form of a node's user metadata.
type Metadata struct {
	Name       string            `cbor:"name" json:"name"`
	Attributes map[string]string `cbor:"attributes,omitempty" json:"attributes,omitempty"`
}

// Message is the wire shape of one node upload.
type Message struct {
	ProjectID          string    `cbor:"project_id" json:"project_id"`
	RunID              string    `cbor:"run_id" json:"run_id"`
	NodeID             string    `cbor:"node_id" json:"node_id"`
	ParentID           string    `cbor:"parent_id,omitempty" json:"parent_id,omitempty"`
	AncestorIDs        []string  `cbor:"ancestor_ids,omitempty" json:"ancestor_ids,omitempty"`
	PreviousStageIDs   []string  `cbor:"previous_stage_ids,omitempty" json:"previous_stage_ids,omitempty"`
	Kind               string    `cbor:"kind" json:"kind"`
	Metadata           Metadata  `cbor:"metadata" json:"metadata"`
	Sequence           uint64    `cbor:"sequence" json:"sequence"`
	CreatedAt          time.Time `cbor:"created_at" json:"created_at"`
	PayloadContentType string    `cbor:"payload_content_type,omitempty" json:"payload_content_type,omitempty"`
	PayloadBytes       []byte    `cbor:"payload_bytes,omitempty" json:"payload_bytes,omitempty"`

	// Attempt is the 1-based delivery attempt. It is not encoded.
	Attempt int `cbor:"-" json:"-"`
}

// Error is a classified transport failure.
type Error struct {
	permanent bool
	err       error
}

// Transient marks err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{err: err}
}

// Permanent marks err as not retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{permanent: true, err: err}
}

// Error implements error.
func (e *Error) Error() string {
	if e.permanent {
		return fmt.Sprintf("permanent: %v", e.err)
	}
	return fmt.Sprintf("transient: %v", e.err)
}

// Unwrap returns the classified error.
func (e *Error) Unwrap() error {
	return e.err
}

// Is matches ErrPermanent or ErrTransient according to the classification.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrPermanent:
		return e.permanent
	case ErrTransient:
		return !e.permanent
	default:
		return false
	}
}

// IsPermanent reports whether err is classified as permanent. Unclassified
// errors are transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
