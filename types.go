package obstools

import (
	"github.com/Dig-Doug/observation-tools-client/internal/ident"
	"github.com/Dig-Doug/observation-tools-client/internal/queue"
	"github.com/Dig-Doug/observation-tools-client/internal/tree"
	"github.com/Dig-Doug/observation-tools-client/payload"
	obshttp "github.com/Dig-Doug/observation-tools-client/transport/http"
)

// ID identifies a node. It is generated locally and printed as 32 lowercase
// hex characters.
type ID = ident.ID

// ParseID parses the hex form returned by ID.String.
func ParseID(s string) (ID, error) {
	return ident.Parse(s)
}

// Kind is the variant of a node.
type Kind = tree.Kind

// Node kinds.
const (
	KindRun    = tree.KindRun
	KindStage  = tree.KindStage
	KindGroup  = tree.KindGroup
	KindObject = tree.KindObject
)

// State is the upload state of a node.
type State = tree.State

// Upload states.
const (
	StateEnqueued  = tree.StateEnqueued
	StateConfirmed = tree.StateConfirmed
	StateFailed    = tree.StateFailed
)

// UserMetadata is the caller-supplied name and attributes of a node. It is
// immutable; With returns a modified copy.
type UserMetadata = tree.Metadata

// NewUserMetadata returns metadata with the given name and no attributes.
func NewUserMetadata(name string) UserMetadata {
	return tree.NewMetadata(name)
}

// Payload is the typed data attached to an object.
type Payload = payload.Payload

// Stats is a snapshot of delivery counters.
type Stats = queue.Stats

// OverflowPolicy decides what node creation does when the upload queue is
// full.
type OverflowPolicy = queue.OverflowPolicy

// Overflow policies.
const (
	OverflowBlock    = queue.OverflowBlock
	OverflowFailFast = queue.OverflowFailFast
)

// RetryPolicy bounds redelivery of transient transport failures.
type RetryPolicy = queue.RetryPolicy

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return queue.DefaultRetryPolicy()
}

// Compression selects the request body encoding of the HTTP transport.
type Compression = obshttp.Compression

// Compression algorithms.
const (
	CompressionNone = obshttp.CompressionNone
	CompressionZstd = obshttp.CompressionZstd
	CompressionLZ4  = obshttp.CompressionLZ4
)

// TokenSource returns the bearer token for an API request.
type TokenSource = obshttp.TokenSource
