package obstools

import (
	"errors"

	"github.com/Dig-Doug/observation-tools-client/internal/queue"
	"github.com/Dig-Doug/observation-tools-client/internal/tree"
	"github.com/Dig-Doug/observation-tools-client/payload"
	"github.com/Dig-Doug/observation-tools-client/transport"
)

// ErrInvalidConfig is returned by NewClient and LoadConfig for unusable
// settings.
var ErrInvalidConfig = errors.New("obstools: invalid config")

// Errors returned synchronously by node creation.
var (
	// ErrInvalidHierarchy is returned when a parent/child combination is not
	// permitted or the parent does not belong to this client.
	ErrInvalidHierarchy = tree.ErrInvalidHierarchy

	// ErrQueueSaturated is returned under OverflowFailFast when the upload
	// queue is full.
	ErrQueueSaturated = queue.ErrSaturated

	// ErrClientClosed is returned once Shutdown has started.
	ErrClientClosed = queue.ErrClosed
)

// Errors reported asynchronously through the failure sink, Wait, or
// CreateRunBlocking.
var (
	// ErrSerialization is returned when a payload cannot be serialized.
	// It is never retried.
	ErrSerialization = payload.ErrSerialization

	// ErrTransientTransport matches delivery failures that were retried
	// until the retry policy gave up.
	ErrTransientTransport = transport.ErrTransient

	// ErrPermanentTransport matches deliveries the server rejected.
	ErrPermanentTransport = transport.ErrPermanent

	// ErrShutdownTimeout is returned by Shutdown, and by Wait on each
	// abandoned node, when the drain deadline passes.
	ErrShutdownTimeout = queue.ErrShutdownTimeout
)

// ShutdownTimeoutError lists the nodes still undelivered when Shutdown gave
// up. It matches ErrShutdownTimeout.
type ShutdownTimeoutError = queue.DrainTimeoutError
