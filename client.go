package obstools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Dig-Doug/observation-tools-client/internal/ident"
	"github.com/Dig-Doug/observation-tools-client/internal/queue"
	"github.com/Dig-Doug/observation-tools-client/internal/tree"
	"github.com/Dig-Doug/observation-tools-client/transport"
	obshttp "github.com/Dig-Doug/observation-tools-client/transport/http"
)

// Default client settings.
const (
	DefaultAPIHost         = "https://api.observation.tools"
	DefaultUIHost          = "https://app.observation.tools"
	DefaultWorkers         = 2
	DefaultQueueCapacity   = 1024
	DefaultSendTimeout     = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second
)

// Client records runs and uploads them in the background.
//
// A Client owns the node hierarchy, the upload queue, and its workers. Node
// creation never performs network I/O; uploads happen asynchronously in
// per-run creation order. Call Shutdown before the process exits, otherwise
// nodes still queued are lost.
type Client struct {
	projectID string
	apiHost   string
	uiHost    string

	// Transport
	transport   transport.Transport
	httpClient  *http.Client
	token       string
	tokenSource TokenSource
	compression Compression

	// Queue
	workers         int
	capacity        int
	overflow        OverflowPolicy
	retry           RetryPolicy
	sendTimeout     time.Duration
	shutdownTimeout time.Duration

	sink   FailureFunc
	logger *slog.Logger

	tree  *tree.Tree
	queue *queue.Queue
}

// NewClient creates a client for projectID and starts its upload workers.
//
// Without [WithTransport], nodes are sent to the observation.tools API at
// [DefaultAPIHost] or the host set by [WithEndpoint].
func NewClient(projectID string, opts ...Option) (*Client, error) {
	c := &Client{
		projectID:       projectID,
		apiHost:         DefaultAPIHost,
		uiHost:          DefaultUIHost,
		workers:         DefaultWorkers,
		capacity:        DefaultQueueCapacity,
		retry:           DefaultRetryPolicy(),
		sendTimeout:     DefaultSendTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(c.projectID) == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidConfig)
	}

	if c.transport == nil {
		sender, err := c.newHTTPSender()
		if err != nil {
			return nil, err
		}
		c.transport = sender
	}

	c.tree = tree.New(ident.NewGenerator())
	q, err := queue.New(queue.Config{
		ProjectID:   c.projectID,
		Transport:   c.transport,
		Workers:     c.workers,
		Capacity:    c.capacity,
		Overflow:    c.overflow,
		Retry:       c.retry,
		SendTimeout: c.sendTimeout,
		Sink:        c.reportFailure,
		Logger:      c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.queue = q

	c.log().Debug("client started",
		"project", c.projectID,
		"workers", c.workers,
		"capacity", c.capacity,
		"overflow", c.overflow,
	)
	return c, nil
}

func (c *Client) newHTTPSender() (*obshttp.Sender, error) {
	opts := []obshttp.Option{obshttp.WithCompression(c.compression)}
	if c.httpClient != nil {
		opts = append(opts, obshttp.WithClient(c.httpClient))
	}
	switch {
	case c.tokenSource != nil:
		opts = append(opts, obshttp.WithTokenSource(c.tokenSource))
	case c.token != "":
		opts = append(opts, obshttp.WithToken(c.token))
	}
	sender, err := obshttp.NewSender(c.apiHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return sender, nil
}

func (c *Client) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.New(slog.DiscardHandler)
}

// ProjectID returns the project the client uploads to.
func (c *Client) ProjectID() string {
	return c.projectID
}

// CreateRun creates a run and queues its upload. It returns before the
// upload is attempted.
func (c *Client) CreateRun(md UserMetadata) (*RunUploader, error) {
	h, err := c.create(nil, KindRun, md, nil)
	if err != nil {
		return nil, err
	}
	return &RunUploader{Uploader: Uploader{h}}, nil
}

// CreateRunBlocking creates a run and waits until its upload is confirmed or
// has failed. On failure it returns the delivery error.
//
// If ctx ends first, ctx.Err() is returned; the run stays queued and is
// still uploaded in the background.
func (c *Client) CreateRunBlocking(ctx context.Context, md UserMetadata) (*RunUploader, error) {
	run, err := c.CreateRun(md)
	if err != nil {
		return nil, err
	}
	if err := run.Wait(ctx); err != nil {
		return nil, err
	}
	return run, nil
}

// create builds a node under parent and enqueues it before returning.
func (c *Client) create(parent *tree.Node, kind Kind, md UserMetadata, p Payload) (*handle, error) {
	var msg *queue.Message
	node, err := c.tree.Create(parent, kind, md, func(n *tree.Node) error {
		msg = queue.NewMessage(n, p)
		return c.queue.Enqueue(msg)
	})
	if err != nil {
		return nil, err
	}
	return &handle{c: c, node: node, msg: msg}, nil
}

// ViewerURL returns the URL at which runID can be viewed. It is computed
// locally and does not prove the run exists on the server.
func (c *Client) ViewerURL(runID ID) string {
	return strings.TrimRight(c.uiHost, "/") +
		"/projects/" + url.PathEscape(c.projectID) +
		"/runs/" + runID.String()
}

// Flush waits until every node created so far has been confirmed or has
// failed. New nodes may still be created while Flush waits.
func (c *Client) Flush(ctx context.Context) error {
	return c.queue.Drain(ctx)
}

// Stats returns a snapshot of the delivery counters.
func (c *Client) Stats() Stats {
	return c.queue.Stats()
}

// Shutdown stops accepting nodes, waits for every queued upload to finish,
// and stops the workers.
//
// If ctx carries no deadline, the shutdown timeout configured with
// [WithShutdownTimeout] applies. When the deadline passes first, the
// remaining nodes are marked failed and a *[ShutdownTimeoutError] listing
// them is returned. Shutdown does not wait past the deadline for a transport
// that ignores cancellation.
func (c *Client) Shutdown(ctx context.Context) (Stats, error) {
	if _, ok := ctx.Deadline(); !ok && c.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.shutdownTimeout)
		defer cancel()
	}

	start := time.Now()
	err := c.queue.Shutdown(ctx)
	stats := c.queue.Stats()

	var timeoutErr *ShutdownTimeoutError
	if errors.As(err, &timeoutErr) {
		c.log().Warn("shutdown timed out",
			"project", c.projectID,
			"undelivered", len(timeoutErr.Undelivered),
			"elapsed", time.Since(start),
		)
		return stats, err
	}
	c.log().Debug("client shut down",
		"project", c.projectID,
		"confirmed", stats.Confirmed,
		"failed", stats.Failed,
		"elapsed", time.Since(start),
	)
	return stats, err
}
