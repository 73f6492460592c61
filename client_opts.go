package obstools

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Dig-Doug/observation-tools-client/transport"
)

// Option configures a Client.
type Option func(*Client) error

// --- Endpoint Options ---

// WithEndpoint sets the base URL of the observation.tools API.
// Nodes are posted to endpoint + "/create-artifact".
// Ignored when [WithTransport] is used.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) error {
		if err := validateHost(endpoint); err != nil {
			return fmt.Errorf("%w: endpoint: %w", ErrInvalidConfig, err)
		}
		c.apiHost = endpoint
		return nil
	}
}

// WithAPIHost is an alias for [WithEndpoint].
func WithAPIHost(host string) Option {
	return WithEndpoint(host)
}

// WithUIHost sets the base URL used by ViewerURL.
func WithUIHost(host string) Option {
	return func(c *Client) error {
		if err := validateHost(host); err != nil {
			return fmt.Errorf("%w: ui host: %w", ErrInvalidConfig, err)
		}
		c.uiHost = host
		return nil
	}
}

func validateHost(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host", raw)
	}
	return nil
}

// --- Authentication Options ---

// WithToken sets a static bearer token for API requests.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTokenSource sets a function that returns the bearer token before every
// request. It takes precedence over [WithToken].
// Errors from the source are treated as transient delivery failures.
func WithTokenSource(src TokenSource) Option {
	return func(c *Client) error {
		c.tokenSource = src
		return nil
	}
}

// --- Transport Options ---

// WithTransport replaces the HTTP transport.
// Endpoint, authentication, compression, and HTTP client options are then
// ignored.
func WithTransport(t transport.Transport) Option {
	return func(c *Client) error {
		if t == nil {
			return fmt.Errorf("%w: transport must not be nil", ErrInvalidConfig)
		}
		c.transport = t
		return nil
	}
}

// WithHTTPClient sets the HTTP client used by the default transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithCompression compresses request bodies sent by the default transport.
func WithCompression(compression Compression) Option {
	return func(c *Client) error {
		switch compression {
		case CompressionNone, CompressionZstd, CompressionLZ4:
			c.compression = compression
			return nil
		default:
			return fmt.Errorf("%w: unknown compression %s", ErrInvalidConfig, compression)
		}
	}
}

// WithSendTimeout bounds a single delivery attempt. Zero disables the bound.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("%w: send timeout must be non-negative", ErrInvalidConfig)
		}
		c.sendTimeout = d
		return nil
	}
}

// --- Queue Options ---

// WithWorkers sets the number of concurrent upload workers ([DefaultWorkers]).
func WithWorkers(n int) Option {
	return func(c *Client) error {
		if n < 1 {
			return fmt.Errorf("%w: workers must be at least 1", ErrInvalidConfig)
		}
		c.workers = n
		return nil
	}
}

// WithQueueCapacity bounds the number of nodes waiting for delivery
// ([DefaultQueueCapacity]). What happens when it is reached is set by
// [WithOverflowPolicy].
func WithQueueCapacity(n int) Option {
	return func(c *Client) error {
		if n < 1 {
			return fmt.Errorf("%w: queue capacity must be at least 1", ErrInvalidConfig)
		}
		c.capacity = n
		return nil
	}
}

// WithOverflowPolicy sets what node creation does when the queue is full.
// The default, [OverflowBlock], waits for a free slot; [OverflowFailFast]
// returns [ErrQueueSaturated].
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(c *Client) error {
		switch p {
		case OverflowBlock, OverflowFailFast:
			c.overflow = p
			return nil
		default:
			return fmt.Errorf("%w: unknown overflow policy %s", ErrInvalidConfig, p)
		}
	}
}

// WithRetryPolicy sets how transient delivery failures are retried.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) error {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("%w: retry max attempts must be at least 1", ErrInvalidConfig)
		}
		if p.InitialInterval <= 0 || p.MaxInterval < p.InitialInterval {
			return fmt.Errorf("%w: retry intervals must be positive and max >= initial", ErrInvalidConfig)
		}
		if p.MaxElapsed < 0 {
			return fmt.Errorf("%w: retry max elapsed must be non-negative", ErrInvalidConfig)
		}
		c.retry = p
		return nil
	}
}

// WithShutdownTimeout sets how long Shutdown waits for the queue to drain
// when its context has no deadline ([DefaultShutdownTimeout]).
// Zero waits indefinitely.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("%w: shutdown timeout must be non-negative", ErrInvalidConfig)
		}
		c.shutdownTimeout = d
		return nil
	}
}

// --- Failure Reporting Options ---

// WithFailureSink sets the function that receives every failed upload.
// It is called from a worker goroutine and should not block.
// Without a sink, failures are logged at error level.
func WithFailureSink(fn FailureFunc) Option {
	return func(c *Client) error {
		c.sink = fn
		return nil
	}
}

// WithFailureChannel delivers failed uploads to ch.
// Sends never block; when ch is full the failure is logged instead.
func WithFailureChannel(ch chan<- Failure) Option {
	return func(c *Client) error {
		if ch == nil {
			return fmt.Errorf("%w: failure channel must not be nil", ErrInvalidConfig)
		}
		c.sink = func(f Failure) {
			select {
			case ch <- f:
			default:
				c.logFailure(f, "failure channel full, upload failure dropped from channel")
			}
		}
		return nil
	}
}

// WithLogger sets a logger for the client.
// The logger is propagated to the upload queue.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}
