// Package http provides a transport that posts node messages to the
// observation-tools HTTP API.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/Dig-Doug/observation-tools-client/transport"
)

// CreatePath is the API path that accepts node messages.
const CreatePath = "/create-artifact"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// Request headers set on every upload.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderContentDigest  = "X-Content-Digest"
)

// TokenSource returns the bearer token for a request.
type TokenSource func(ctx context.Context) (string, error)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("create artifact: %s", e.Status)
	}
	return fmt.Sprintf("create artifact: %s: %s", e.Status, e.Body)
}

// Sender implements transport.Transport over HTTP.
type Sender struct {
	url         string
	client      *nethttp.Client
	headers     nethttp.Header
	tokens      TokenSource
	compression Compression

	// Concurrent workers share one in-flight token fetch.
	tokenFlight singleflight.Group
}

var _ transport.Transport = (*Sender)(nil)

// Option configures a Sender.
type Option func(*Sender)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Sender) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Sender) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Sender) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithToken sends a static bearer token.
func WithToken(token string) Option {
	return func(s *Sender) {
		if token == "" {
			s.tokens = nil
			return
		}
		s.tokens = func(context.Context) (string, error) { return token, nil }
	}
}

// WithTokenSource fetches the bearer token before every request.
func WithTokenSource(src TokenSource) Option {
	return func(s *Sender) {
		s.tokens = src
	}
}

// WithCompression compresses request bodies.
func WithCompression(c Compression) Option {
	return func(s *Sender) {
		s.compression = c
	}
}

// NewSender creates a Sender posting to endpoint + CreatePath.
func NewSender(endpoint string, opts ...Option) (*Sender, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: scheme must be http or https", endpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q: missing host", endpoint)
	}

	s := &Sender{
		url:    strings.TrimSuffix(endpoint, "/") + CreatePath,
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	if _, err := s.compression.encoding(); err != nil {
		return nil, err
	}
	return s, nil
}

// URL returns the full request URL.
func (s *Sender) URL() string {
	return s.url
}

// Send implements transport.Transport.
//
// 2xx acknowledges the message. Network errors and 408, 425, 429 and 5xx
// responses are transient; any other status is permanent.
func (s *Sender) Send(ctx context.Context, msg *transport.Message) error {
	body, err := transport.Marshal(msg)
	if err != nil {
		return transport.Permanent(err)
	}
	dgst := digest.FromBytes(body)

	body, err = s.compression.compress(body)
	if err != nil {
		return transport.Permanent(err)
	}

	token, err := s.token(ctx)
	if err != nil {
		return transport.Transient(err)
	}
	req, err := s.newRequest(ctx, body, token)
	if err != nil {
		return transport.Permanent(err)
	}
	req.Header.Set(HeaderIdempotencyKey, msg.NodeID)
	req.Header.Set(HeaderContentDigest, dgst.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return transport.Transient(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(respBody)),
	}
	if retryable(resp.StatusCode) {
		return transport.Transient(statusErr)
	}
	return transport.Permanent(statusErr)
}

func (s *Sender) token(ctx context.Context) (string, error) {
	if s.tokens == nil {
		return "", nil
	}
	v, err, _ := s.tokenFlight.Do("token", func() (any, error) {
		return s.tokens(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	return v.(string), nil
}

func (s *Sender) newRequest(ctx context.Context, body []byte, token string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Content-Type", transport.MediaType)
	if enc, _ := s.compression.encoding(); enc != "" {
		req.Header.Set("Content-Encoding", enc)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func retryable(status int) bool {
	switch status {
	case nethttp.StatusRequestTimeout, nethttp.StatusTooEarly, nethttp.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// IsStatus reports whether err carries an HTTP response with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}
