package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/pierrec/lz4/v4"

	"github.com/Dig-Doug/observation-tools-client/transport"
	obshttp "github.com/Dig-Doug/observation-tools-client/transport/http"
)

// localReceiver accepts node uploads in-process and logs them.
type localReceiver struct {
	server    *httptest.Server
	logger    *slog.Logger
	failEvery int64
	requests  atomic.Int64
}

func newLocalReceiver(failEvery int, logger *slog.Logger) (*localReceiver, error) {
	if failEvery < 0 {
		return nil, fmt.Errorf("--fail-every must be non-negative, got %d", failEvery)
	}
	r := &localReceiver{logger: logger, failEvery: int64(failEvery)}
	mux := nethttp.NewServeMux()
	mux.HandleFunc("POST "+obshttp.CreatePath, r.create)
	r.server = httptest.NewServer(mux)
	return r, nil
}

func (r *localReceiver) URL() string {
	return r.server.URL
}

func (r *localReceiver) Close() {
	r.server.Close()
}

func (r *localReceiver) create(w nethttp.ResponseWriter, req *nethttp.Request) {
	n := r.requests.Add(1)
	if r.failEvery > 0 && n%r.failEvery == 0 {
		nethttp.Error(w, "simulated overload", nethttp.StatusServiceUnavailable)
		return
	}

	body, err := decodeBody(req)
	if err != nil {
		nethttp.Error(w, err.Error(), nethttp.StatusBadRequest)
		return
	}
	if want := req.Header.Get(obshttp.HeaderContentDigest); want != "" {
		if got := digest.FromBytes(body); got.String() != want {
			nethttp.Error(w, "digest mismatch", nethttp.StatusBadRequest)
			return
		}
	}

	var msg transport.Message
	if err := transport.Unmarshal(body, &msg); err != nil {
		nethttp.Error(w, err.Error(), nethttp.StatusUnprocessableEntity)
		return
	}
	r.logger.Info("received node",
		"run", msg.RunID,
		"node", msg.NodeID,
		"kind", msg.Kind,
		"name", msg.Metadata.Name,
		"sequence", msg.Sequence,
		"payload_bytes", len(msg.PayloadBytes),
	)
	w.WriteHeader(nethttp.StatusCreated)
}

func decodeBody(req *nethttp.Request) ([]byte, error) {
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	switch enc := req.Header.Get("Content-Encoding"); enc {
	case "":
		return raw, nil
	case "zstd":
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(raw, nil)
	case "lz4":
		return io.ReadAll(lz4.NewReader(bytes.NewReader(raw)))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

// newHTTPClient returns a client whose requests are delayed by latency.
func newHTTPClient(latency time.Duration) *nethttp.Client {
	base := nethttp.DefaultTransport
	if t, ok := base.(*nethttp.Transport); ok {
		base = t.Clone()
	}
	return &nethttp.Client{Transport: &latencyRoundTripper{base: base, latency: latency}}
}

type latencyRoundTripper struct {
	base    nethttp.RoundTripper
	latency time.Duration
}

func (rt *latencyRoundTripper) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	select {
	case <-time.After(rt.latency):
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
	return rt.base.RoundTrip(req)
}
