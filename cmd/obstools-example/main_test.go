package main

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	obstools "github.com/Dig-Doug/observation-tools-client"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	cfg, flags, err := parseFlags([]string{"-p", "proj", "--api-host", "local", "--groups", "3", "--compression", "lz4", "-v"})
	require.NoError(t, err)

	assert.Equal(t, "proj", cfg.projectID)
	assert.Equal(t, 3, cfg.groups)
	assert.True(t, cfg.verbose)

	dst := &obstools.Config{APIHost: "https://from-file.example.test"}
	applyFlags(dst, cfg, flags)
	assert.Equal(t, "proj", dst.ProjectID)
	assert.Equal(t, "lz4", dst.Compression)
	assert.Equal(t, "https://from-file.example.test", dst.APIHost, "local receiver is wired separately")

	_, _, err = parseFlags([]string{"--objects", "-1"})
	require.Error(t, err)
}

func TestRecord_LocalReceiver(t *testing.T) {
	t.Parallel()

	for _, compression := range []obstools.Compression{obstools.CompressionNone, obstools.CompressionZstd, obstools.CompressionLZ4} {
		t.Run(compression.String(), func(t *testing.T) {
			t.Parallel()

			recv, err := newLocalReceiver(0, slog.New(slog.DiscardHandler))
			require.NoError(t, err)
			t.Cleanup(recv.Close)

			client, err := obstools.NewClient("proj",
				obstools.WithEndpoint(recv.URL()),
				obstools.WithCompression(compression),
				obstools.WithToken("secret"),
			)
			require.NoError(t, err)

			url, err := record(context.Background(), client, config{groups: 2, objects: 1, blocking: true})
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(url, obstools.DefaultUIHost+"/projects/proj/runs/"))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stats, err := client.Shutdown(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(7), stats.Confirmed)
			assert.Zero(t, stats.Failed)
			assert.Equal(t, int64(7), recv.requests.Load())
		})
	}
}

func TestRecord_LocalReceiverRetriesOverload(t *testing.T) {
	t.Parallel()

	recv, err := newLocalReceiver(3, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(recv.Close)

	client, err := obstools.NewClient("proj",
		obstools.WithEndpoint(recv.URL()),
		obstools.WithHTTPClient(newHTTPClient(time.Millisecond)),
		obstools.WithWorkers(1),
		obstools.WithRetryPolicy(obstools.RetryPolicy{
			MaxAttempts:     5,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		}),
	)
	require.NoError(t, err)

	_, err = record(context.Background(), client, config{groups: 3, objects: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := client.Shutdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), stats.Confirmed)
	assert.Zero(t, stats.Failed)
	// With one worker and one run, requests are sequential: every third
	// one is rejected and its retry succeeds.
	assert.Equal(t, uint64(5), stats.Retries)
}
