package obstools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dig-Doug/observation-tools-client/payload"
	"github.com/Dig-Doug/observation-tools-client/transport"
	"github.com/Dig-Doug/observation-tools-client/transport/transporttest"
)

var testRetry = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

type failureLog struct {
	mu       sync.Mutex
	failures []Failure
}

func (l *failureLog) record(f Failure) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, f)
}

func (l *failureLog) all() []Failure {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Failure(nil), l.failures...)
}

func newTestClient(t *testing.T, rec *transporttest.Recorder, opts ...Option) (*Client, *failureLog) {
	t.Helper()

	fl := &failureLog{}
	base := []Option{
		WithTransport(rec),
		WithRetryPolicy(testRetry),
		WithFailureSink(fl.record),
		WithUIHost("https://ui.example.test"),
	}
	c, err := NewClient("proj-1", append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = c.Shutdown(ctx)
	})
	return c, fl
}

func shutdown(t *testing.T, c *Client) Stats {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := c.Shutdown(ctx)
	require.NoError(t, err)
	return stats
}

func md(name string) UserMetadata {
	return NewUserMetadata(name)
}

func TestNewClient_RequiresProjectID(t *testing.T) {
	t.Parallel()

	_, err := NewClient("  ", WithTransport(&transporttest.Recorder{}))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewClient_DefaultHTTPTransport(t *testing.T) {
	t.Parallel()

	c, err := NewClient("proj", WithEndpoint("http://localhost:8000"), WithToken("secret"))
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = c.Shutdown(context.Background()) })

	assert.Equal(t, "proj", c.ProjectID())
	assert.Equal(t, DefaultWorkers, c.workers)
	assert.Equal(t, DefaultShutdownTimeout, c.shutdownTimeout)
	assert.NotNil(t, c.transport)
}

func TestClient_ScenarioRunStageGroupsObjects(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{}
	c, fl := newTestClient(t, rec)

	run, err := c.CreateRun(md("scenario"))
	require.NoError(t, err)
	stage, err := run.CreateStage(md("stage"))
	require.NoError(t, err)

	for i := range 2 {
		group, err := stage.ChildUploader(md(fmt.Sprintf("group-%d", i)))
		require.NoError(t, err)
		_, err = group.CreateObject(md(fmt.Sprintf("object-%d", i)), payload.Text("0123456789"))
		require.NoError(t, err)
	}

	stats := shutdown(t, c)
	assert.Equal(t, uint64(7), stats.Enqueued)
	assert.Equal(t, uint64(7), stats.Confirmed)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Undelivered)
	assert.Empty(t, fl.all())

	delivered := rec.DeliveredForRun(run.ID().String())
	require.Len(t, delivered, 7)
	seen := map[string]bool{}
	for i, msg := range delivered {
		assert.Equal(t, uint64(i+1), msg.Sequence)
		assert.Equal(t, "proj-1", msg.ProjectID)
		if msg.ParentID != "" {
			assert.True(t, seen[msg.ParentID], "parent of %s delivered first", msg.Metadata.Name)
		}
		seen[msg.NodeID] = true
		if msg.Kind == "object" {
			assert.Len(t, msg.PayloadBytes, 10)
			assert.Equal(t, payload.ContentTypeText, msg.PayloadContentType)
			assert.Len(t, msg.AncestorIDs, 3)
		}
	}
}

func TestClient_ConcurrentSequencesAreGapFree(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{}
	c, _ := newTestClient(t, rec, WithWorkers(4))

	run, err := c.CreateRun(md("concurrent"))
	require.NoError(t, err)

	const goroutines, perGoroutine = 8, 25
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs = map[uint64]int{run.Sequence(): 1}
	)
	for g := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			group, err := run.ChildUploader(md(fmt.Sprintf("g-%d", g)))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seqs[group.Sequence()]++
			mu.Unlock()
			for i := range perGoroutine - 1 {
				obj, err := group.CreateObjectData(fmt.Sprintf("o-%d", i), i)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seqs[obj.Sequence()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	const n = goroutines*perGoroutine + 1
	require.Len(t, seqs, n)
	for s := uint64(1); s <= n; s++ {
		assert.Equal(t, 1, seqs[s], "sequence %d", s)
	}

	shutdown(t, c)
	delivered := rec.DeliveredForRun(run.ID().String())
	require.Len(t, delivered, n)
	for i, msg := range delivered {
		assert.Equal(t, uint64(i+1), msg.Sequence)
	}
}

func TestClient_CreateRunReturnsBeforeUpload(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{Gate: make(chan struct{})}
	c, _ := newTestClient(t, rec)

	run, err := c.CreateRun(md("gated"))
	require.NoError(t, err)

	assert.Zero(t, rec.Calls())
	assert.Equal(t, StateEnqueued, run.State())
	assert.Equal(t, "https://ui.example.test/projects/proj-1/runs/"+run.ID().String(), run.ViewerURL())

	close(rec.Gate)
	require.NoError(t, run.Wait(context.Background()))
	assert.Equal(t, StateConfirmed, run.State())
}

func TestClient_CreateRunBlocking(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{}
	c, _ := newTestClient(t, rec)

	run, err := c.CreateRunBlocking(context.Background(), md("blocking"))
	require.NoError(t, err)

	assert.Equal(t, StateConfirmed, run.State())
	assert.Equal(t, 1, rec.Calls())

	plain, err := c.CreateRun(md("plain"))
	require.NoError(t, err)
	trim := func(u string) string { return u[:strings.LastIndex(u, "/")] }
	assert.Equal(t, trim(plain.ViewerURL()), trim(run.ViewerURL()))
	assert.True(t, strings.HasSuffix(run.ViewerURL(), "/runs/"+run.ID().String()))
}

func TestClient_CreateRunBlocking_ReturnsDeliveryError(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{
		Fail: func(*transport.Message, int) error {
			return transport.Permanent(errors.New("403 forbidden"))
		},
	}
	c, fl := newTestClient(t, rec)

	run, err := c.CreateRunBlocking(context.Background(), md("denied"))
	require.ErrorIs(t, err, ErrPermanentTransport)
	assert.Nil(t, run)

	failures := fl.all()
	require.Len(t, failures, 1)
	assert.Equal(t, FailurePermanent, failures[0].Reason)
	assert.Equal(t, KindRun, failures[0].Kind)
	assert.Equal(t, 1, failures[0].Attempts)
}

func TestClient_CreateRunBlocking_ContextEnds(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{Gate: make(chan struct{})}
	c, _ := newTestClient(t, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.CreateRunBlocking(ctx, md("stuck"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(rec.Gate)
	stats := shutdown(t, c)
	assert.Equal(t, uint64(1), stats.Confirmed)
}

func TestClient_TransientRetriesThenConfirms(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{}
	rec.Fail = func(msg *transport.Message, attempt int) error {
		if msg.Metadata.Name == "flaky" && attempt <= 2 {
			return transport.Transient(errors.New("502 bad gateway"))
		}
		return nil
	}
	c, fl := newTestClient(t, rec, WithWorkers(1))

	run, err := c.CreateRun(md("run"))
	require.NoError(t, err)
	flaky, err := run.CreateObject(md("flaky"), payload.Text("retry me"))
	require.NoError(t, err)

	other, err := c.CreateRun(md("other"))
	require.NoError(t, err)
	steady, err := other.CreateObject(md("steady"), payload.Text("fine"))
	require.NoError(t, err)

	require.NoError(t, flaky.Wait(context.Background()))
	require.NoError(t, steady.Wait(context.Background()))

	assert.Equal(t, StateConfirmed, flaky.State())
	assert.Equal(t, 3, flaky.Attempts())
	assert.Equal(t, 1, steady.Attempts())

	stats := shutdown(t, c)
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, uint64(4), stats.Confirmed)
	assert.Empty(t, fl.all())
}

func TestClient_SerializationFailureIsIsolated(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{}
	c, fl := newTestClient(t, rec)

	run, err := c.CreateRun(md("run"))
	require.NoError(t, err)
	group, err := run.ChildUploader(md("group"))
	require.NoError(t, err)

	bad, err := group.CreateObjectData("bad", func() {})
	require.NoError(t, err)
	sibling, err := group.CreateObjectData("sibling", "ok")
	require.NoError(t, err)
	cousinGroup, err := run.ChildUploader(md("cousin-group"))
	require.NoError(t, err)
	cousin, err := cousinGroup.CreateObjectData("cousin", []byte{1, 2, 3})
	require.NoError(t, err)

	stats := shutdown(t, c)

	require.ErrorIs(t, bad.Wait(context.Background()), ErrSerialization)
	assert.Equal(t, StateFailed, bad.State())
	assert.Equal(t, StateConfirmed, sibling.State())
	assert.Equal(t, StateConfirmed, cousin.State())
	assert.Equal(t, uint64(5), stats.Confirmed)
	assert.Equal(t, uint64(1), stats.Failed)

	failures := fl.all()
	require.Len(t, failures, 1)
	assert.Equal(t, bad.ID(), failures[0].NodeID)
	assert.Equal(t, run.ID(), failures[0].RunID)
	assert.Equal(t, FailureSerialization, failures[0].Reason)
	assert.Equal(t, 1, failures[0].Attempts)
}

func TestClient_PayloadCapturedAtCreate(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{Gate: make(chan struct{})}
	c, _ := newTestClient(t, rec)

	run, err := c.CreateRun(md("run"))
	require.NoError(t, err)

	metrics := map[string]int{"loss": 1}
	structured, err := run.CreateObjectData("metrics", metrics)
	require.NoError(t, err)
	buf := []byte("original")
	raw, err := run.CreateObject(md("raw"), payload.Bytes{Data: buf})
	require.NoError(t, err)

	metrics["loss"] = 999
	copy(buf, "MUTATED!")
	close(rec.Gate)
	shutdown(t, c)

	byID := map[string]transport.Message{}
	for _, m := range rec.Delivered() {
		byID[m.NodeID] = m
	}

	gotRaw, ok := byID[raw.ID().String()]
	require.True(t, ok)
	assert.Equal(t, "original", string(gotRaw.PayloadBytes))

	gotStructured, ok := byID[structured.ID().String()]
	require.True(t, ok)
	var decoded map[string]int
	require.NoError(t, cbor.Unmarshal(gotStructured.PayloadBytes, &decoded))
	assert.Equal(t, map[string]int{"loss": 1}, decoded)
}

func TestClient_InvalidHierarchy(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, &transporttest.Recorder{})
	run, err := c.CreateRun(md("run"))
	require.NoError(t, err)
	stage, err := run.CreateStage(md("stage"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		parent Uploader
		kind   Kind
	}{
		{name: "run under run", parent: run.Uploader, kind: KindRun},
		{name: "stage under stage", parent: stage, kind: KindStage},
	}
	for _, tt := range tests {
		_, err := tt.parent.CreateChild(tt.kind, md(tt.name), nil)
		require.ErrorIs(t, err, ErrInvalidHierarchy, tt.name)
	}

	_, err = run.CreateObject(md("empty"), nil)
	require.ErrorIs(t, err, ErrSerialization)

	stats := shutdown(t, c)
	assert.Equal(t, uint64(2), stats.Enqueued)
}

func TestClient_StagesRecordPreviousStages(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{}
	c, _ := newTestClient(t, rec)

	run, err := c.CreateRun(md("run"))
	require.NoError(t, err)
	first, err := run.CreateStage(md("first"))
	require.NoError(t, err)
	second, err := run.CreateStage(md("second"))
	require.NoError(t, err)
	group, err := run.CreateChild(KindGroup, md("direct-group"), nil)
	require.NoError(t, err)

	shutdown(t, c)

	byID := map[string]transport.Message{}
	for _, msg := range rec.Delivered() {
		byID[msg.NodeID] = msg
	}
	assert.Empty(t, byID[first.ID().String()].PreviousStageIDs)
	assert.Equal(t, []string{first.ID().String()}, byID[second.ID().String()].PreviousStageIDs)
	assert.Equal(t, run.ID().String(), byID[group.ID().String()].ParentID)
}

func TestClient_ShutdownTimeout(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{Gate: make(chan struct{})}
	c, err := NewClient("proj", WithTransport(rec), WithWorkers(1))
	require.NoError(t, err)

	run, err := c.CreateRun(md("run"))
	require.NoError(t, err)
	obj, err := run.CreateObjectData("obj", "x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	stats, err := c.Shutdown(ctx)

	require.ErrorIs(t, err, ErrShutdownTimeout)
	var timeoutErr *ShutdownTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.ElementsMatch(t, []ID{run.ID(), obj.ID()}, timeoutErr.Undelivered)
	assert.Equal(t, uint64(2), stats.Undelivered)

	require.ErrorIs(t, obj.Wait(context.Background()), ErrShutdownTimeout)
	assert.Equal(t, StateFailed, obj.State())

	_, err = c.CreateRun(md("late"))
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_FailFastOverflow(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{Gate: make(chan struct{})}
	c, _ := newTestClient(t, rec,
		WithWorkers(1),
		WithQueueCapacity(2),
		WithOverflowPolicy(OverflowFailFast),
	)

	run, err := c.CreateRun(md("run"))
	require.NoError(t, err)
	_, err = run.CreateObjectData("fits", "x")
	require.NoError(t, err)

	_, err = run.CreateObjectData("overflow", "x")
	require.ErrorIs(t, err, ErrQueueSaturated)
	_, err = c.CreateRun(md("also-overflow"))
	require.ErrorIs(t, err, ErrQueueSaturated)

	close(rec.Gate)
	require.NoError(t, c.Flush(context.Background()))

	obj, err := run.CreateObjectData("after-flush", "x")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), obj.Sequence(), "rejected nodes do not consume sequence numbers")
}

func TestClient_FailureChannel(t *testing.T) {
	t.Parallel()

	rec := &transporttest.Recorder{
		Fail: func(msg *transport.Message, _ int) error {
			if msg.Kind == "object" {
				return transport.Permanent(errors.New("422 schema"))
			}
			return nil
		},
	}
	failures := make(chan Failure, 4)
	c, err := NewClient("proj", WithTransport(rec), WithFailureChannel(failures))
	require.NoError(t, err)

	run, err := c.CreateRun(md("run"))
	require.NoError(t, err)
	obj, err := run.CreateObjectData("rejected", "x")
	require.NoError(t, err)

	stats, err := c.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Failed)

	select {
	case f := <-failures:
		assert.Equal(t, obj.ID(), f.NodeID)
		assert.Equal(t, FailurePermanent, f.Reason)
		require.ErrorIs(t, f.Err, ErrPermanentTransport)
	default:
		t.Fatal("expected a failure on the channel")
	}
}
