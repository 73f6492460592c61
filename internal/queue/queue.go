// Package queue delivers node messages to a transport in the background.
//
// Messages are grouped into one FIFO lane per run. A lane is handed to at most
// one worker at a time, and its head message must reach a terminal state
// before the next one is sent, so a run's messages reach the transport in
// creation order. Different runs are processed in parallel.
//
// A transient failure keeps the lane reserved while its backoff timer runs,
// but releases the worker, so one slow run never stalls the others.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/Dig-Doug/observation-tools-client/internal/ident"
	"github.com/Dig-Doug/observation-tools-client/transport"
)

// Sentinel errors.
var (
	// ErrSaturated is returned by Enqueue under OverflowFailFast when the
	// queue is full.
	ErrSaturated = errors.New("queue: saturated")

	// ErrClosed is returned by Enqueue once Shutdown has started.
	ErrClosed = errors.New("queue: closed")

	// ErrShutdownTimeout completes messages still undelivered when the
	// shutdown deadline passes.
	ErrShutdownTimeout = errors.New("queue: shutdown timed out")
)

// DrainTimeoutError is returned by Shutdown when the deadline passed before
// every message reached a terminal state.
type DrainTimeoutError struct {
	Undelivered []ident.ID
}

func (e *DrainTimeoutError) Error() string {
	return fmt.Sprintf("queue: shutdown timed out with %d undelivered messages", len(e.Undelivered))
}

// Is matches ErrShutdownTimeout.
func (e *DrainTimeoutError) Is(target error) bool {
	return target == ErrShutdownTimeout
}

// Config configures a Queue.
type Config struct {
	ProjectID string
	Transport transport.Transport

	// Workers is the number of concurrent senders. Defaults to 2.
	Workers int
	// Capacity bounds the number of non-terminal messages. Defaults to 1024.
	Capacity int
	Overflow OverflowPolicy
	Retry    RetryPolicy
	// SendTimeout bounds a single Send call. Zero means no timeout.
	SendTimeout time.Duration

	Sink   Sink
	Logger *slog.Logger
}

// Stats is a snapshot of delivery counters.
type Stats struct {
	Enqueued    uint64
	Confirmed   uint64
	Failed      uint64
	Retries     uint64
	Undelivered uint64
	Pending     int
}

type lane struct {
	run       ident.ID
	msgs      []*Message
	scheduled bool
	timer     *time.Timer
}

// Queue is a bounded, per-run ordered delivery queue with a worker pool.
type Queue struct {
	cfg Config

	slots   chan struct{}
	ready   chan *lane
	closing chan struct{}

	mu      sync.Mutex
	lanes   map[ident.ID]*lane
	pending int
	idle    chan struct{}
	closed  bool
	// abandoned is set once Shutdown gave up on the remaining messages.
	abandoned bool

	cancel context.CancelFunc
	group  *errgroup.Group

	enqueued    atomic.Uint64
	confirmed   atomic.Uint64
	failed      atomic.Uint64
	retries     atomic.Uint64
	undelivered atomic.Uint64
}

// New starts a queue and its workers.
func New(cfg Config) (*Queue, error) {
	if cfg.Transport == nil {
		return nil, errors.New("queue: transport is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}

	idle := make(chan struct{})
	close(idle)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	q := &Queue{
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.Capacity),
		ready:   make(chan *lane, cfg.Capacity),
		closing: make(chan struct{}),
		lanes:   make(map[ident.ID]*lane),
		idle:    idle,
		cancel:  cancel,
		group:   g,
	}
	for range cfg.Workers {
		g.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	return q, nil
}

func (q *Queue) log() *slog.Logger {
	if q.cfg.Logger != nil {
		return q.cfg.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Enqueue appends m to its run's lane.
//
// When the queue is full, OverflowBlock waits for a slot and OverflowFailFast
// returns ErrSaturated. Enqueue returns ErrClosed once Shutdown has started.
func (q *Queue) Enqueue(m *Message) error {
	select {
	case <-q.closing:
		return ErrClosed
	default:
	}

	switch q.cfg.Overflow {
	case OverflowFailFast:
		select {
		case q.slots <- struct{}{}:
		default:
			return fmt.Errorf("%w: %d messages pending", ErrSaturated, q.cfg.Capacity)
		}
	default:
		select {
		case q.slots <- struct{}{}:
		case <-q.closing:
			return ErrClosed
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.slots
		return ErrClosed
	}
	run := m.node.RunID
	l, ok := q.lanes[run]
	if !ok {
		l = &lane{run: run}
		q.lanes[run] = l
	}
	l.msgs = append(l.msgs, m)
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
	if !l.scheduled {
		l.scheduled = true
		q.ready <- l
	}
	q.mu.Unlock()

	q.enqueued.Add(1)
	q.log().Debug("message enqueued",
		"node", m.node.ID,
		"run", run,
		"kind", m.node.Kind,
		"sequence", m.node.Sequence,
	)
	return nil
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-q.ready:
			q.process(ctx, l)
		}
	}
}

// process makes one delivery attempt for the head of l.
func (q *Queue) process(ctx context.Context, l *lane) {
	q.mu.Lock()
	if q.abandoned || len(l.msgs) == 0 {
		q.mu.Unlock()
		return
	}
	l.timer = nil
	m := l.msgs[0]
	q.mu.Unlock()

	attempt := int(m.attempts.Add(1))
	log := q.log().With("node", m.node.ID, "run", l.run, "attempt", attempt)

	// Payloads are serialized when the message is built; only the stored
	// error is reported here.
	wire, err := m.encode(q.cfg.ProjectID)
	if err != nil {
		q.fail(l, m, FailureSerialization, err)
		return
	}
	wire.Attempt = attempt

	err = q.send(ctx, wire)
	if err == nil {
		if !m.claim() {
			return
		}
		m.node.MarkConfirmed()
		q.confirmed.Add(1)
		log.Debug("message confirmed")
		q.finish(l, m, nil)
		return
	}
	if ctx.Err() != nil {
		// Workers are stopping; Shutdown accounts for the message.
		return
	}
	if transport.IsPermanent(err) {
		q.fail(l, m, FailurePermanent, err)
		return
	}
	if !errors.Is(err, transport.ErrTransient) {
		err = transport.Transient(err)
	}

	if m.bo == nil {
		m.bo = q.cfg.Retry.newBackOff()
	}
	delay := m.bo.NextBackOff()
	if delay == backoff.Stop {
		q.fail(l, m, FailureRetriesExhausted, fmt.Errorf("giving up after %d attempts: %w", attempt, err))
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		return
	}
	q.retries.Add(1)
	log.Warn("transient delivery failure, will retry", "error", err, "backoff", delay)
	l.timer = time.AfterFunc(delay, func() { q.ready <- l })
}

func (q *Queue) send(ctx context.Context, wire *transport.Message) error {
	if q.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.SendTimeout)
		defer cancel()
	}
	return q.cfg.Transport.Send(ctx, wire)
}

func (q *Queue) fail(l *lane, m *Message, reason FailureReason, err error) {
	if !m.claim() {
		return
	}
	m.node.MarkFailed()
	q.failed.Add(1)

	f := Failure{
		NodeID:   m.node.ID,
		RunID:    m.node.RunID,
		Kind:     m.node.Kind,
		Reason:   reason,
		Attempts: m.Attempts(),
		Err:      err,
	}
	if q.cfg.Sink != nil {
		q.cfg.Sink(f)
	} else {
		q.log().Error("message failed",
			"node", f.NodeID,
			"run", f.RunID,
			"reason", reason,
			"attempts", f.Attempts,
			"error", err,
		)
	}
	q.finish(l, m, err)
}

// finish completes the head of l, which the caller has claimed, and hands
// the lane to the next worker if more messages are waiting.
func (q *Queue) finish(l *lane, m *Message, err error) {
	m.complete(err)

	q.mu.Lock()
	if q.abandoned {
		// abandon already released the slot and cleared the lane.
		q.mu.Unlock()
		return
	}
	l.msgs[0] = nil
	l.msgs = l.msgs[1:]
	if len(l.msgs) > 0 {
		q.ready <- l
	} else {
		l.scheduled = false
		delete(q.lanes, l.run)
	}
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
	q.mu.Unlock()

	<-q.slots
}

// Drain blocks until every enqueued message is terminal or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting messages, waits for the queue to drain and stops
// the workers. It returns no later than ctx.
//
// If ctx ends first, the remaining messages are completed with
// ErrShutdownTimeout and returned in a *DrainTimeoutError. A worker still
// blocked in a Send that ignores its context is not waited for; the result
// of that Send is discarded. Shutdown may be called more than once; later
// calls wait for the drain again.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.closing)
	}
	q.mu.Unlock()

	drainErr := q.Drain(ctx)

	q.cancel()
	stopped := make(chan struct{})
	go func() {
		_ = q.group.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
	}

	if drainErr == nil {
		return nil
	}
	undelivered := q.abandon()
	if len(undelivered) == 0 {
		return nil
	}
	return &DrainTimeoutError{Undelivered: undelivered}
}

// abandon completes every message no worker has claimed. Results of sends
// still in flight are discarded afterwards.
func (q *Queue) abandon() []ident.ID {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []ident.ID
	for run, l := range q.lanes {
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		for _, m := range l.msgs {
			<-q.slots
			if !m.claim() {
				continue
			}
			m.node.MarkFailed()
			m.complete(ErrShutdownTimeout)
			ids = append(ids, m.node.ID)
		}
		l.msgs = nil
		delete(q.lanes, run)
	}
	q.abandoned = true
	q.undelivered.Add(uint64(len(ids)))
	q.pending = 0
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
	if len(ids) > 0 {
		q.log().Warn("shutdown abandoned undelivered messages", "count", len(ids))
	}
	return ids
}

// Stats returns a snapshot of the delivery counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := q.pending
	q.mu.Unlock()

	return Stats{
		Enqueued:    q.enqueued.Load(),
		Confirmed:   q.confirmed.Load(),
		Failed:      q.failed.Load(),
		Retries:     q.retries.Load(),
		Undelivered: q.undelivered.Load(),
		Pending:     pending,
	}
}
