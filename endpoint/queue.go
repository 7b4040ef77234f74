// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/mds/message"
	"github.com/cenkalti/backoff/v4"
)

// DeliveryQueue orders the outbound messages of one endpoint.
type DeliveryQueue interface {
	Start(ctx context.Context) error
	Stop()
	// Enqueue accepts a message for reliable delivery. StoreAndForward
	// messages are persisted before Enqueue returns.
	Enqueue(ctx context.Context, msg *message.Message) error
	// AddToHead schedules a single delivery attempt ahead of queued traffic.
	AddToHead(msg *message.Message, done func(error))
	// HandleResult reports the outcome of a message previously sent.
	HandleResult(msg *message.Message, err error)
	// Notify wakes the worker, e.g. after a receiver connected.
	Notify()
	// Resync drops the durable window and reloads it from the log, picking
	// up records moved onto or away from this queue by someone else.
	Resync(ctx context.Context) error
	Len() int
}

// Sender delivers a message on a free transport.
type Sender interface {
	Name() string
	SendDataMessage(ctx context.Context, msg *message.Message, timeout time.Duration) error
}

// QueueConfig tunes a Queue.
type QueueConfig struct {
	// MaxInQueue bounds the durable entries held in memory.
	MaxInQueue int
	// RefillThreshold is the durable entry count under which the window is refilled.
	RefillThreshold int
	// MaxNonPersistent bounds the memory-only entries.
	MaxNonPersistent int
	// ResponseTimeout bounds the attempt of a direct send.
	ResponseTimeout time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxInQueue <= 0 {
		c.MaxInQueue = 50
	}
	if c.RefillThreshold <= 0 {
		c.RefillThreshold = 5
	}
	if c.MaxNonPersistent <= 0 {
		c.MaxNonPersistent = 1000
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	return c
}

const (
	// directID marks a single-attempt entry that is never persisted.
	directID int64 = -1
	// memoryID marks a retried entry that lives in memory only.
	memoryID int64 = 0
)

type queueEntry struct {
	id      int64
	msg     *message.Message
	waiting bool

	// stale entries were in flight when the queue resynced; they are settled
	// but never retried.
	stale bool

	// deadline ends the single attempt of a direct entry.
	deadline time.Time
	done     func(error)
}

func (e *queueEntry) durable() bool {
	return e.id > 0
}

var _ DeliveryQueue = (*Queue)(nil)

// Queue is a bounded in-memory window over a durable log, drained by a single
// worker. A nil log keeps every entry in memory.
type Queue struct {
	sender Sender
	log    Log
	cfg    QueueConfig
	logger *slog.Logger

	// enqMu serializes persist-then-append so the window keeps log order.
	enqMu sync.Mutex

	mu            sync.Mutex
	entries       []*queueEntry
	maxIDInWindow int64
	maxIDInStore  int64
	started       bool
	stopped       bool

	// gen changes on every resync and invalidates refills in progress.
	gen uint64

	// interrupt cancels the wait of a reliable entry for a free transport or
	// its backoff. It is nil while a direct entry is attempted.
	interrupt context.CancelFunc

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue delivering through s.
func NewQueue(s Sender, log Log, cfg QueueConfig, logger *slog.Logger) *Queue {
	return &Queue{
		sender: s,
		log:    log,
		cfg:    cfg.withDefaults(),
		logger: loggerOrDefault(logger).With(slog.String("queue", s.Name())),
		wake:   make(chan struct{}, 1),
	}
}

// Start reads the log position and launches the worker.
func (q *Queue) Start(ctx context.Context) error {
	q.enqMu.Lock()
	defer q.enqMu.Unlock()

	var maxID int64
	if q.log != nil {
		id, err := q.log.MaxID(ctx)
		if err != nil {
			return err
		}
		maxID = id
	}

	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.maxIDInStore = maxID
	q.started = true
	q.cancel = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(ctx)
	q.Notify()
	return nil
}

// Stop halts the worker. Pending direct sends fail with ErrClosed.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()

	q.mu.Lock()
	var pending []*queueEntry
	q.entries = slices.DeleteFunc(q.entries, func(e *queueEntry) bool {
		if e.id == directID {
			pending = append(pending, e)
			return true
		}
		return false
	})
	q.mu.Unlock()

	for _, e := range pending {
		e.finish(ErrClosed)
	}
}

func (q *Queue) Enqueue(ctx context.Context, msg *message.Message) error {
	if msg.TransmitRule == message.StoreAndForward && q.log != nil {
		return q.enqueueDurable(ctx, msg)
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrClosed
	}
	n := 0
	for _, e := range q.entries {
		if e.id == memoryID {
			n++
		}
	}
	if n >= q.cfg.MaxNonPersistent {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s holds %d messages", ErrQueueFull, q.sender.Name(), n)
	}
	q.entries = append(q.entries, &queueEntry{id: memoryID, msg: msg})
	q.mu.Unlock()

	q.Notify()
	return nil
}

func (q *Queue) enqueueDurable(ctx context.Context, msg *message.Message) error {
	q.enqMu.Lock()
	defer q.enqMu.Unlock()

	id, err := q.log.Append(ctx, msg)
	if err != nil {
		return err
	}

	q.mu.Lock()
	// A refill may already have loaded id from the log.
	caughtUp := q.started && !q.stopped && q.maxIDInWindow >= q.maxIDInStore
	if caughtUp && id > q.maxIDInWindow && q.durableLocked() < q.cfg.MaxInQueue {
		q.entries = append(q.entries, &queueEntry{id: id, msg: msg})
		q.maxIDInWindow = id
	}
	q.maxIDInStore = max(q.maxIDInStore, id)
	q.mu.Unlock()

	q.Notify()
	return nil
}

func (q *Queue) AddToHead(msg *message.Message, done func(error)) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		if done != nil {
			done(ErrClosed)
		}
		return
	}
	// Direct sends keep their own arrival order ahead of everything else.
	i := 0
	for i < len(q.entries) && q.entries[i].id == directID {
		i++
	}
	q.entries = slices.Insert(q.entries, i, &queueEntry{
		id:       directID,
		msg:      msg,
		deadline: time.Now().Add(q.cfg.ResponseTimeout),
		done:     done,
	})
	q.interruptLocked()
	q.mu.Unlock()

	q.Notify()
}

func (q *Queue) HandleResult(msg *message.Message, err error) {
	q.mu.Lock()
	i := slices.IndexFunc(q.entries, func(e *queueEntry) bool { return e.msg == msg })
	if i < 0 {
		q.mu.Unlock()
		return
	}
	e := q.entries[i]
	if err != nil && e.stale {
		q.dropStaleLocked(i)
		q.mu.Unlock()
		q.Notify()
		return
	}
	if err != nil && e.id != directID {
		// Reliable entries go back in line.
		e.waiting = false
		q.mu.Unlock()
		q.logger.Debug("delivery failed, will retry",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
		q.Notify()
		return
	}
	q.entries = slices.Delete(q.entries, i, i+1)
	q.mu.Unlock()

	if e.durable() {
		if rerr := q.log.Remove(context.Background(), e.id); rerr != nil {
			q.logger.Error("failed to remove delivered message",
				slog.Int64("id", e.id),
				slog.String("error", rerr.Error()))
		}
	}
	e.finish(err)
	q.Notify()
}

func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Resync keeps only the durable entries already being attempted; the rest are
// reloaded from the log by the worker.
func (q *Queue) Resync(ctx context.Context) error {
	if q.log == nil {
		return nil
	}
	q.enqMu.Lock()
	defer q.enqMu.Unlock()

	id, err := q.log.MaxID(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.entries = slices.DeleteFunc(q.entries, func(e *queueEntry) bool {
		if !e.durable() {
			return false
		}
		e.stale = true
		return !e.waiting
	})
	q.maxIDInWindow = 0
	q.maxIDInStore = id
	q.gen++
	q.interruptLocked()
	q.mu.Unlock()

	q.Notify()
	return nil
}

func (q *Queue) interruptLocked() {
	if q.interrupt != nil {
		q.interrupt()
		q.interrupt = nil
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialBackoff
	b.MaxInterval = q.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		q.refill(ctx)

		e, attemptCtx, cancel := q.next(ctx)
		if e == nil {
			cancel()
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		ok := q.attempt(ctx, attemptCtx, e, b)
		cancel()
		q.mu.Lock()
		q.interrupt = nil
		q.mu.Unlock()
		if !ok {
			return
		}
	}
}

// attempt sends e once and waits out the backoff of a failed reliable entry.
// attemptCtx is cancelled when a direct entry arrives or the queue resyncs.
// It reports whether the worker should go on.
func (q *Queue) attempt(ctx, attemptCtx context.Context, e *queueEntry, b backoff.BackOff) bool {
	var timeout time.Duration
	if e.id == directID {
		timeout = time.Until(e.deadline)
		if timeout <= 0 {
			q.failed(e, fmt.Errorf("%w: %s was not sent in time", ErrDeliveryTimeout, e.msg.ID))
			return true
		}
	}

	err := q.sender.SendDataMessage(attemptCtx, e.msg, timeout)
	if err == nil {
		b.Reset()
		return true
	}
	q.failed(e, err)

	switch {
	case ctx.Err() != nil, errors.Is(err, ErrClosed):
		return false
	case attemptCtx.Err() != nil, e.id == directID:
		return true
	case errors.Is(err, ErrNoTransport):
		select {
		case <-q.wake:
			return true
		case <-ctx.Done():
			return false
		}
	}

	wait := b.NextBackOff()
	q.logger.Warn("delivery attempt failed",
		slog.String("message_id", e.msg.ID),
		slog.Duration("backoff", wait),
		slog.String("error", err.Error()))
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-attemptCtx.Done():
		return ctx.Err() == nil
	}
}

// next drops direct entries past their deadline, then marks and returns the
// first entry ready to send together with the context of its attempt.
func (q *Queue) next(ctx context.Context) (*queueEntry, context.Context, context.CancelFunc) {
	now := time.Now()
	attemptCtx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	var expired []*queueEntry
	q.entries = slices.DeleteFunc(q.entries, func(e *queueEntry) bool {
		if e.id == directID && !e.waiting && !now.Before(e.deadline) {
			expired = append(expired, e)
			return true
		}
		return false
	})
	var picked *queueEntry
	for _, e := range q.entries {
		if !e.waiting {
			e.waiting = true
			picked = e
			break
		}
	}
	if picked != nil && picked.id != directID {
		q.interrupt = cancel
	}
	q.mu.Unlock()

	for _, e := range expired {
		e.finish(fmt.Errorf("%w: %s was not sent in time", ErrDeliveryTimeout, e.msg.ID))
	}
	return picked, attemptCtx, cancel
}

// failed handles an entry whose send attempt did not reach the wire.
func (q *Queue) failed(e *queueEntry, err error) {
	q.mu.Lock()
	if e.id != directID && !e.stale {
		e.waiting = false
		q.mu.Unlock()
		return
	}
	i := slices.Index(q.entries, e)
	if i < 0 {
		// Already settled through HandleResult.
		q.mu.Unlock()
		return
	}
	if e.stale {
		q.dropStaleLocked(i)
		q.mu.Unlock()
		q.Notify()
		return
	}
	q.entries = slices.Delete(q.entries, i, i+1)
	q.mu.Unlock()
	e.finish(err)
}

// dropStaleLocked removes the stale entry at i and rewinds the window so its
// record is loaded again if it still belongs to this queue.
func (q *Queue) dropStaleLocked(i int) {
	e := q.entries[i]
	q.entries = slices.Delete(q.entries, i, i+1)
	q.maxIDInWindow = min(q.maxIDInWindow, e.id-1)
}

// refill tops the window up from the log once it runs low.
func (q *Queue) refill(ctx context.Context) {
	if q.log == nil {
		return
	}
	for q.refillBatch(ctx) {
		if ctx.Err() != nil {
			return
		}
	}
}

// refillBatch loads one batch. It reports whether the batch held only
// unreadable records while more are waiting.
func (q *Queue) refillBatch(ctx context.Context) bool {
	q.mu.Lock()
	durable := q.durableLocked()
	if durable >= q.cfg.RefillThreshold || q.maxIDInStore <= q.maxIDInWindow {
		q.mu.Unlock()
		return false
	}
	from := q.maxIDInWindow + 1
	target := q.maxIDInStore
	limit := q.cfg.MaxInQueue - durable
	gen := q.gen
	q.mu.Unlock()

	loaded, err := q.log.Load(ctx, from, limit)
	if err != nil {
		q.logger.Error("failed to refill queue", slog.String("error", err.Error()))
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen {
		// A resync replaced the window meanwhile; the next round reloads.
		return false
	}
	if len(loaded) == 0 {
		// Everything up to target was delivered or moved to another hop.
		q.maxIDInWindow = max(q.maxIDInWindow, target)
		return false
	}
	inWindow := make(map[int64]bool, len(q.entries))
	for _, e := range q.entries {
		if e.durable() {
			inWindow[e.id] = true
		}
	}
	unreadable := true
	for _, le := range loaded {
		q.maxIDInWindow = max(q.maxIDInWindow, le.ID)
		if le.Message == nil {
			continue
		}
		unreadable = false
		if !inWindow[le.ID] {
			q.entries = append(q.entries, &queueEntry{id: le.ID, msg: le.Message})
		}
	}
	return unreadable && q.maxIDInStore > q.maxIDInWindow
}

func (q *Queue) durableLocked() int {
	n := 0
	for _, e := range q.entries {
		if e.durable() {
			n++
		}
	}
	return n
}

func (e *queueEntry) finish(err error) {
	if e.done != nil {
		e.done(err)
	}
}
