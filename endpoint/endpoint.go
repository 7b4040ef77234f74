// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package endpoint tracks the remote parties of a broker and delivers
// messages to them over their connected transports.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/mds/message"
	"github.com/absmach/mds/transport"
)

// Kind is the role of a remote party.
type Kind uint8

const (
	Application Kind = iota
	Server
	Controller
)

func (k Kind) String() string {
	switch k {
	case Application:
		return "application"
	case Server:
		return "server"
	case Controller:
		return "controller"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses the textual form produced by String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "application":
		return Application, nil
	case "server":
		return Server, nil
	case "controller":
		return Controller, nil
	default:
		return 0, fmt.Errorf("unknown endpoint kind %q", s)
	}
}

// Config holds the identity and delivery timings of an endpoint.
type Config struct {
	Name        string
	ID          int64
	Kind        Kind
	LocalServer string

	// MaxTransports caps concurrent connections; zero means unlimited.
	MaxTransports int
	// ResponseTimeout bounds how long an in-flight message waits for its result.
	ResponseTimeout time.Duration
	// SweepInterval is the period of the staleness sweep.
	SweepInterval time.Duration
	// SuspendDuration is how long a transport is skipped after a reject.
	SuspendDuration time.Duration
	// KeepAlive is the idle time after which a ping is sent; zero disables pings.
	KeepAlive time.Duration
	// InboundQueueSize bounds messages waiting for the inbound worker.
	InboundQueueSize int

	// OnDuplicate, if set, observes retried messages acknowledged without processing.
	OnDuplicate func(msg *message.Message)
	// OnDisconnect, if set, observes every removed transport.
	OnDisconnect func(id int64)
}

func (c Config) withDefaults() Config {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.SuspendDuration <= 0 {
		c.SuspendDuration = 15 * time.Second
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = 1024
	}
	return c
}

// Inbound is a message received from the endpoint on one of its transports.
type Inbound struct {
	TransportID int64
	Message     *message.Message
}

// Processor handles inbound messages. Calls for one endpoint are sequential
// and in arrival order.
type Processor interface {
	Process(ctx context.Context, ep *Endpoint, in Inbound)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ep *Endpoint, in Inbound)

func (f ProcessorFunc) Process(ctx context.Context, ep *Endpoint, in Inbound) {
	f(ctx, ep, in)
}

// QueueFactory builds the delivery queue of an endpoint.
type QueueFactory func(s Sender) DeliveryQueue

var _ transport.Handler = (*Endpoint)(nil)

// Endpoint is one logical remote party, possibly connected over several
// transports at once. A single mutex guards the transport list; waiters for a
// free transport block on a channel that is replaced on every change.
type Endpoint struct {
	cfg    Config
	proc   Processor
	queue  DeliveryQueue
	logger *slog.Logger

	mu          sync.Mutex
	transports  []*connectedTransport
	byTransport map[transport.Transport]*connectedTransport
	changed     chan struct{}
	lastIn      time.Time
	lastOut     time.Time
	lastAckID   string
	closed      bool

	inbound chan Inbound
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates an endpoint. A nil newQueue gives a memory-only queue.
func New(cfg Config, proc Processor, newQueue QueueFactory, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	e := &Endpoint{
		cfg:         cfg,
		proc:        proc,
		logger:      logger.With(slog.String("endpoint", cfg.Name), slog.String("kind", cfg.Kind.String())),
		byTransport: make(map[transport.Transport]*connectedTransport),
		changed:     make(chan struct{}),
		inbound:     make(chan Inbound, cfg.InboundQueueSize),
		ctx:         context.Background(),
		done:        make(chan struct{}),
	}
	if newQueue == nil {
		newQueue = func(s Sender) DeliveryQueue {
			return NewQueue(s, nil, QueueConfig{ResponseTimeout: cfg.ResponseTimeout}, logger)
		}
	}
	e.queue = newQueue(e)
	return e
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string {
	return e.cfg.Name
}

// ID returns the endpoint id.
func (e *Endpoint) ID() int64 {
	return e.cfg.ID
}

// Kind returns the endpoint kind.
func (e *Endpoint) Kind() Kind {
	return e.cfg.Kind
}

// Queue returns the delivery queue.
func (e *Endpoint) Queue() DeliveryQueue {
	return e.queue
}

// Start launches the inbound worker, the sweep and the delivery queue.
func (e *Endpoint) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.queue.Start(e.ctx); err != nil {
		e.cancel()
		return fmt.Errorf("failed to start queue of %s: %w", e.cfg.Name, err)
	}

	e.wg.Add(2)
	go e.inboundLoop()
	go e.sweepLoop()
	return nil
}

// Stop wakes every blocked caller, stops the workers and closes the transports.
func (e *Endpoint) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.broadcastLocked()
	ts := make([]transport.Transport, 0, len(e.transports))
	for _, ct := range e.transports {
		ts = append(ts, ct.t)
	}
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	close(e.done)
	e.queue.Stop()
	e.wg.Wait()

	for _, t := range ts {
		_ = t.Stop(false)
	}
}

// AddTransport registers a connected transport under communicator id.
// Adding a transport twice is a no-op.
func (e *Endpoint) AddTransport(id int64, t transport.Transport) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.byTransport[t]; ok {
		e.mu.Unlock()
		return nil
	}
	if e.cfg.MaxTransports > 0 && len(e.transports) >= e.cfg.MaxTransports {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s allows %d", ErrTooManyTransports, e.cfg.Name, e.cfg.MaxTransports)
	}
	ct := &connectedTransport{id: id, t: t, lastOut: time.Now()}
	e.transports = append(e.transports, ct)
	e.byTransport[t] = ct
	e.broadcastLocked()
	e.mu.Unlock()

	t.SetHandler(e)
	if t.State() == transport.Closed {
		e.removeTransport(t)
		return transport.ErrNotConnected
	}

	e.logger.Info("transport connected",
		slog.Int64("communicator_id", id),
		slog.String("remote_addr", t.RemoteAddr()),
		slog.String("way", t.Way().String()))
	e.queue.Notify()
	return nil
}

// CanAttach reports why another transport would be refused, or nil.
func (e *Endpoint) CanAttach() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.cfg.MaxTransports > 0 && len(e.transports) >= e.cfg.MaxTransports {
		return fmt.Errorf("%w: %s allows %d", ErrTooManyTransports, e.cfg.Name, e.cfg.MaxTransports)
	}
	return nil
}

// removeTransport drops t. A message in flight on t fails with ErrDisconnected.
func (e *Endpoint) removeTransport(t transport.Transport) {
	e.mu.Lock()
	ct, ok := e.byTransport[t]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.byTransport, t)
	e.transports = slices.DeleteFunc(e.transports, func(c *connectedTransport) bool { return c == ct })
	inflight := ct.processing
	ct.processing = nil
	e.broadcastLocked()
	e.mu.Unlock()

	t.SetHandler(nil)
	e.logger.Info("transport disconnected", slog.Int64("communicator_id", ct.id))
	if e.cfg.OnDisconnect != nil {
		e.cfg.OnDisconnect(ct.id)
	}

	if inflight != nil {
		e.queue.HandleResult(inflight, fmt.Errorf("%w: communicator %d", ErrDisconnected, ct.id))
	}
}

// TransportCount returns the number of connected transports.
func (e *Endpoint) TransportCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.transports)
}

// SetWay changes the communication way of transport id.
func (e *Endpoint) SetWay(id int64, w transport.Way) error {
	e.mu.Lock()
	ct := e.findLocked(id)
	if ct == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTransport, id)
	}
	ct.t.SetWay(w)
	if w.CanReceive() {
		e.broadcastLocked()
	}
	e.mu.Unlock()

	e.queue.Notify()
	return nil
}

// Enqueue hands a message to the delivery queue.
func (e *Endpoint) Enqueue(ctx context.Context, msg *message.Message) error {
	return e.queue.Enqueue(ctx, msg)
}

// SendDirect puts msg at the head of the delivery queue for a single attempt.
// done receives the outcome.
func (e *Endpoint) SendDirect(msg *message.Message, done func(error)) {
	e.queue.AddToHead(msg, done)
}

// Acknowledge answers msg on transport id. A successful data message becomes
// the last acknowledged message of the endpoint.
func (e *Endpoint) Acknowledge(id int64, msg *message.Message, result error) error {
	res := message.Result{Success: result == nil}
	if result != nil {
		res.Error = result.Error()
	}
	if result == nil && msg.IsData() {
		e.mu.Lock()
		e.lastAckID = msg.ID
		e.mu.Unlock()
	}
	return e.Reply(id, message.NewResult(msg.ID, res))
}

// Reply sends msg on transport id outside the delivery protocol.
func (e *Endpoint) Reply(id int64, msg *message.Message) error {
	e.mu.Lock()
	ct := e.findLocked(id)
	if ct == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTransport, id)
	}
	now := time.Now()
	ct.lastOut = now
	e.lastOut = now
	e.mu.Unlock()

	return ct.send(msg)
}

// LastAcknowledgedMessageID returns the id of the last accepted data message.
func (e *Endpoint) LastAcknowledgedMessageID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAckID
}

// HandleMessage implements transport.Handler.
func (e *Endpoint) HandleMessage(t transport.Transport, msg *message.Message) {
	e.mu.Lock()
	ct := e.byTransport[t]
	e.lastIn = time.Now()
	e.mu.Unlock()
	if ct == nil {
		e.logger.Warn("message from unregistered transport dropped", slog.String("message_id", msg.ID))
		return
	}

	switch msg.Type {
	case message.OperationResult:
		e.handleResponse(ct, msg)
		return
	case message.Pong:
		return
	}

	select {
	case e.inbound <- Inbound{TransportID: ct.id, Message: msg}:
	case <-e.done:
	}
}

// HandleStateChange implements transport.Handler.
func (e *Endpoint) HandleStateChange(t transport.Transport, s transport.State) {
	if s == transport.Closed {
		e.removeTransport(t)
	}
}

func (e *Endpoint) inboundLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case in := <-e.inbound:
			e.dispatch(in)
		}
	}
}

func (e *Endpoint) dispatch(in Inbound) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("inbound processing panicked",
				slog.String("message_id", in.Message.ID),
				slog.Any("panic", r))
		}
	}()

	if in.Message.IsData() {
		e.mu.Lock()
		dup := e.lastAckID != "" && e.lastAckID == in.Message.ID
		e.mu.Unlock()
		if dup {
			e.logger.Debug("duplicate message acknowledged", slog.String("message_id", in.Message.ID))
			if e.cfg.OnDuplicate != nil {
				e.cfg.OnDuplicate(in.Message)
			}
			if err := e.Acknowledge(in.TransportID, in.Message, nil); err != nil {
				e.logger.Warn("failed to acknowledge duplicate", slog.String("error", err.Error()))
			}
			return
		}
	}

	if e.proc != nil {
		e.proc.Process(e.ctx, e, in)
	}
}

func (e *Endpoint) findLocked(id int64) *connectedTransport {
	for _, ct := range e.transports {
		if ct.id == id {
			return ct
		}
	}
	return nil
}

// broadcastLocked wakes everybody waiting for a change. e.mu must be held.
func (e *Endpoint) broadcastLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Info is a point-in-time view of an endpoint.
type Info struct {
	Name                      string          `json:"name"`
	ID                        int64           `json:"id"`
	Kind                      string          `json:"kind"`
	Transports                []TransportInfo `json:"transports"`
	QueueDepth                int             `json:"queue_depth"`
	LastIncoming              time.Time       `json:"last_incoming,omitzero"`
	LastOutgoing              time.Time       `json:"last_outgoing,omitzero"`
	LastAcknowledgedMessageID string          `json:"last_acknowledged_message_id,omitempty"`
}

// Snapshot returns the current state of the endpoint.
func (e *Endpoint) Snapshot() Info {
	e.mu.Lock()
	info := Info{
		Name:                      e.cfg.Name,
		ID:                        e.cfg.ID,
		Kind:                      e.cfg.Kind.String(),
		Transports:                make([]TransportInfo, 0, len(e.transports)),
		LastIncoming:              e.lastIn,
		LastOutgoing:              e.lastOut,
		LastAcknowledgedMessageID: e.lastAckID,
	}
	for _, ct := range e.transports {
		info.Transports = append(info.Transports, ct.info())
	}
	e.mu.Unlock()

	info.QueueDepth = e.queue.Len()
	return info
}
