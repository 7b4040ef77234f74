// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router decides where data messages go and hands them to the
// delivery queue of the destination endpoint.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mds/config"
	"github.com/absmach/mds/endpoint"
	"github.com/absmach/mds/graph"
	"github.com/absmach/mds/message"
	"github.com/absmach/mds/server/otel"
	"github.com/absmach/mds/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Routing and registration errors. Their text is what senders see in
// failure results.
var (
	ErrDestinationUnknown   = errors.New("destination does not exist")
	ErrNoPath               = errors.New("no path to destination")
	ErrNotRegistered        = errors.New("application is not registered")
	ErrNotAdjacent          = errors.New("server is not adjacent")
	ErrUnauthorized         = errors.New("invalid credentials")
	ErrApplicationConnected = errors.New("application has connected communicators")
	ErrNotPermitted         = errors.New("operation not permitted")
	ErrAlreadyRegistered    = errors.New("communicator is already registered")
)

// Span attributes.
const (
	attrMessageID  = attribute.Key("mds.message.id")
	attrDestServer = attribute.Key("mds.destination.server")
	attrDestApp    = attribute.Key("mds.destination.application")
	attrRule       = attribute.Key("mds.transmit_rule")
)

// directWaitFactor stretches the direct-send wait past the response timeout
// so the receiver's own timeout fires first.
const directWaitFactor = 1.2

// Config holds the router settings.
type Config struct {
	LocalServer     string
	ResponseTimeout time.Duration
	// Endpoint is the template of every endpoint; name, id and kind are filled in.
	Endpoint endpoint.Config
	Queue    endpoint.QueueConfig

	Applications       []config.Application
	Routes             []config.Route
	ControllerPassword string
}

type application struct {
	name      string
	password  string
	endpoints []string
	ep        *endpoint.Endpoint
}

// Router is the organization layer of one broker node. It owns an endpoint
// per configured application, per adjacent server and per connected
// controller, and it is the Processor of all of them.
type Router struct {
	cfg     Config
	store   storage.Store
	ids     *endpoint.Identity
	logger  *slog.Logger
	metrics *otel.Metrics // nil if metrics disabled
	tracer  trace.Tracer  // nil if tracing disabled

	graph  atomic.Pointer[graph.Graph]
	routes atomic.Pointer[routingTable]

	mu          sync.RWMutex
	apps        map[string]*application
	servers     map[string]*endpoint.Endpoint
	controllers map[string]*endpoint.Endpoint
	ctx         context.Context
	started     bool

	graphListeners []func(g *graph.Graph)

	waitMu  sync.Mutex
	waiters map[string]chan error
}

var _ endpoint.Processor = (*Router)(nil)

// New creates a router for the node cfg.LocalServer of g.
func New(cfg Config, g *graph.Graph, store storage.Store, ids *endpoint.Identity, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	if g.Local() != cfg.LocalServer {
		return nil, fmt.Errorf("graph is built for %q, router for %q", g.Local(), cfg.LocalServer)
	}

	routes, err := newRoutingTable(cfg.Routes)
	if err != nil {
		return nil, err
	}

	r := &Router{
		cfg:         cfg,
		store:       store,
		ids:         ids,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		apps:        make(map[string]*application),
		servers:     make(map[string]*endpoint.Endpoint),
		controllers: make(map[string]*endpoint.Endpoint),
		ctx:         context.Background(),
		waiters:     make(map[string]chan error),
	}
	r.graph.Store(g)
	r.routes.Store(routes)

	for _, app := range cfg.Applications {
		if _, ok := r.apps[app.Name]; ok {
			return nil, fmt.Errorf("duplicate application %q", app.Name)
		}
		r.apps[app.Name] = r.newApplication(app)
	}
	for _, name := range g.Adjacent() {
		r.servers[name] = r.newServerEndpoint(name)
	}

	return r, nil
}

// Start starts every endpoint.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ctx = ctx
	r.started = true
	for _, ep := range r.endpointsLocked() {
		if err := ep.Start(ctx); err != nil {
			return err
		}
	}
	r.logger.Info("router started",
		slog.String("server", r.cfg.LocalServer),
		slog.Int("applications", len(r.apps)),
		slog.Int("adjacent_servers", len(r.servers)))
	return nil
}

// Stop stops every endpoint, which closes their transports and wakes all
// blocked senders.
func (r *Router) Stop() {
	r.mu.Lock()
	eps := r.endpointsLocked()
	r.started = false
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, ep := range eps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep.Stop()
		}()
	}
	wg.Wait()
}

// Graph returns the current server graph.
func (r *Router) Graph() *graph.Graph {
	return r.graph.Load()
}

// LocalServer returns the name of this node.
func (r *Router) LocalServer() string {
	return r.cfg.LocalServer
}

// Application returns the endpoint of a configured application.
func (r *Router) Application(name string) (*endpoint.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	if !ok {
		return nil, false
	}
	return app.ep, true
}

// Server returns the endpoint of an adjacent server.
func (r *Router) Server(name string) (*endpoint.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.servers[name]
	return ep, ok
}

// Process implements endpoint.Processor.
func (r *Router) Process(ctx context.Context, src *endpoint.Endpoint, in endpoint.Inbound) {
	msg := in.Message
	switch msg.Type {
	case message.Data:
		r.route(ctx, src, in)
	case message.Ping:
		pong, _ := message.NewControl(message.Pong, msg.ID, nil)
		r.reply(src, in.TransportID, pong)
	case message.Register:
		r.acknowledge(src, in, ErrAlreadyRegistered)
	default:
		r.handleControl(ctx, src, in)
	}
}

// route fills in the envelope, applies the routing table, classifies the
// destination and dispatches the message.
func (r *Router) route(ctx context.Context, src *endpoint.Endpoint, in endpoint.Inbound) {
	msg := in.Message
	start := time.Now()
	local := r.cfg.LocalServer

	if r.metrics != nil {
		r.metrics.RecordMessageReceived(msg.TransmitRule.String(), int64(len(msg.Payload)))
	}

	msg.ArriveAt(local, start)
	if msg.DestinationServer == "" {
		msg.DestinationServer = local
	}
	// Only the entry node fills in the source and applies the routing table.
	if src.Kind() != endpoint.Server {
		msg.SourceServer = local
		msg.SourceApplication = src.Name()
		msg.SourceCommunicatorID = in.TransportID
		r.routes.Load().apply(msg)
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "mds.route", trace.WithAttributes(
			attrMessageID.String(msg.ID),
			attrDestServer.String(msg.DestinationServer),
			attrDestApp.String(msg.DestinationApplication),
			attrRule.String(msg.TransmitRule.String()),
		))
		defer span.End()
	}

	dst, class, err := r.resolve(msg)
	if err != nil {
		r.logger.Debug("message not routable",
			slog.String("message_id", msg.ID),
			slog.String("destination_server", msg.DestinationServer),
			slog.String("destination_application", msg.DestinationApplication),
			slog.String("error", err.Error()))
		r.acknowledge(src, in, err)
		return
	}
	msg.Leave(time.Now())

	if msg.TransmitRule == message.DirectlySend {
		err = r.sendDirect(ctx, dst, msg)
	} else {
		err = dst.Enqueue(ctx, msg)
	}
	if err == nil && r.metrics != nil {
		r.metrics.RecordRouted(class, float64(time.Since(start).Microseconds())/1000)
	}
	r.acknowledge(src, in, err)
}

// resolve returns the endpoint that takes msg next and its destination class.
func (r *Router) resolve(msg *message.Message) (*endpoint.Endpoint, string, error) {
	g := r.graph.Load()
	dest := msg.DestinationServer

	if dest == r.cfg.LocalServer {
		ep, ok := r.Application(msg.DestinationApplication)
		if !ok {
			return nil, "", fmt.Errorf("%w: %s/%s", ErrDestinationUnknown, dest, msg.DestinationApplication)
		}
		return ep, "local", nil
	}

	if !g.Contains(dest) {
		return nil, "", fmt.Errorf("%w: %s", ErrDestinationUnknown, dest)
	}
	next, ok := g.NextHop(dest)
	if !ok || msg.Passed(next) {
		return nil, "", fmt.Errorf("%w: %s", ErrNoPath, dest)
	}
	ep, ok := r.Server(next)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s via %s", ErrNoPath, dest, next)
	}
	if next == dest {
		return ep, "adjacent", nil
	}
	return ep, "remote", nil
}

// sendDirect puts msg at the head of dst's queue and waits for its result.
func (r *Router) sendDirect(ctx context.Context, dst *endpoint.Endpoint, msg *message.Message) error {
	start := time.Now()
	ch := make(chan error, 1)

	r.waitMu.Lock()
	r.waiters[msg.ID] = ch
	r.waitMu.Unlock()
	defer func() {
		r.waitMu.Lock()
		delete(r.waiters, msg.ID)
		r.waitMu.Unlock()
	}()

	dst.SendDirect(msg, func(err error) { r.complete(msg.ID, err) })

	timer := time.NewTimer(time.Duration(float64(r.cfg.ResponseTimeout) * directWaitFactor))
	defer timer.Stop()

	var err error
	select {
	case err = <-ch:
	case <-timer.C:
		err = fmt.Errorf("%w: %s", endpoint.ErrDeliveryTimeout, msg.ID)
	case <-ctx.Done():
		err = endpoint.ErrClosed
	}
	if r.metrics != nil {
		r.metrics.RecordDirectSend(float64(time.Since(start).Microseconds())/1000, err == nil)
	}
	return err
}

// complete hands the outcome of a direct send to its waiter, if still waiting.
func (r *Router) complete(id string, err error) {
	r.waitMu.Lock()
	ch, ok := r.waiters[id]
	r.waitMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (r *Router) acknowledge(src *endpoint.Endpoint, in endpoint.Inbound, err error) {
	if err != nil && in.Message.IsData() && r.metrics != nil {
		r.metrics.RecordFailed(reasonOf(err))
	}
	if aerr := src.Acknowledge(in.TransportID, in.Message, err); aerr != nil {
		r.logger.Warn("failed to send operation result",
			slog.String("endpoint", src.Name()),
			slog.String("message_id", in.Message.ID),
			slog.String("error", aerr.Error()))
	}
}

func (r *Router) reply(src *endpoint.Endpoint, tid int64, msg *message.Message) {
	if err := src.Reply(tid, msg); err != nil {
		r.logger.Warn("failed to send reply",
			slog.String("endpoint", src.Name()),
			slog.String("type", msg.Type.String()),
			slog.String("error", err.Error()))
	}
}

// reasonOf maps an error to a low-cardinality metric label.
func reasonOf(err error) string {
	for _, known := range []error{
		ErrDestinationUnknown, ErrNoPath,
		endpoint.ErrNoTransport, endpoint.ErrDeliveryTimeout, endpoint.ErrRejected,
		endpoint.ErrDisconnected, endpoint.ErrQueueFull, endpoint.ErrClosed,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "other"
}

func (r *Router) newApplication(app config.Application) *application {
	id := r.ids.NextApplicationID()
	log := endpoint.ApplicationLog(r.store, r.cfg.LocalServer, app.Name, r.logger)
	return &application{
		name:      app.Name,
		password:  app.Password,
		endpoints: slices.Clone(app.Endpoints),
		ep:        r.newEndpoint(app.Name, id, endpoint.Application, log),
	}
}

func (r *Router) newServerEndpoint(name string) *endpoint.Endpoint {
	return r.newEndpoint(name, 0, endpoint.Server, endpoint.ServerLog(r.store, name, r.logger))
}

func (r *Router) newEndpoint(name string, id int64, kind endpoint.Kind, log endpoint.Log) *endpoint.Endpoint {
	cfg := r.cfg.Endpoint
	cfg.Name = name
	cfg.ID = id
	cfg.Kind = kind
	cfg.LocalServer = r.cfg.LocalServer
	cfg.ResponseTimeout = r.cfg.ResponseTimeout
	if kind == endpoint.Server {
		cfg.MaxTransports = 1
	}
	if r.metrics != nil {
		m := r.metrics
		cfg.OnDuplicate = func(*message.Message) { m.RecordDuplicate() }
		cfg.OnDisconnect = func(int64) { m.RecordDisconnection(kind.String()) }
	}

	qcfg := r.cfg.Queue
	qcfg.ResponseTimeout = r.cfg.ResponseTimeout
	logger := r.logger
	return endpoint.New(cfg, r, func(s endpoint.Sender) endpoint.DeliveryQueue {
		return endpoint.NewQueue(s, log, qcfg, logger)
	}, logger)
}

// startLocked starts ep if the router is running. r.mu must be held.
func (r *Router) startLocked(ep *endpoint.Endpoint) error {
	if !r.started {
		return nil
	}
	return ep.Start(r.ctx)
}

func (r *Router) endpointsLocked() []*endpoint.Endpoint {
	eps := make([]*endpoint.Endpoint, 0, len(r.apps)+len(r.servers)+len(r.controllers))
	for _, name := range slices.Sorted(maps.Keys(r.apps)) {
		eps = append(eps, r.apps[name].ep)
	}
	for _, name := range slices.Sorted(maps.Keys(r.servers)) {
		eps = append(eps, r.servers[name])
	}
	for _, name := range slices.Sorted(maps.Keys(r.controllers)) {
		eps = append(eps, r.controllers[name])
	}
	return eps
}

// Snapshot is the state of all endpoints of the router.
type Snapshot struct {
	Server       string          `json:"server"`
	Applications []endpoint.Info `json:"applications"`
	Servers      []endpoint.Info `json:"servers"`
	Controllers  []endpoint.Info `json:"controllers"`
}

// Snapshot returns the current state of all endpoints.
func (r *Router) Snapshot() Snapshot {
	r.mu.RLock()
	apps := make([]*endpoint.Endpoint, 0, len(r.apps))
	for _, name := range slices.Sorted(maps.Keys(r.apps)) {
		apps = append(apps, r.apps[name].ep)
	}
	servers := make([]*endpoint.Endpoint, 0, len(r.servers))
	for _, name := range slices.Sorted(maps.Keys(r.servers)) {
		servers = append(servers, r.servers[name])
	}
	controllers := make([]*endpoint.Endpoint, 0, len(r.controllers))
	for _, name := range slices.Sorted(maps.Keys(r.controllers)) {
		controllers = append(controllers, r.controllers[name])
	}
	r.mu.RUnlock()

	snap := Snapshot{Server: r.cfg.LocalServer}
	for _, ep := range apps {
		snap.Applications = append(snap.Applications, ep.Snapshot())
	}
	for _, ep := range servers {
		snap.Servers = append(snap.Servers, ep.Snapshot())
	}
	for _, ep := range controllers {
		snap.Controllers = append(snap.Controllers, ep.Snapshot())
	}
	return snap
}
