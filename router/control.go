// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/absmach/mds/config"
	"github.com/absmach/mds/endpoint"
	"github.com/absmach/mds/graph"
	"github.com/absmach/mds/message"
	"github.com/absmach/mds/transport"
)

// Accept installs the registration handshake on a new transport and starts
// it. Pings are answered while waiting; the first other message must be a
// Register request. On success the transport is attached to its endpoint,
// otherwise it is closed.
func (r *Router) Accept(ctx context.Context, t transport.Transport) error {
	var handled atomic.Bool
	t.SetHandler(transport.HandlerFuncs{
		OnMessage: func(t transport.Transport, msg *message.Message) {
			if handled.Load() {
				return
			}
			if msg.Type == message.Ping {
				r.pong(t, msg)
				return
			}
			handled.Store(true)
			r.handshake(t, msg)
		},
	})
	return t.Start(ctx)
}

func (r *Router) pong(t transport.Transport, ping *message.Message) {
	pong, err := message.NewControl(message.Pong, ping.ID, nil)
	if err == nil {
		err = t.Send(pong)
	}
	if err != nil {
		r.logger.Debug("failed to answer ping",
			slog.String("remote_addr", t.RemoteAddr()),
			slog.String("error", err.Error()))
	}
}

// handshake runs on the read goroutine of t, so nothing else is delivered
// before the transport is attached.
func (r *Router) handshake(t transport.Transport, msg *message.Message) {
	fail := func(err error) {
		r.logger.Warn("registration refused",
			slog.String("remote_addr", t.RemoteAddr()),
			slog.String("error", err.Error()))
		_ = t.Send(message.NewResult(msg.ID, message.Result{Error: err.Error()}))
		_ = t.Stop(false)
	}

	if msg.Type != message.Register {
		fail(fmt.Errorf("%w: expected register, got %s", ErrNotRegistered, msg.Type))
		return
	}
	var req message.RegisterRequest
	if err := msg.Body(&req); err != nil {
		fail(err)
		return
	}

	ep, way, err := r.registrationTarget(req)
	if err != nil {
		fail(err)
		return
	}
	if err := ep.CanAttach(); err != nil {
		fail(err)
		return
	}

	id := r.ids.NextCommunicatorID()
	t.SetWay(way)
	if err := t.Send(message.NewResult(msg.ID, message.Result{Success: true, CommunicatorID: id})); err != nil {
		r.logger.Warn("failed to answer registration", slog.String("error", err.Error()))
		_ = t.Stop(false)
		return
	}
	if err := r.attach(ep, id, t); err != nil {
		r.logger.Warn("failed to attach transport",
			slog.String("endpoint", ep.Name()),
			slog.String("error", err.Error()))
		_ = t.Stop(false)
	}
}

// Register attaches a started transport to the endpoint named by req and
// returns its communicator id.
func (r *Router) Register(req message.RegisterRequest, t transport.Transport) (int64, error) {
	ep, way, err := r.registrationTarget(req)
	if err != nil {
		return 0, err
	}
	id := r.ids.NextCommunicatorID()
	t.SetWay(way)
	if err := r.attach(ep, id, t); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Router) attach(ep *endpoint.Endpoint, id int64, t transport.Transport) error {
	if err := ep.AddTransport(id, t); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordRegistration(ep.Kind().String())
	}
	r.logger.Info("communicator registered",
		slog.String("endpoint", ep.Name()),
		slog.String("kind", ep.Kind().String()),
		slog.Int64("communicator_id", id))
	return nil
}

func (r *Router) registrationTarget(req message.RegisterRequest) (*endpoint.Endpoint, transport.Way, error) {
	way, err := transport.ParseWay(req.Way)
	if err != nil {
		return nil, 0, err
	}
	kind, err := endpoint.ParseKind(req.Kind)
	if err != nil {
		return nil, 0, err
	}

	switch kind {
	case endpoint.Application:
		r.mu.RLock()
		app, ok := r.apps[req.Name]
		r.mu.RUnlock()
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotRegistered, req.Name)
		}
		if app.password != "" && app.password != req.Password {
			return nil, 0, ErrUnauthorized
		}
		return app.ep, way, nil

	case endpoint.Server:
		ep, ok := r.Server(req.Name)
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotAdjacent, req.Name)
		}
		return ep, way, nil

	default:
		if r.cfg.ControllerPassword != "" && r.cfg.ControllerPassword != req.Password {
			return nil, 0, ErrUnauthorized
		}
		ep, err := r.controller(req.Name)
		return ep, way, err
	}
}

// controller returns the endpoint of controller name, creating it on first use.
func (r *Router) controller(name string) (*endpoint.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.controllers[name]; ok {
		return ep, nil
	}
	ep := r.newEndpoint(name, r.ids.NextApplicationID(), endpoint.Controller, nil)
	if err := r.startLocked(ep); err != nil {
		return nil, err
	}
	r.controllers[name] = ep
	return ep, nil
}

func (r *Router) handleControl(ctx context.Context, src *endpoint.Endpoint, in endpoint.Inbound) {
	msg := in.Message
	if r.metrics != nil {
		r.metrics.RecordControl(msg.Type.String())
	}

	switch msg.Type {
	case message.ChangeWay:
		var req message.ChangeWayRequest
		err := msg.Body(&req)
		if err == nil {
			var way transport.Way
			if way, err = transport.ParseWay(req.Way); err == nil {
				err = src.SetWay(in.TransportID, way)
			}
		}
		r.acknowledge(src, in, err)

	case message.GetApplicationList:
		r.replyControl(src, in, message.ApplicationList, r.ApplicationList())

	case message.GetServerGraph:
		r.replyControl(src, in, message.ServerGraph, graphDocument(r.graph.Load()))

	case message.GetApplicationEndpoints:
		r.replyControl(src, in, message.ApplicationEndpoints, r.ApplicationEndpoints())

	case message.UpdateApplicationList:
		var upd message.ApplicationListUpdate
		err := r.controlBody(src, msg, &upd)
		if err == nil {
			err = r.UpdateApplicationList(upd)
		}
		r.acknowledge(src, in, err)

	case message.UpdateServerGraph:
		var doc message.GraphDocument
		err := r.controlBody(src, msg, &doc)
		if err == nil {
			err = r.UpdateServerGraph(ctx, doc)
		}
		r.acknowledge(src, in, err)

	case message.UpdateApplicationEndpoints:
		var doc message.EndpointsDocument
		err := r.controlBody(src, msg, &doc)
		if err == nil {
			err = r.UpdateApplicationEndpoints(doc)
		}
		r.acknowledge(src, in, err)

	default:
		r.acknowledge(src, in, fmt.Errorf("%w: %s", ErrNotPermitted, msg.Type))
	}
}

// controlBody decodes an administrative request; only controllers may send them.
func (r *Router) controlBody(src *endpoint.Endpoint, msg *message.Message, v any) error {
	if src.Kind() != endpoint.Controller {
		return fmt.Errorf("%w: %s from %s", ErrNotPermitted, msg.Type, src.Kind())
	}
	return msg.Body(v)
}

func (r *Router) replyControl(src *endpoint.Endpoint, in endpoint.Inbound, typ message.Type, body any) {
	msg, err := message.NewControl(typ, in.Message.ID, body)
	if err != nil {
		r.acknowledge(src, in, err)
		return
	}
	r.reply(src, in.TransportID, msg)
}

// ApplicationList describes every configured application.
func (r *Router) ApplicationList() message.ApplicationListDocument {
	r.mu.RLock()
	apps := make([]*application, 0, len(r.apps))
	for _, name := range slices.Sorted(maps.Keys(r.apps)) {
		apps = append(apps, r.apps[name])
	}
	r.mu.RUnlock()

	doc := message.ApplicationListDocument{Applications: make([]message.ApplicationInfo, 0, len(apps))}
	for _, app := range apps {
		doc.Applications = append(doc.Applications, message.ApplicationInfo{
			Name:       app.name,
			ID:         app.ep.ID(),
			Connected:  app.ep.TransportCount(),
			QueueDepth: app.ep.Queue().Len(),
		})
	}
	return doc
}

// UpdateApplicationList adds and removes applications. Removing an
// application with connected communicators is refused; nothing changes
// unless the whole update is valid.
func (r *Router) UpdateApplicationList(upd message.ApplicationListUpdate) error {
	r.mu.Lock()
	for _, name := range upd.Remove {
		app, ok := r.apps[name]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotRegistered, name)
		}
		if app.ep.TransportCount() > 0 {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrApplicationConnected, name)
		}
	}
	for _, name := range upd.Add {
		if name == "" {
			r.mu.Unlock()
			return fmt.Errorf("%w: empty application name", ErrNotPermitted)
		}
	}

	var removed []*endpoint.Endpoint
	for _, name := range upd.Remove {
		removed = append(removed, r.apps[name].ep)
		delete(r.apps, name)
	}
	for _, name := range upd.Add {
		if _, ok := r.apps[name]; ok {
			continue
		}
		app := r.newApplication(config.Application{Name: name})
		if err := r.startLocked(app.ep); err != nil {
			r.mu.Unlock()
			return err
		}
		r.apps[name] = app
	}
	r.mu.Unlock()

	for _, ep := range removed {
		ep.Stop()
	}
	r.logger.Info("application list updated",
		slog.Any("added", upd.Add),
		slog.Any("removed", upd.Remove))
	return nil
}

// ApplicationEndpoints returns the web-service endpoints of every application.
func (r *Router) ApplicationEndpoints() message.EndpointsDocument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc := message.EndpointsDocument{Endpoints: make(map[string][]string, len(r.apps))}
	for name, app := range r.apps {
		doc.Endpoints[name] = slices.Clone(app.endpoints)
	}
	return doc
}

// UpdateApplicationEndpoints replaces the endpoints of the listed applications.
func (r *Router) UpdateApplicationEndpoints(doc message.EndpointsDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range doc.Endpoints {
		if _, ok := r.apps[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNotRegistered, name)
		}
	}
	for name, eps := range doc.Endpoints {
		r.apps[name].endpoints = slices.Clone(eps)
	}
	return nil
}

// OnGraphUpdate registers fn to run after every accepted graph update.
func (r *Router) OnGraphUpdate(fn func(g *graph.Graph)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphListeners = append(r.graphListeners, fn)
}

// UpdateServerGraph replaces the topology. Endpoints are created for new
// neighbours and dropped for former ones, and stored messages are re-pointed
// at their new next hop.
func (r *Router) UpdateServerGraph(ctx context.Context, doc message.GraphDocument) error {
	nodes := make([]graph.Node, 0, len(doc.Servers))
	for _, s := range doc.Servers {
		nodes = append(nodes, graph.Node{Name: s.Name, Address: s.Address, Port: s.Port, Adjacent: s.Adjacent})
	}
	g, err := graph.New(r.cfg.LocalServer, nodes)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.graph.Store(g)
	adjacent := g.Adjacent()
	var removed []*endpoint.Endpoint
	for name, ep := range r.servers {
		if !slices.Contains(adjacent, name) {
			removed = append(removed, ep)
			delete(r.servers, name)
		}
	}
	for _, name := range adjacent {
		if _, ok := r.servers[name]; ok {
			continue
		}
		ep := r.newServerEndpoint(name)
		if err := r.startLocked(ep); err != nil {
			r.mu.Unlock()
			return err
		}
		r.servers[name] = ep
	}
	servers := slices.Collect(maps.Values(r.servers))
	listeners := slices.Clone(r.graphListeners)
	r.mu.Unlock()

	for _, ep := range removed {
		ep.Stop()
	}

	for _, n := range g.Nodes() {
		next, ok := g.NextHop(n.Name)
		if !ok {
			continue
		}
		moved, err := r.store.UpdateNextServer(ctx, n.Name, next)
		if err != nil {
			return fmt.Errorf("failed to re-point messages for %s: %w", n.Name, err)
		}
		if moved > 0 {
			r.logger.Info("stored messages re-pointed",
				slog.String("destination", n.Name),
				slog.String("next_server", next),
				slog.Int("count", moved))
		}
	}
	for _, ep := range servers {
		if err := ep.Queue().Resync(ctx); err != nil {
			r.logger.Warn("failed to resync queue",
				slog.String("endpoint", ep.Name()),
				slog.String("error", err.Error()))
		}
	}

	for _, fn := range listeners {
		fn(g)
	}
	r.logger.Info("server graph updated",
		slog.Int("servers", len(nodes)),
		slog.Any("adjacent", adjacent))
	return nil
}

func graphDocument(g *graph.Graph) message.GraphDocument {
	nodes := g.Nodes()
	doc := message.GraphDocument{Servers: make([]message.ServerInfo, 0, len(nodes))}
	for _, n := range nodes {
		doc.Servers = append(doc.Servers, message.ServerInfo{
			Name:     n.Name,
			Address:  n.Address,
			Port:     n.Port,
			Adjacent: n.Adjacent,
		})
	}
	return doc
}
