// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/mds/config"
	"github.com/absmach/mds/endpoint"
	"github.com/absmach/mds/graph"
	"github.com/absmach/mds/message"
	"github.com/absmach/mds/storage/memory"
	"github.com/absmach/mds/testutil"
	"github.com/absmach/mds/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	responseTimeout = 300 * time.Millisecond
	waitFor         = 2 * time.Second
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func node(name string, adjacent ...string) graph.Node {
	return graph.Node{Name: name, Address: "127.0.0.1", Port: 8090, Adjacent: adjacent}
}

type testRouter struct {
	*Router
	store *memory.Store
}

func newTestRouter(t *testing.T, local string, nodes []graph.Node, apps []string, routes ...config.Route) testRouter {
	t.Helper()

	g, err := graph.New(local, nodes)
	require.NoError(t, err)

	cfg := Config{
		LocalServer:     local,
		ResponseTimeout: responseTimeout,
		Endpoint: endpoint.Config{
			SweepInterval:   20 * time.Millisecond,
			SuspendDuration: 50 * time.Millisecond,
		},
		Queue:  endpoint.QueueConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
		Routes: routes,
	}
	for _, a := range apps {
		cfg.Applications = append(cfg.Applications, config.Application{Name: a})
	}

	store := memory.New()
	r, err := New(cfg, g, store, endpoint.NewIdentity(), discard(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return testRouter{Router: r, store: store}
}

func register(t *testing.T, r *Router, kind endpoint.Kind, name string, mode testutil.Mode) *testutil.Peer {
	t.Helper()
	tr, peer := testutil.NewPeer(t, mode)
	_, err := r.Register(message.RegisterRequest{Name: name, Kind: kind.String()}, tr)
	require.NoError(t, err)
	return peer
}

func sendData(t *testing.T, from *testutil.Peer, server, app string, rule message.TransmitRule) *message.Message {
	t.Helper()
	msg := message.New(server, app, rule, []byte("hello"))
	require.NoError(t, from.Send(msg))
	return msg
}

func TestRoute_LocalStoreAndForward(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"src", "dst"})
	src := register(t, r.Router, endpoint.Application, "src", testutil.AutoAck)
	dst := register(t, r.Router, endpoint.Application, "dst", testutil.AutoAck)

	msg := sendData(t, src, "A", "dst", message.StoreAndForward)
	assert.True(t, src.WaitResult(t, msg.ID, waitFor).Success)

	got := dst.WaitData(t, 1, waitFor)[0]
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "src", got.SourceApplication)
	assert.Equal(t, "A", got.SourceServer)
	require.Len(t, got.PassedServers, 1)
	assert.Equal(t, "A", got.PassedServers[0].Server)
	assert.False(t, got.PassedServers[0].LeftAt.IsZero())

	assert.Eventually(t, func() bool { return r.store.Len() == 0 }, waitFor, 5*time.Millisecond)
}

func TestRoute_DefaultsToLocalServer(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"src", "dst"})
	src := register(t, r.Router, endpoint.Application, "src", testutil.AutoAck)
	dst := register(t, r.Router, endpoint.Application, "dst", testutil.AutoAck)

	msg := sendData(t, src, "", "dst", message.NonPersistent)
	assert.True(t, src.WaitResult(t, msg.ID, waitFor).Success)
	assert.Equal(t, "A", dst.WaitData(t, 1, waitFor)[0].DestinationServer)
}

func TestRoute_StoredUntilReceiverConnects(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"src", "dst"})
	src := register(t, r.Router, endpoint.Application, "src", testutil.AutoAck)

	msg := sendData(t, src, "A", "dst", message.StoreAndForward)
	assert.True(t, src.WaitResult(t, msg.ID, waitFor).Success, "accepted once persisted")
	assert.Equal(t, 1, r.store.Len())

	dst := register(t, r.Router, endpoint.Application, "dst", testutil.AutoAck)
	assert.Equal(t, msg.ID, dst.WaitData(t, 1, waitFor)[0].ID)
	assert.Eventually(t, func() bool { return r.store.Len() == 0 }, waitFor, 5*time.Millisecond)
}

func TestRoute_Failures(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"src", "dst"})
	src := register(t, r.Router, endpoint.Application, "src", testutil.AutoAck)

	cases := []struct {
		name   string
		server string
		app    string
		rule   message.TransmitRule
		reason string
	}{
		{"unknown local application", "A", "ghost", message.StoreAndForward, "destination does not exist"},
		{"unknown server", "Z", "dst", message.StoreAndForward, "destination does not exist"},
		{"direct send without receiver", "A", "dst", message.DirectlySend, "no transport available"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start := time.Now()
			msg := sendData(t, src, tc.server, tc.app, tc.rule)
			res := src.WaitResult(t, msg.ID, waitFor)
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, tc.reason)
			assert.Less(t, time.Since(start), responseTimeout, "failures are reported without waiting")
		})
	}
	assert.Equal(t, 0, r.store.Len())
}

func TestRoute_DirectSend(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"src", "dst"})
	src := register(t, r.Router, endpoint.Application, "src", testutil.AutoAck)
	dst := register(t, r.Router, endpoint.Application, "dst", testutil.AutoAck)

	msg := sendData(t, src, "A", "dst", message.DirectlySend)
	assert.True(t, src.WaitResult(t, msg.ID, waitFor).Success)
	assert.Len(t, dst.Data(), 1)
	assert.Equal(t, 0, r.store.Len(), "direct sends are never persisted")

	dst.SetMode(testutil.AutoReject)
	msg = sendData(t, src, "A", "dst", message.DirectlySend)
	res := src.WaitResult(t, msg.ID, waitFor)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, testutil.RejectReason)
}

func TestRoute_DirectSendTimesOut(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"src", "dst"})
	src := register(t, r.Router, endpoint.Application, "src", testutil.AutoAck)
	register(t, r.Router, endpoint.Application, "dst", testutil.Silent)

	start := time.Now()
	msg := sendData(t, src, "A", "dst", message.DirectlySend)
	res := src.WaitResult(t, msg.ID, waitFor)
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "delivery timeout")
	assert.GreaterOrEqual(t, elapsed, responseTimeout)
	assert.Less(t, elapsed, 2*responseTimeout)
}

func TestRoute_DuplicateDeliveredOnce(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"src", "dst"})
	src := register(t, r.Router, endpoint.Application, "src", testutil.AutoAck)
	dst := register(t, r.Router, endpoint.Application, "dst", testutil.AutoAck)

	msg := message.New("A", "dst", message.StoreAndForward, []byte("once"))
	require.NoError(t, src.Send(msg))
	require.True(t, src.WaitResult(t, msg.ID, waitFor).Success)
	dst.WaitData(t, 1, waitFor)

	require.NoError(t, src.Send(msg))
	assert.Eventually(t, func() bool { return len(src.Results()) == 2 }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, dst.Data(), 1)
}

func TestRoute_AdjacentAndMultiHop(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{
		node("A", "B"),
		node("B", "A", "C"),
		node("C", "B"),
	}, []string{"src"})
	src := register(t, r.Router, endpoint.Application, "src", testutil.AutoAck)
	b := register(t, r.Router, endpoint.Server, "B", testutil.AutoAck)

	toB := sendData(t, src, "B", "app", message.StoreAndForward)
	toC := sendData(t, src, "C", "app", message.StoreAndForward)
	assert.True(t, src.WaitResult(t, toB.ID, waitFor).Success)
	assert.True(t, src.WaitResult(t, toC.ID, waitFor).Success)

	got := b.WaitData(t, 2, waitFor)
	assert.Equal(t, []string{toB.ID, toC.ID}, []string{got[0].ID, got[1].ID})
	assert.Equal(t, "C", got[1].DestinationServer)
	assert.Eventually(t, func() bool { return r.store.Len() == 0 }, waitFor, 5*time.Millisecond)
}

func TestRoute_BetweenRouters(t *testing.T) {
	nodes := []graph.Node{node("A", "B"), node("B", "A")}
	a := newTestRouter(t, "A", nodes, []string{"src"})
	b := newTestRouter(t, "B", nodes, []string{"sink"})

	atA, atB := transport.NewPipe()
	require.NoError(t, atA.Start(context.Background()))
	require.NoError(t, atB.Start(context.Background()))
	_, err := a.Register(message.RegisterRequest{Name: "B", Kind: "server"}, atA)
	require.NoError(t, err)
	_, err = b.Register(message.RegisterRequest{Name: "A", Kind: "server"}, atB)
	require.NoError(t, err)

	src := register(t, a.Router, endpoint.Application, "src", testutil.AutoAck)
	sink := register(t, b.Router, endpoint.Application, "sink", testutil.AutoAck)

	msg := sendData(t, src, "B", "sink", message.StoreAndForward)
	assert.True(t, src.WaitResult(t, msg.ID, waitFor).Success)

	got := sink.WaitData(t, 1, waitFor)[0]
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "A", got.SourceServer)
	assert.Equal(t, "src", got.SourceApplication)
	require.Len(t, got.PassedServers, 2)
	assert.Equal(t, "A", got.PassedServers[0].Server)
	assert.Equal(t, "B", got.PassedServers[1].Server)

	assert.Eventually(t, func() bool { return a.store.Len() == 0 && b.store.Len() == 0 }, waitFor, 5*time.Millisecond)

	direct := sendData(t, src, "B", "sink", message.DirectlySend)
	assert.True(t, src.WaitResult(t, direct.ID, waitFor).Success, "direct sends are acknowledged end to end")
}

func TestRoute_RoutingTable(t *testing.T) {
	routes := []config.Route{{
		Filter: config.RouteFilter{DestinationApplication: "svc"},
		Destinations: []config.RouteDestination{
			{Application: "svc-a", Weight: 2},
			{Application: "svc-b", Weight: 1},
		},
	}}
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"src", "svc-a", "svc-b"}, routes...)
	src := register(t, r.Router, endpoint.Application, "src", testutil.AutoAck)
	svcA := register(t, r.Router, endpoint.Application, "svc-a", testutil.AutoAck)
	svcB := register(t, r.Router, endpoint.Application, "svc-b", testutil.AutoAck)

	for range 3 {
		msg := sendData(t, src, "A", "svc", message.NonPersistent)
		require.True(t, src.WaitResult(t, msg.ID, waitFor).Success)
	}
	assert.Len(t, svcA.WaitData(t, 2, waitFor), 2)
	assert.Len(t, svcB.WaitData(t, 1, waitFor), 1)
}

func TestRegister(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A", "B"), node("B", "A")}, nil)
	require.NoError(t, r.UpdateApplicationList(message.ApplicationListUpdate{Add: []string{"app"}}))

	cases := []struct {
		name string
		req  message.RegisterRequest
		err  error
	}{
		{"unknown application", message.RegisterRequest{Name: "ghost", Kind: "application"}, ErrNotRegistered},
		{"not adjacent", message.RegisterRequest{Name: "Z", Kind: "server"}, ErrNotAdjacent},
		{"configured application", message.RegisterRequest{Name: "app", Kind: "application", Way: "receive"}, nil},
		{"adjacent server", message.RegisterRequest{Name: "B", Kind: "server"}, nil},
		{"second link to server", message.RegisterRequest{Name: "B", Kind: "server"}, endpoint.ErrTooManyTransports},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, _ := testutil.NewPeer(t, testutil.AutoAck)
			id, err := r.Register(tc.req, tr)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Positive(t, id)
		})
	}

	_, err := r.Register(message.RegisterRequest{Name: "app", Kind: "robot"}, nil)
	assert.Error(t, err)
}

func TestRegister_Password(t *testing.T) {
	g, err := graph.New("A", []graph.Node{node("A")})
	require.NoError(t, err)
	r, err := New(Config{
		LocalServer:        "A",
		Applications:       []config.Application{{Name: "app", Password: "secret"}},
		ControllerPassword: "admin",
	}, g, memory.New(), endpoint.NewIdentity(), discard(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	tr, _ := testutil.NewPeer(t, testutil.AutoAck)
	_, err = r.Register(message.RegisterRequest{Name: "app", Kind: "application", Password: "nope"}, tr)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = r.Register(message.RegisterRequest{Name: "ops", Kind: "controller"}, tr)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = r.Register(message.RegisterRequest{Name: "app", Kind: "application", Password: "secret"}, tr)
	assert.NoError(t, err)
}

func TestAccept_Handshake(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"app"})

	tr, peer := testutil.NewPendingPeer(t, testutil.AutoAck)
	require.NoError(t, r.Accept(context.Background(), tr))

	req, err := message.NewControl(message.Register, "", message.RegisterRequest{Name: "app", Kind: "application"})
	require.NoError(t, err)
	require.NoError(t, peer.Send(req))

	res := peer.WaitResult(t, req.ID, waitFor)
	assert.True(t, res.Success)
	assert.Positive(t, res.CommunicatorID)

	ep, ok := r.Application("app")
	require.True(t, ok)
	assert.Eventually(t, func() bool { return ep.TransportCount() == 1 }, waitFor, 5*time.Millisecond)

	// Registered transports answer pings.
	ping, err := message.NewControl(message.Ping, "", nil)
	require.NoError(t, err)
	require.NoError(t, peer.Send(ping))
	assert.Equal(t, ping.ID, peer.WaitType(t, message.Pong, waitFor).RepliedMessageID)
}

func TestAccept_RejectsNonRegister(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"app"})

	tr, peer := testutil.NewPendingPeer(t, testutil.AutoAck)
	require.NoError(t, r.Accept(context.Background(), tr))

	msg := message.New("A", "app", message.StoreAndForward, nil)
	require.NoError(t, peer.Send(msg))
	res := peer.WaitResult(t, msg.ID, waitFor)
	assert.False(t, res.Success)
	assert.Eventually(t, func() bool { return tr.State() == transport.Closed }, waitFor, 5*time.Millisecond)
}

func TestAccept_PingBeforeRegister(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"app"})

	tr, peer := testutil.NewPendingPeer(t, testutil.AutoAck)
	require.NoError(t, r.Accept(context.Background(), tr))

	ping, err := message.NewControl(message.Ping, "", nil)
	require.NoError(t, err)
	require.NoError(t, peer.Send(ping))
	assert.Equal(t, ping.ID, peer.WaitType(t, message.Pong, waitFor).RepliedMessageID)

	req, err := message.NewControl(message.Register, "", message.RegisterRequest{Name: "app", Kind: "application"})
	require.NoError(t, err)
	require.NoError(t, peer.Send(req))
	assert.True(t, peer.WaitResult(t, req.ID, waitFor).Success)
	assert.Len(t, peer.Results(), 1)
}

func TestAccept_RefusesServerLinkBeyondCapacity(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A", "B"), node("B", "A")}, nil)

	connect := func() (transport.Transport, message.Result) {
		tr, peer := testutil.NewPendingPeer(t, testutil.AutoAck)
		require.NoError(t, r.Accept(context.Background(), tr))
		req, err := message.NewControl(message.Register, "", message.RegisterRequest{Name: "B", Kind: "server"})
		require.NoError(t, err)
		require.NoError(t, peer.Send(req))
		return tr, peer.WaitResult(t, req.ID, waitFor)
	}

	_, first := connect()
	assert.True(t, first.Success)
	ep, ok := r.Server("B")
	require.True(t, ok)
	require.Eventually(t, func() bool { return ep.TransportCount() == 1 }, waitFor, 5*time.Millisecond)

	second, res := connect()
	assert.False(t, res.Success)
	assert.Zero(t, res.CommunicatorID)
	assert.Contains(t, res.Error, endpoint.ErrTooManyTransports.Error())
	assert.Eventually(t, func() bool { return second.State() == transport.Closed }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, ep.TransportCount())
}
