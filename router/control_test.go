// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/mds/endpoint"
	"github.com/absmach/mds/graph"
	"github.com/absmach/mds/message"
	"github.com/absmach/mds/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func control(t *testing.T, p *testutil.Peer, typ message.Type, body any) *message.Message {
	t.Helper()
	msg, err := message.NewControl(typ, "", body)
	require.NoError(t, err)
	require.NoError(t, p.Send(msg))
	return msg
}

func waitReply(t *testing.T, p *testutil.Peer, typ message.Type, replied string) *message.Message {
	t.Helper()
	var found *message.Message
	require.Eventually(t, func() bool {
		for _, m := range p.Messages() {
			if m.Type == typ && m.RepliedMessageID == replied {
				found = m
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	return found
}

func TestControl_Queries(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A", "B"), node("B", "A")}, []string{"app"})
	ctl := register(t, r.Router, endpoint.Controller, "ops", testutil.AutoAck)

	req := control(t, ctl, message.GetServerGraph, nil)
	var doc message.GraphDocument
	require.NoError(t, waitReply(t, ctl, message.ServerGraph, req.ID).Body(&doc))
	require.Len(t, doc.Servers, 2)
	assert.Equal(t, "A", doc.Servers[0].Name)
	assert.Equal(t, []string{"B"}, doc.Servers[0].Adjacent)

	req = control(t, ctl, message.GetApplicationList, nil)
	var list message.ApplicationListDocument
	require.NoError(t, waitReply(t, ctl, message.ApplicationList, req.ID).Body(&list))
	require.Len(t, list.Applications, 1)
	assert.Equal(t, "app", list.Applications[0].Name)
	assert.Zero(t, list.Applications[0].Connected)
}

func TestControl_UpdateApplicationList(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"app"})
	ctl := register(t, r.Router, endpoint.Controller, "ops", testutil.AutoAck)

	req := control(t, ctl, message.UpdateApplicationList, message.ApplicationListUpdate{Add: []string{"late"}})
	assert.True(t, ctl.WaitResult(t, req.ID, waitFor).Success)

	late := register(t, r.Router, endpoint.Application, "late", testutil.AutoAck)
	app := register(t, r.Router, endpoint.Application, "app", testutil.AutoAck)
	msg := sendData(t, app, "A", "late", message.NonPersistent)
	assert.True(t, app.WaitResult(t, msg.ID, waitFor).Success)
	late.WaitData(t, 1, waitFor)

	req = control(t, ctl, message.UpdateApplicationList, message.ApplicationListUpdate{Remove: []string{"late"}})
	res := ctl.WaitResult(t, req.ID, waitFor)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrApplicationConnected.Error())

	// Applications may not administer the broker.
	req = control(t, app, message.UpdateApplicationList, message.ApplicationListUpdate{Add: []string{"x"}})
	res = app.WaitResult(t, req.ID, waitFor)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrNotPermitted.Error())
	_, ok := r.Application("x")
	assert.False(t, ok)
}

func TestUpdateApplicationList(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"a", "b"})

	err := r.UpdateApplicationList(message.ApplicationListUpdate{Add: []string{"c"}, Remove: []string{"ghost"}})
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, ok := r.Application("c")
	assert.False(t, ok, "a partly invalid update changes nothing")

	require.NoError(t, r.UpdateApplicationList(message.ApplicationListUpdate{Add: []string{"c"}, Remove: []string{"a"}}))
	_, ok = r.Application("a")
	assert.False(t, ok)
	_, ok = r.Application("c")
	assert.True(t, ok)

	names := []string{}
	for _, app := range r.ApplicationList().Applications {
		names = append(names, app.Name)
	}
	assert.Equal(t, []string{"b", "c"}, names)
}

func TestUpdateApplicationEndpoints(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"a"})

	err := r.UpdateApplicationEndpoints(message.EndpointsDocument{Endpoints: map[string][]string{"ghost": {"http://x"}}})
	assert.ErrorIs(t, err, ErrNotRegistered)

	require.NoError(t, r.UpdateApplicationEndpoints(message.EndpointsDocument{Endpoints: map[string][]string{"a": {"http://a:80/api"}}}))
	assert.Equal(t, []string{"http://a:80/api"}, r.ApplicationEndpoints().Endpoints["a"])
}

func TestUpdateServerGraph_RepointsStoredMessages(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{
		node("A", "B"),
		node("B", "A", "C"),
		node("C", "B"),
	}, []string{"src"})
	src := register(t, r.Router, endpoint.Application, "src", testutil.AutoAck)

	msg := sendData(t, src, "C", "app", message.StoreAndForward)
	require.True(t, src.WaitResult(t, msg.ID, waitFor).Success)
	require.Equal(t, 1, r.store.Len())

	var notified *graph.Graph
	r.OnGraphUpdate(func(g *graph.Graph) { notified = g })

	err := r.UpdateServerGraph(context.Background(), message.GraphDocument{Servers: []message.ServerInfo{
		{Name: "A", Adjacent: []string{"C"}},
		{Name: "C", Adjacent: []string{"A"}},
	}})
	require.NoError(t, err)
	require.NotNil(t, notified)
	assert.Equal(t, []string{"C"}, notified.Adjacent())

	_, ok := r.Server("B")
	assert.False(t, ok)
	c := register(t, r.Router, endpoint.Server, "C", testutil.AutoAck)
	assert.Equal(t, msg.ID, c.WaitData(t, 1, waitFor)[0].ID)
	assert.Eventually(t, func() bool { return r.store.Len() == 0 }, waitFor, 5*time.Millisecond)
}

func TestUpdateServerGraph_Invalid(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, nil)

	err := r.UpdateServerGraph(context.Background(), message.GraphDocument{Servers: []message.ServerInfo{{Name: "B"}}})
	assert.Error(t, err)
	assert.True(t, r.Graph().Contains("A"))
}

func TestProcess_RegisterTwice(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A")}, []string{"app"})
	app := register(t, r.Router, endpoint.Application, "app", testutil.AutoAck)

	req := control(t, app, message.Register, message.RegisterRequest{Name: "app", Kind: "application"})
	res := app.WaitResult(t, req.ID, waitFor)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrAlreadyRegistered.Error())
}

func TestSnapshot(t *testing.T) {
	r := newTestRouter(t, "A", []graph.Node{node("A", "B"), node("B", "A")}, []string{"b-app", "a-app"})
	register(t, r.Router, endpoint.Application, "a-app", testutil.AutoAck)

	snap := r.Snapshot()
	assert.Equal(t, "A", snap.Server)
	require.Len(t, snap.Applications, 2)
	assert.Equal(t, "a-app", snap.Applications[0].Name)
	assert.Len(t, snap.Applications[0].Transports, 1)
	require.Len(t, snap.Servers, 1)
	assert.Equal(t, "B", snap.Servers[0].Name)
	assert.Empty(t, snap.Controllers)
}
