// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mds/config"
	"github.com/absmach/mds/endpoint"
	"github.com/absmach/mds/graph"
	"github.com/absmach/mds/message"
	"github.com/absmach/mds/ratelimit"
	"github.com/absmach/mds/router"
	"github.com/absmach/mds/storage/memory"
	"github.com/absmach/mds/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type inbox struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (in *inbox) handler() transport.Handler {
	return transport.HandlerFuncs{OnMessage: func(_ transport.Transport, msg *message.Message) {
		in.mu.Lock()
		in.msgs = append(in.msgs, msg)
		in.mu.Unlock()
	}}
}

func (in *inbox) find(match func(*message.Message) bool) *message.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, m := range in.msgs {
		if match(m) {
			return m
		}
	}
	return nil
}

func (in *inbox) wait(t *testing.T, match func(*message.Message) bool) *message.Message {
	t.Helper()
	var found *message.Message
	require.Eventually(t, func() bool {
		found = in.find(match)
		return found != nil
	}, waitFor, 5*time.Millisecond)
	return found
}

func newRouter(t *testing.T, apps ...string) *router.Router {
	t.Helper()
	g, err := graph.New("A", []graph.Node{{Name: "A"}})
	require.NoError(t, err)

	cfg := router.Config{LocalServer: "A", ResponseTimeout: time.Second}
	for _, a := range apps {
		cfg.Applications = append(cfg.Applications, config.Application{Name: a})
	}
	r, err := router.New(cfg, g, memory.New(), endpoint.NewIdentity(), discard(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func dial(t *testing.T, srv *httptest.Server, path string, in *inbox) *transport.WebSocket {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, err := transport.Dial(context.Background(), url, in.handler(), discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Stop(true) })
	return ws
}

func registerOver(t *testing.T, ws *transport.WebSocket, in *inbox, app string) message.Result {
	t.Helper()
	req, err := message.NewControl(message.Register, "", message.RegisterRequest{Name: app, Kind: "application"})
	require.NoError(t, err)
	require.NoError(t, ws.Send(req))

	reply := in.wait(t, func(m *message.Message) bool { return m.RepliedMessageID == req.ID })
	res, err := reply.Result()
	require.NoError(t, err)
	return res
}

func TestServer_RegisterAndDeliver(t *testing.T) {
	r := newRouter(t, "src", "dst")
	s := New(Config{Path: "/mds"}, r, nil, discard())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	srcIn, dstIn := &inbox{}, &inbox{}
	src := dial(t, srv, "/mds", srcIn)
	dst := dial(t, srv, "/mds", dstIn)

	res := registerOver(t, src, srcIn, "src")
	require.True(t, res.Success)
	assert.Positive(t, res.CommunicatorID)
	require.True(t, registerOver(t, dst, dstIn, "dst").Success)

	msg := message.New("A", "dst", message.StoreAndForward, []byte("over the wire"))
	require.NoError(t, src.Send(msg))

	reply := srcIn.wait(t, func(m *message.Message) bool { return m.RepliedMessageID == msg.ID })
	ack, err := reply.Result()
	require.NoError(t, err)
	assert.True(t, ack.Success)

	got := dstIn.wait(t, func(m *message.Message) bool { return m.ID == msg.ID })
	assert.Equal(t, []byte("over the wire"), got.Payload)
	assert.Equal(t, "src", got.SourceApplication)
	require.NoError(t, dst.Send(message.NewResult(got.ID, message.Result{Success: true})))

	ep, ok := r.Application("dst")
	require.True(t, ok)
	assert.Eventually(t, func() bool { return ep.Queue().Len() == 0 }, waitFor, 5*time.Millisecond)
}

func TestServer_RefusesUnknownApplication(t *testing.T) {
	r := newRouter(t, "app")
	s := New(Config{}, r, nil, discard())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	in := &inbox{}
	ws := dial(t, srv, "/mds", in)
	res := registerOver(t, ws, in, "ghost")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, router.ErrNotRegistered.Error())
	assert.Eventually(t, func() bool { return ws.State() == transport.Closed }, waitFor, 5*time.Millisecond)
}

func TestServer_RateLimited(t *testing.T) {
	r := newRouter(t, "app")
	limiter := ratelimit.NewIPRateLimiter(0.001, 1, time.Minute)
	defer limiter.Stop()
	s := New(Config{}, r, limiter, discard())

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://test/mds", nil)
	req.RemoteAddr = "10.0.0.1:1000"
	s.Handler().ServeHTTP(first, req)
	// Not a websocket handshake, but it passed the limiter.
	assert.Equal(t, http.StatusBadRequest, first.Code)

	second := httptest.NewRecorder()
	s.Handler().ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestServer_Listen(t *testing.T) {
	r := newRouter(t, "app")
	s := New(Config{Address: "127.0.0.1:0", MaxConnections: 4, ShutdownTimeout: time.Second}, r, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()
	require.Eventually(t, func() bool { return s.Addr() != "" }, waitFor, 5*time.Millisecond)

	in := &inbox{}
	ws, err := transport.Dial(context.Background(), "ws://"+s.Addr()+"/mds", in.handler(), discard())
	require.NoError(t, err)
	defer ws.Stop(true)
	require.True(t, registerOver(t, ws, in, "app").Success)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("server did not stop")
	}
}
