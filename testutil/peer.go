// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mds/message"
	"github.com/absmach/mds/transport"
	"github.com/stretchr/testify/require"
)

// Mode selects how a Peer answers data messages.
type Mode int32

const (
	// AutoAck answers every data message with a success result.
	AutoAck Mode = iota
	// AutoReject answers every data message with a failure result.
	AutoReject
	// Silent never answers.
	Silent
)

// RejectReason is the error text of AutoReject results.
const RejectReason = "rejected by peer"

// Peer is the far side of an in-memory connection. It records everything it
// receives and answers pings.
type Peer struct {
	pipe *transport.Pipe
	mode atomic.Int32

	mu   sync.Mutex
	msgs []*message.Message
}

// NewPeer returns the broker side of a started pipe and the peer holding the
// other side. Both ends are stopped when the test ends.
func NewPeer(t testing.TB, mode Mode) (transport.Transport, *Peer) {
	t.Helper()

	local, p := NewPendingPeer(t, mode)
	require.NoError(t, local.Start(context.Background()))
	return local, p
}

// NewPendingPeer is NewPeer with the broker side left unstarted, for code
// that starts transports itself.
func NewPendingPeer(t testing.TB, mode Mode) (transport.Transport, *Peer) {
	t.Helper()

	local, remote := transport.NewPipe()
	p := &Peer{pipe: remote}
	p.mode.Store(int32(mode))
	remote.SetHandler(transport.HandlerFuncs{OnMessage: p.handle})

	require.NoError(t, remote.Start(context.Background()))
	t.Cleanup(func() { _ = local.Stop(true) })
	return local, p
}

// SetMode changes how future data messages are answered.
func (p *Peer) SetMode(m Mode) {
	p.mode.Store(int32(m))
}

// Send sends msg to the broker.
func (p *Peer) Send(msg *message.Message) error {
	return p.pipe.Send(msg)
}

// Close drops the connection.
func (p *Peer) Close() {
	_ = p.pipe.Stop(false)
}

// Ack answers msg with a success result.
func (p *Peer) Ack(msg *message.Message) error {
	return p.pipe.Send(message.NewResult(msg.ID, message.Result{Success: true}))
}

// Reject answers msg with a failure result.
func (p *Peer) Reject(msg *message.Message, reason string) error {
	return p.pipe.Send(message.NewResult(msg.ID, message.Result{Error: reason}))
}

func (p *Peer) handle(_ transport.Transport, msg *message.Message) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()

	switch {
	case msg.Type == message.Ping:
		pong, _ := message.NewControl(message.Pong, msg.ID, nil)
		_ = p.pipe.Send(pong)
	case msg.IsData():
		switch Mode(p.mode.Load()) {
		case AutoAck:
			_ = p.Ack(msg)
		case AutoReject:
			_ = p.Reject(msg, RejectReason)
		}
	}
}

// Messages returns everything received so far.
func (p *Peer) Messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.msgs...)
}

// Data returns the data messages received so far.
func (p *Peer) Data() []*message.Message {
	return p.filter(func(m *message.Message) bool { return m.IsData() })
}

// Results returns the operation results received so far.
func (p *Peer) Results() []*message.Message {
	return p.filter(func(m *message.Message) bool { return m.Type == message.OperationResult })
}

func (p *Peer) filter(keep func(*message.Message) bool) []*message.Message {
	var out []*message.Message
	for _, m := range p.Messages() {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

// WaitData waits until at least n data messages arrived and returns them.
func (p *Peer) WaitData(t testing.TB, n int, timeout time.Duration) []*message.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.Data()) >= n }, timeout, 5*time.Millisecond,
		"expected %d data messages", n)
	return p.Data()
}

// WaitResult waits for the result answering the message with id replied.
func (p *Peer) WaitResult(t testing.TB, replied string, timeout time.Duration) message.Result {
	t.Helper()

	var res message.Result
	require.Eventually(t, func() bool {
		for _, m := range p.Results() {
			if m.RepliedMessageID == replied {
				r, err := m.Result()
				if err != nil {
					return false
				}
				res = r
				return true
			}
		}
		return false
	}, timeout, 5*time.Millisecond, "no result for %s", replied)
	return res
}

// WaitType waits for a message of type typ and returns the first one.
func (p *Peer) WaitType(t testing.TB, typ message.Type, timeout time.Duration) *message.Message {
	t.Helper()

	var found *message.Message
	require.Eventually(t, func() bool {
		for _, m := range p.Messages() {
			if m.Type == typ {
				found = m
				return true
			}
		}
		return false
	}, timeout, 5*time.Millisecond, "no %s message", typ)
	return found
}
