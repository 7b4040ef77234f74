// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/absmach/mds/message"
)

const pipeInboxSize = 256

var _ Transport = (*Pipe)(nil)

// Pipe is one side of an in-memory connection. Messages sent on one side are
// cloned and handed to the handler of the other side from its read goroutine.
type Pipe struct {
	base
	name  string
	peer  *Pipe
	inbox chan *message.Message
	done  chan struct{}
	stop  sync.Once
	wg    sync.WaitGroup
}

// NewPipe returns two connected ends. Each end must be started before it
// delivers messages to its handler.
func NewPipe() (*Pipe, *Pipe) {
	a := newPipeEnd("pipe-a")
	b := newPipeEnd("pipe-b")
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd(name string) *Pipe {
	return &Pipe{
		name:  name,
		inbox: make(chan *message.Message, pipeInboxSize),
		done:  make(chan struct{}),
	}
}

// Start moves the pipe to Connected and starts its read goroutine.
func (p *Pipe) Start(ctx context.Context) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	p.setState(p, Connecting)
	p.wg.Add(1)
	go p.readLoop(ctx)
	p.setState(p, Connected)
	return nil
}

func (p *Pipe) readLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			p.drain()
			return
		case <-ctx.Done():
			go p.Stop(false)
			return
		case msg := <-p.inbox:
			p.deliver(p, msg)
		}
	}
}

// drain delivers what the other end sent before the pipe was stopped.
func (p *Pipe) drain() {
	for {
		select {
		case msg := <-p.inbox:
			p.deliver(p, msg)
		default:
			return
		}
	}
}

// Send hands a copy of msg to the other end.
func (p *Pipe) Send(msg *message.Message) error {
	if p.State() != Connected {
		return ErrNotConnected
	}
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	case p.peer.inbox <- msg.Clone():
		return nil
	}
}

// Stop closes both ends. With wait set it blocks until the read goroutine
// exits; it must not be called with wait from inside a handler.
func (p *Pipe) Stop(wait bool) error {
	p.stop.Do(func() {
		p.setState(p, Closing)
		close(p.done)
		if wait {
			p.wg.Wait()
		}
		p.setState(p, Closed)
		go p.peer.Stop(false)
	})
	return nil
}

// RemoteAddr names the pipe end.
func (p *Pipe) RemoteAddr() string {
	return p.name
}
