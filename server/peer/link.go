// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"sync"

	"github.com/absmach/mds/message"
	"github.com/absmach/mds/transport"
)

var _ transport.Transport = (*link)(nil)

// link is an outgoing transport to a neighbour. Until the neighbour answers
// the registration, incoming messages are held back; they are handed to the
// endpoint in arrival order once it is attached.
type link struct {
	transport.Transport

	mu        sync.Mutex
	handler   transport.Handler
	holding   bool
	held      []*message.Message
	requestID string
	result    chan *message.Message

	closed    chan struct{}
	closeOnce sync.Once
}

func newLink() *link {
	return &link{
		holding: true,
		result:  make(chan *message.Message, 1),
		closed:  make(chan struct{}),
	}
}

// expect marks id as the registration request whose result ends the handshake.
func (l *link) expect(id string) {
	l.mu.Lock()
	l.requestID = id
	l.mu.Unlock()
}

// SetHandler replaces the handler of the link, not of the wrapped transport.
func (l *link) SetHandler(h transport.Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// release delivers held messages and stops holding.
func (l *link) release() {
	for {
		l.mu.Lock()
		if len(l.held) == 0 {
			l.holding = false
			l.mu.Unlock()
			return
		}
		batch := l.held
		l.held = nil
		h := l.handler
		l.mu.Unlock()

		if h == nil {
			continue
		}
		for _, msg := range batch {
			h.HandleMessage(l, msg)
		}
	}
}

func (l *link) HandleMessage(_ transport.Transport, msg *message.Message) {
	l.mu.Lock()
	if l.requestID != "" && msg.Type == message.OperationResult && msg.RepliedMessageID == l.requestID {
		l.requestID = ""
		l.mu.Unlock()
		l.result <- msg
		return
	}
	if l.holding {
		l.held = append(l.held, msg)
		l.mu.Unlock()
		return
	}
	h := l.handler
	l.mu.Unlock()

	if h != nil {
		h.HandleMessage(l, msg)
	}
}

func (l *link) HandleStateChange(_ transport.Transport, s transport.State) {
	if s == transport.Closed {
		l.closeOnce.Do(func() { close(l.closed) })
	}

	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h.HandleStateChange(l, s)
	}
}
