// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"

	"github.com/absmach/mds/message"
)

// base carries the state, way and handler bookkeeping shared by transports.
type base struct {
	mu      sync.RWMutex
	state   State
	way     Way
	handler Handler
}

func (b *base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *base) Way() Way {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.way
}

func (b *base) SetWay(w Way) {
	b.mu.Lock()
	b.way = w
	b.mu.Unlock()
}

func (b *base) SetHandler(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *base) currentHandler() Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handler
}

// setState records s and notifies the handler when the state changed.
func (b *base) setState(t Transport, s State) {
	b.mu.Lock()
	if b.state == s {
		b.mu.Unlock()
		return
	}
	b.state = s
	h := b.handler
	b.mu.Unlock()

	if h != nil {
		h.HandleStateChange(t, s)
	}
}

func (b *base) deliver(t Transport, msg *message.Message) {
	if h := b.currentHandler(); h != nil {
		h.HandleMessage(t, msg)
	}
}
