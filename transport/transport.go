// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the contract of a physical connection to a
// communicator and provides in-memory and websocket implementations.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/mds/message"
)

var (
	ErrNotConnected = errors.New("transport is not connected")
	ErrClosed       = errors.New("transport is closed")
)

// State is the connection state of a transport.
// Transitions go Closed -> Connecting -> Connected -> Closing -> Closed.
type State uint8

const (
	Closed State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Way is the direction a communicator declared for a connection, from the
// communicator's point of view.
type Way uint8

const (
	SendAndReceive Way = iota
	Send
	Receive
)

func (w Way) String() string {
	switch w {
	case Send:
		return "send"
	case Receive:
		return "receive"
	default:
		return "send_and_receive"
	}
}

// CanReceive reports whether the broker may deliver messages on the connection.
func (w Way) CanReceive() bool {
	return w == Receive || w == SendAndReceive
}

// ParseWay parses the textual form produced by String. Empty means SendAndReceive.
func ParseWay(s string) (Way, error) {
	switch s {
	case "", "send_and_receive":
		return SendAndReceive, nil
	case "send":
		return Send, nil
	case "receive":
		return Receive, nil
	default:
		return 0, fmt.Errorf("unknown communication way %q", s)
	}
}

// Handler receives transport events. Both methods are called from the
// transport's read goroutine and must not block for long.
type Handler interface {
	HandleMessage(t Transport, msg *message.Message)
	HandleStateChange(t Transport, s State)
}

// Transport is one physical connection to a communicator.
// Send is single-flight: callers must not invoke it concurrently.
type Transport interface {
	Start(ctx context.Context) error
	Stop(wait bool) error
	Send(msg *message.Message) error
	State() State
	Way() Way
	SetWay(w Way)
	SetHandler(h Handler)
	RemoteAddr() string
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	OnMessage func(t Transport, msg *message.Message)
	OnState   func(t Transport, s State)
}

func (h HandlerFuncs) HandleMessage(t Transport, msg *message.Message) {
	if h.OnMessage != nil {
		h.OnMessage(t, msg)
	}
}

func (h HandlerFuncs) HandleStateChange(t Transport, s State) {
	if h.OnState != nil {
		h.OnState(t, s)
	}
}
