// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"sync"
	"time"

	"github.com/absmach/mds/message"
	"github.com/absmach/mds/transport"
)

// connectedTransport is a transport plus its delivery state. All fields but
// sendMu are guarded by the owning endpoint's mutex. At most one data message
// is in flight per transport.
type connectedTransport struct {
	id int64
	t  transport.Transport

	// sendMu keeps Send single-flight across data, acks and pings.
	sendMu sync.Mutex

	processing      *message.Message
	processingUntil time.Time
	suspended       bool
	suspendedUntil  time.Time
	lastOut         time.Time
}

func (c *connectedTransport) send(msg *message.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.t.Send(msg)
}

// available reports whether the transport can take a new message at now.
// An expired suspension is cleared as a side effect.
func (c *connectedTransport) available(now time.Time) bool {
	if !c.t.Way().CanReceive() {
		return false
	}
	if c.suspended {
		if now.Before(c.suspendedUntil) {
			return false
		}
		c.suspended = false
	}
	return c.processing == nil
}

// TransportInfo describes one connected transport.
type TransportInfo struct {
	ID         int64  `json:"id"`
	RemoteAddr string `json:"remote_addr"`
	Way        string `json:"way"`
	Busy       bool   `json:"busy"`
	Suspended  bool   `json:"suspended"`
}

func (c *connectedTransport) info() TransportInfo {
	return TransportInfo{
		ID:         c.id,
		RemoteAddr: c.t.RemoteAddr(),
		Way:        c.t.Way().String(),
		Busy:       c.processing != nil,
		Suspended:  c.suspended,
	}
}
