// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/absmach/mds/message"
)

// SendDataMessage sends msg on the first free transport willing to receive it.
// It blocks until a transport is free, timeout elapses or the endpoint stops.
// A timeout <= 0 waits without bound. With no transport connected at all it
// fails at once with ErrNoTransport. The outcome of a sent message arrives
// later through DeliveryQueue.HandleResult.
func (e *Endpoint) SendDataMessage(ctx context.Context, msg *message.Message, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return ErrClosed
		}
		if len(e.transports) == 0 {
			e.mu.Unlock()
			return ErrNoTransport
		}

		now := time.Now()
		ct := e.pickLocked(msg, now)
		if ct != nil {
			ct.processing = msg
			ct.processingUntil = now.Add(e.cfg.ResponseTimeout)
			ct.lastOut = now
			e.lastOut = now
			e.mu.Unlock()

			if err := ct.send(msg); err != nil {
				e.mu.Lock()
				if ct.processing == msg {
					ct.processing = nil
				}
				e.broadcastLocked()
				e.mu.Unlock()
				return fmt.Errorf("failed to send %s to %s: %w", msg.ID, e.cfg.Name, err)
			}
			return nil
		}
		changed := e.changed
		e.mu.Unlock()

		select {
		case <-changed:
		case <-expired:
			return fmt.Errorf("%w: no free transport of %s", ErrDeliveryTimeout, e.cfg.Name)
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrClosed
		}
	}
}

// pickLocked returns the first transport able to take msg, or nil.
func (e *Endpoint) pickLocked(msg *message.Message, now time.Time) *connectedTransport {
	// A reply for a specific communicator of a local application must go to it.
	pinned := msg.DestinationCommunicatorID != 0 &&
		e.cfg.Kind == Application &&
		msg.DestinationServer == e.cfg.LocalServer

	for _, ct := range e.transports {
		if pinned && ct.id != msg.DestinationCommunicatorID {
			continue
		}
		if ct.available(now) {
			return ct
		}
	}
	return nil
}

// handleResponse matches an operation result against the message in flight
// on the transport it arrived on.
func (e *Endpoint) handleResponse(ct *connectedTransport, resp *message.Message) {
	res, err := resp.Result()
	if err != nil {
		e.logger.Warn("malformed operation result dropped",
			slog.String("message_id", resp.ID),
			slog.String("error", err.Error()))
		return
	}

	e.mu.Lock()
	inflight := ct.processing
	if inflight == nil || inflight.ID != resp.RepliedMessageID {
		e.mu.Unlock()
		e.logger.Debug("unmatched operation result dropped",
			slog.String("replied_message_id", resp.RepliedMessageID),
			slog.Int64("communicator_id", ct.id))
		return
	}
	ct.processing = nil

	var outcome error
	if res.Success {
		e.transports = slices.DeleteFunc(e.transports, func(c *connectedTransport) bool { return c == ct })
		e.transports = append(e.transports, ct)
		e.broadcastLocked()
	} else {
		// Rejecting transports sit out the cool-down; the sweep wakes waiters
		// once it expires.
		ct.suspended = true
		ct.suspendedUntil = time.Now().Add(e.cfg.SuspendDuration)
		outcome = fmt.Errorf("%w: %s", ErrRejected, res.Error)
	}
	e.mu.Unlock()

	e.queue.HandleResult(inflight, outcome)
}

func (e *Endpoint) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

// sweep clears expired suspensions, fails messages whose receiver stopped
// answering and pings idle transports. Only the scan runs under the lock.
func (e *Endpoint) sweep(now time.Time) {
	var (
		expired []*message.Message
		idle    []*connectedTransport
		wake    bool
	)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	for _, ct := range e.transports {
		if ct.suspended && !now.Before(ct.suspendedUntil) {
			ct.suspended = false
			wake = true
		}
		if ct.processing != nil && now.After(ct.processingUntil) {
			expired = append(expired, ct.processing)
			ct.processing = nil
			wake = true
		}
		if e.cfg.KeepAlive > 0 && now.Sub(ct.lastOut) >= e.cfg.KeepAlive && now.Sub(e.lastIn) >= e.cfg.KeepAlive {
			ct.lastOut = now
			idle = append(idle, ct)
		}
	}
	if wake {
		e.broadcastLocked()
	}
	e.mu.Unlock()

	for _, msg := range expired {
		e.logger.Warn("delivery timed out", slog.String("message_id", msg.ID))
		e.queue.HandleResult(msg, fmt.Errorf("%w: no result for %s", ErrDeliveryTimeout, msg.ID))
	}
	for _, ct := range idle {
		ping, err := message.NewControl(message.Ping, "", nil)
		if err != nil {
			continue
		}
		if err := ct.send(ping); err != nil {
			e.logger.Debug("ping failed",
				slog.Int64("communicator_id", ct.id),
				slog.String("error", err.Error()))
		}
	}
}
