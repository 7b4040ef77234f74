// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import "errors"

// Delivery errors. Results passed to DeliveryQueue.HandleResult wrap one of these.
var (
	// ErrNoTransport means the endpoint has no connected transport at all.
	ErrNoTransport = errors.New("no transport available")
	// ErrDeliveryTimeout means no transport became free in time, or the
	// receiver did not answer within the response timeout.
	ErrDeliveryTimeout = errors.New("delivery timeout")
	// ErrRejected means the receiver answered with a negative result.
	ErrRejected = errors.New("message rejected")
	// ErrDisconnected means the transport closed while the message was in flight.
	ErrDisconnected = errors.New("disconnected")

	ErrClosed            = errors.New("endpoint is closed")
	ErrQueueFull         = errors.New("delivery queue is full")
	ErrTooManyTransports = errors.New("too many transports")
	ErrUnknownTransport  = errors.New("unknown transport")
)
