// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
	ErrInvalid  = errors.New("invalid record")
)

// Record is a persisted store-and-forward message.
type Record struct {
	// ID is assigned by the store; assigned ids are positive and increasing.
	ID        int64  `json:"id"`
	MessageID string `json:"message_id"`
	// Data is the encoded message.
	Data            []byte `json:"data"`
	NextServer      string `json:"next_server"`
	DestServer      string `json:"dest_server"`
	DestApplication string `json:"dest_application"`
}

// Store is the durable log of messages waiting for delivery.
type Store interface {
	// StoreMessage persists rec and returns its assigned id.
	StoreMessage(ctx context.Context, rec *Record) (int64, error)

	// GetWaitingMessagesOfApplication returns up to maxCount records destined to
	// app on server with id >= minID, in ascending id order.
	GetWaitingMessagesOfApplication(ctx context.Context, server, app string, minID int64, maxCount int) ([]*Record, error)

	// GetWaitingMessagesOfServer returns up to maxCount records whose next hop is
	// server with id >= minID, in ascending id order.
	GetWaitingMessagesOfServer(ctx context.Context, server string, minID int64, maxCount int) ([]*Record, error)

	// GetMaxWaitingMessageIDOfApplication returns the highest waiting id for app, or 0.
	GetMaxWaitingMessageIDOfApplication(ctx context.Context, server, app string) (int64, error)

	// GetMaxWaitingMessageIDOfServer returns the highest waiting id for server, or 0.
	GetMaxWaitingMessageIDOfServer(ctx context.Context, server string) (int64, error)

	// RemoveMessage deletes a record and returns the number of records removed.
	RemoveMessage(ctx context.Context, id int64) (int, error)

	// UpdateNextServer re-points every record destined to destServer at
	// nextServer and returns the number of records changed.
	UpdateNextServer(ctx context.Context, destServer, nextServer string) (int, error)

	// Close releases the store.
	Close() error
}

// Validate checks the fields a store relies on.
func (r *Record) Validate() error {
	if r == nil {
		return ErrInvalid
	}
	if r.MessageID == "" || r.NextServer == "" || r.DestServer == "" {
		return ErrInvalid
	}
	return nil
}
