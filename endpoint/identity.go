// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import "sync/atomic"

// Identity hands out process-unique ids for applications and communicators.
// One Identity is created at startup and shared by everything that assigns ids.
type Identity struct {
	applications  atomic.Int64
	communicators atomic.Int64
}

// NewIdentity returns an Identity whose first ids are 1.
func NewIdentity() *Identity {
	return &Identity{}
}

// NextApplicationID returns a new application id.
func (i *Identity) NextApplicationID() int64 {
	return i.applications.Add(1)
}

// NextCommunicatorID returns a new communicator (transport) id.
func (i *Identity) NextCommunicatorID() int64 {
	return i.communicators.Add(1)
}
