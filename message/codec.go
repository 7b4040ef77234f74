// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrInvalid is returned when a decoded message lacks mandatory fields.
var ErrInvalid = errors.New("invalid message")

// Encode serializes a message for storage and transport.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// EncodeTo writes the encoded message to w, followed by a newline.
func EncodeTo(w io.Writer, m *Message) error {
	if err := json.NewEncoder(w).Encode(m); err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return nil
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalid)
	}
	return &m, nil
}
