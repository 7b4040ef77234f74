// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result is the outcome of an operation, carried by OperationResult messages.
type Result struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	CommunicatorID int64  `json:"communicator_id,omitempty"`
}

// RegisterRequest is the first message a communicator sends on a new connection.
type RegisterRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // application, server, controller
	Password string `json:"password,omitempty"`
	Way      string `json:"way"` // send, receive, send_and_receive
}

// ChangeWayRequest renegotiates the communication way of the sending transport.
type ChangeWayRequest struct {
	Way string `json:"way"`
}

// ApplicationInfo describes one configured application.
type ApplicationInfo struct {
	Name       string `json:"name"`
	ID         int64  `json:"id"`
	Connected  int    `json:"connected"`
	QueueDepth int    `json:"queue_depth"`
}

// ApplicationListDocument is the body of ApplicationList messages.
type ApplicationListDocument struct {
	Applications []ApplicationInfo `json:"applications"`
}

// ApplicationListUpdate is the body of UpdateApplicationList messages.
type ApplicationListUpdate struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// ServerInfo describes one broker node of the graph.
type ServerInfo struct {
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	Port     int      `json:"port"`
	Adjacent []string `json:"adjacent,omitempty"`
}

// GraphDocument is the body of ServerGraph and UpdateServerGraph messages.
type GraphDocument struct {
	Servers []ServerInfo `json:"servers"`
}

// EndpointsDocument maps application names to their web-service endpoints.
type EndpointsDocument struct {
	Endpoints map[string][]string `json:"endpoints"`
}

// NewControl builds a control message of type t with a JSON-encoded body.
func NewControl(t Type, replied string, body any) (*Message, error) {
	msg := &Message{
		ID:               NewID(),
		RepliedMessageID: replied,
		Type:             t,
		CreatedAt:        time.Now(),
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s body: %w", t, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// NewResult builds the OperationResult answering the message with id replied.
func NewResult(replied string, res Result) *Message {
	// Result always marshals.
	msg, _ := NewControl(OperationResult, replied, res)
	return msg
}

// Body decodes the JSON body of a control message into v.
func (m *Message) Body(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("empty %s body", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s body: %w", m.Type, err)
	}
	return nil
}

// Result decodes the body of an OperationResult message.
func (m *Message) Result() (Result, error) {
	var res Result
	if m.Type != OperationResult {
		return res, fmt.Errorf("message %s is %s, not an operation result", m.ID, m.Type)
	}
	err := m.Body(&res)
	return res, err
}
