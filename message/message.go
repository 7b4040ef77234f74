// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransmitRule selects the persistence and retry policy of a data message.
type TransmitRule uint8

const (
	// DirectlySend is not persisted and attempted once; the sender waits for the result.
	DirectlySend TransmitRule = iota
	// StoreAndForward is persisted before it is acknowledged and retried until delivered.
	StoreAndForward
	// NonPersistent is queued in memory only and retried while the process runs.
	NonPersistent
)

func (r TransmitRule) String() string {
	switch r {
	case DirectlySend:
		return "directly_send"
	case StoreAndForward:
		return "store_and_forward"
	case NonPersistent:
		return "non_persistent"
	default:
		return fmt.Sprintf("transmit_rule(%d)", uint8(r))
	}
}

// ParseTransmitRule parses the textual form produced by String.
func ParseTransmitRule(s string) (TransmitRule, error) {
	switch s {
	case "directly_send":
		return DirectlySend, nil
	case "store_and_forward":
		return StoreAndForward, nil
	case "non_persistent":
		return NonPersistent, nil
	default:
		return 0, fmt.Errorf("unknown transmit rule %q", s)
	}
}

// Type distinguishes data traffic from control-plane traffic.
type Type uint8

const (
	Data Type = iota
	OperationResult
	Register
	Ping
	Pong
	ChangeWay
	GetApplicationList
	ApplicationList
	UpdateApplicationList
	GetServerGraph
	ServerGraph
	UpdateServerGraph
	GetApplicationEndpoints
	ApplicationEndpoints
	UpdateApplicationEndpoints
)

var typeNames = map[Type]string{
	Data:                       "data",
	OperationResult:            "operation_result",
	Register:                   "register",
	Ping:                       "ping",
	Pong:                       "pong",
	ChangeWay:                  "change_way",
	GetApplicationList:         "get_application_list",
	ApplicationList:            "application_list",
	UpdateApplicationList:      "update_application_list",
	GetServerGraph:             "get_server_graph",
	ServerGraph:                "server_graph",
	UpdateServerGraph:          "update_server_graph",
	GetApplicationEndpoints:    "get_application_endpoints",
	ApplicationEndpoints:       "application_endpoints",
	UpdateApplicationEndpoints: "update_application_endpoints",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Hop records the transit of a message through one broker node.
type Hop struct {
	Server    string    `json:"server"`
	ArrivedAt time.Time `json:"arrived_at"`
	LeftAt    time.Time `json:"left_at,omitzero"`
}

// Message is the unit exchanged between communicators and brokers.
// The payload is treated as immutable once the message is created; the
// routing envelope is filled in and rewritten by the brokers it passes.
type Message struct {
	ID                        string       `json:"id"`
	RepliedMessageID          string       `json:"replied_message_id,omitempty"`
	Type                      Type         `json:"type"`
	SourceServer              string       `json:"source_server,omitempty"`
	SourceApplication         string       `json:"source_application,omitempty"`
	SourceCommunicatorID      int64        `json:"source_communicator_id,omitempty"`
	DestinationServer         string       `json:"destination_server,omitempty"`
	DestinationApplication    string       `json:"destination_application,omitempty"`
	DestinationCommunicatorID int64        `json:"destination_communicator_id,omitempty"`
	PassedServers             []Hop        `json:"passed_servers,omitempty"`
	TransmitRule              TransmitRule `json:"transmit_rule"`
	Payload                   []byte       `json:"payload,omitempty"`
	CreatedAt                 time.Time    `json:"created_at"`
}

// New returns a data message with a fresh id.
func New(destServer, destApp string, rule TransmitRule, payload []byte) *Message {
	return &Message{
		ID:                     NewID(),
		Type:                   Data,
		DestinationServer:      destServer,
		DestinationApplication: destApp,
		TransmitRule:           rule,
		Payload:                payload,
		CreatedAt:              time.Now(),
	}
}

// NewID generates a globally unique message id.
func NewID() string {
	return uuid.NewString()
}

// IsData reports whether the message carries application data.
func (m *Message) IsData() bool {
	return m.Type == Data
}

// ArriveAt appends a hop record for server.
func (m *Message) ArriveAt(server string, at time.Time) {
	m.PassedServers = append(m.PassedServers, Hop{Server: server, ArrivedAt: at})
}

// Leave stamps the leave time of the last hop.
func (m *Message) Leave(at time.Time) {
	if n := len(m.PassedServers); n > 0 {
		m.PassedServers[n-1].LeftAt = at
	}
}

// Passed reports whether the message has already transited server.
func (m *Message) Passed(server string) bool {
	for _, h := range m.PassedServers {
		if h.Server == server {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.PassedServers != nil {
		cp.PassedServers = make([]Hop, len(m.PassedServers))
		copy(cp.PassedServers, m.PassedServers)
	}
	if m.Payload != nil {
		cp.Payload = make([]byte, len(m.Payload))
		copy(cp.Payload, m.Payload)
	}
	return &cp
}
