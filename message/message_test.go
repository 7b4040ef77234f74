// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsUniqueIDs(t *testing.T) {
	a := New("s1", "app", StoreAndForward, []byte("a"))
	b := New("s1", "app", StoreAndForward, []byte("b"))

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, Data, a.Type)
	assert.True(t, a.IsData())
}

func TestHops(t *testing.T) {
	m := New("s3", "app", DirectlySend, nil)
	t0 := time.Now()

	m.ArriveAt("s1", t0)
	m.Leave(t0.Add(time.Millisecond))
	m.ArriveAt("s2", t0.Add(2*time.Millisecond))

	require.Len(t, m.PassedServers, 2)
	assert.Equal(t, "s1", m.PassedServers[0].Server)
	assert.False(t, m.PassedServers[0].LeftAt.IsZero())
	assert.True(t, m.PassedServers[1].LeftAt.IsZero())
	assert.True(t, m.Passed("s2"))
	assert.False(t, m.Passed("s3"))
}

func TestCloneIsDeep(t *testing.T) {
	m := New("s1", "app", NonPersistent, []byte("payload"))
	m.ArriveAt("s1", time.Now())

	cp := m.Clone()
	cp.Payload[0] = 'X'
	cp.PassedServers[0].Server = "other"

	assert.Equal(t, byte('p'), m.Payload[0])
	assert.Equal(t, "s1", m.PassedServers[0].Server)
	assert.Equal(t, m.ID, cp.ID)
}

func TestEncodeDecode(t *testing.T) {
	m := New("s2", "orders", StoreAndForward, []byte{0, 1, 2})
	m.SourceServer = "s1"
	m.DestinationCommunicatorID = 7
	m.ArriveAt("s1", time.Now())

	data, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Payload, got.Payload)
	assert.Equal(t, StoreAndForward, got.TransmitRule)
	assert.Equal(t, int64(7), got.DestinationCommunicatorID)
	require.Len(t, got.PassedServers, 1)
}

func TestEncodeToMatchesEncode(t *testing.T) {
	m := New("s2", "orders", NonPersistent, []byte("x"))

	var buf bytes.Buffer
	require.NoError(t, EncodeTo(&buf, m))
	data, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, string(data)+"\n", buf.String())

	got, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
}

func TestDecodeRejectsMissingID(t *testing.T) {
	_, err := Decode([]byte(`{"type":0}`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestResultRoundTrip(t *testing.T) {
	msg := NewResult("req-1", Result{Success: false, Error: "no path to destination"})
	assert.Equal(t, OperationResult, msg.Type)
	assert.Equal(t, "req-1", msg.RepliedMessageID)

	res, err := msg.Result()
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no path to destination", res.Error)

	_, err = New("s", "a", DirectlySend, nil).Result()
	assert.Error(t, err)
}

func TestParseTransmitRule(t *testing.T) {
	for _, r := range []TransmitRule{DirectlySend, StoreAndForward, NonPersistent} {
		got, err := ParseTransmitRule(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := ParseTransmitRule("bogus")
	assert.Error(t, err)
}
