// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds the behaviour every storage.Store must show.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/absmach/mds/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a fresh store returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("AssignsIncreasingIDs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var last int64
		for i := range 5 {
			id, err := s.StoreMessage(ctx, appRecord(i, "s1", "app"))
			require.NoError(t, err)
			assert.Greater(t, id, last)
			last = id
		}
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		s := newStore(t)
		_, err := s.StoreMessage(context.Background(), &storage.Record{})
		assert.ErrorIs(t, err, storage.ErrInvalid)
	})

	t.Run("WaitingOfApplication", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var ids []int64
		for i := range 4 {
			id, err := s.StoreMessage(ctx, appRecord(i, "s1", "app"))
			require.NoError(t, err)
			ids = append(ids, id)
		}
		_, err := s.StoreMessage(ctx, appRecord(9, "s1", "other"))
		require.NoError(t, err)

		recs, err := s.GetWaitingMessagesOfApplication(ctx, "s1", "app", 0, 10)
		require.NoError(t, err)
		require.Len(t, recs, 4)
		for i, r := range recs {
			assert.Equal(t, ids[i], r.ID)
			assert.Equal(t, fmt.Sprintf("msg-%d", i), r.MessageID)
			assert.Equal(t, []byte(fmt.Sprintf("data-%d", i)), r.Data)
		}

		recs, err = s.GetWaitingMessagesOfApplication(ctx, "s1", "app", ids[1], 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, ids[1], recs[0].ID)
		assert.Equal(t, ids[2], recs[1].ID)

		maxID, err := s.GetMaxWaitingMessageIDOfApplication(ctx, "s1", "app")
		require.NoError(t, err)
		assert.Equal(t, ids[3], maxID)

		maxID, err = s.GetMaxWaitingMessageIDOfApplication(ctx, "s1", "nobody")
		require.NoError(t, err)
		assert.Zero(t, maxID)
	})

	t.Run("WaitingOfServer", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.StoreMessage(ctx, serverRecord(1, "B", "C"))
		require.NoError(t, err)
		_, err = s.StoreMessage(ctx, serverRecord(2, "D", "D"))
		require.NoError(t, err)
		b, err := s.StoreMessage(ctx, serverRecord(3, "B", "B"))
		require.NoError(t, err)

		recs, err := s.GetWaitingMessagesOfServer(ctx, "B", 0, 10)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, a, recs[0].ID)
		assert.Equal(t, b, recs[1].ID)

		maxID, err := s.GetMaxWaitingMessageIDOfServer(ctx, "B")
		require.NoError(t, err)
		assert.Equal(t, b, maxID)
	})

	t.Run("RemoveLeavesNoTrace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.StoreMessage(ctx, appRecord(0, "s1", "app"))
		require.NoError(t, err)

		n, err := s.RemoveMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		recs, err := s.GetWaitingMessagesOfApplication(ctx, "s1", "app", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, recs)
		recs, err = s.GetWaitingMessagesOfServer(ctx, "s1", id, 10)
		require.NoError(t, err)
		assert.Empty(t, recs)

		maxID, err := s.GetMaxWaitingMessageIDOfApplication(ctx, "s1", "app")
		require.NoError(t, err)
		assert.Zero(t, maxID)

		n, err = s.RemoveMessage(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("UpdateNextServer", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.StoreMessage(ctx, serverRecord(1, "B", "D"))
		require.NoError(t, err)
		_, err = s.StoreMessage(ctx, serverRecord(2, "B", "B"))
		require.NoError(t, err)

		n, err := s.UpdateNextServer(ctx, "D", "C")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		recs, err := s.GetWaitingMessagesOfServer(ctx, "C", 0, 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, first, recs[0].ID)
		assert.Equal(t, "C", recs[0].NextServer)

		recs, err = s.GetWaitingMessagesOfServer(ctx, "B", 0, 10)
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.StoreMessage(ctx, appRecord(0, "s1", "app"))
		require.NoError(t, err)

		recs, err := s.GetWaitingMessagesOfApplication(ctx, "s1", "app", 0, 1)
		require.NoError(t, err)
		recs[0].Data[0] = 'X'

		recs, err = s.GetWaitingMessagesOfApplication(ctx, "s1", "app", 0, 1)
		require.NoError(t, err)
		assert.Equal(t, byte('d'), recs[0].Data[0])
	})
}

func appRecord(i int, server, app string) *storage.Record {
	return &storage.Record{
		MessageID:       fmt.Sprintf("msg-%d", i),
		Data:            []byte(fmt.Sprintf("data-%d", i)),
		NextServer:      server,
		DestServer:      server,
		DestApplication: app,
	}
}

func serverRecord(i int, next, dest string) *storage.Record {
	return &storage.Record{
		MessageID:       fmt.Sprintf("fwd-%d", i),
		Data:            []byte(fmt.Sprintf("data-%d", i)),
		NextServer:      next,
		DestServer:      dest,
		DestApplication: "app",
	}
}
