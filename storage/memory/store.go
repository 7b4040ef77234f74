// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/absmach/mds/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is an in-memory message log. Contents do not survive a restart.
type Store struct {
	mu      sync.RWMutex
	records map[int64]*storage.Record
	ids     []int64 // ascending
	lastID  int64
	closed  bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records: make(map[int64]*storage.Record),
	}
}

func (s *Store) StoreMessage(_ context.Context, rec *storage.Record) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}

	s.lastID++
	cp := copyRecord(rec)
	cp.ID = s.lastID
	s.records[cp.ID] = cp
	s.ids = append(s.ids, cp.ID)
	return cp.ID, nil
}

func (s *Store) GetWaitingMessagesOfApplication(_ context.Context, server, app string, minID int64, maxCount int) ([]*storage.Record, error) {
	return s.scan(minID, maxCount, func(r *storage.Record) bool {
		return r.DestServer == server && r.DestApplication == app
	})
}

func (s *Store) GetWaitingMessagesOfServer(_ context.Context, server string, minID int64, maxCount int) ([]*storage.Record, error) {
	return s.scan(minID, maxCount, func(r *storage.Record) bool {
		return r.NextServer == server
	})
}

func (s *Store) GetMaxWaitingMessageIDOfApplication(_ context.Context, server, app string) (int64, error) {
	return s.max(func(r *storage.Record) bool {
		return r.DestServer == server && r.DestApplication == app
	})
}

func (s *Store) GetMaxWaitingMessageIDOfServer(_ context.Context, server string) (int64, error) {
	return s.max(func(r *storage.Record) bool {
		return r.NextServer == server
	})
}

func (s *Store) RemoveMessage(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}

	if _, ok := s.records[id]; !ok {
		return 0, nil
	}
	delete(s.records, id)
	if i, found := slices.BinarySearch(s.ids, id); found {
		s.ids = slices.Delete(s.ids, i, i+1)
	}
	return 1, nil
}

func (s *Store) UpdateNextServer(_ context.Context, destServer, nextServer string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}

	n := 0
	for _, r := range s.records {
		if r.DestServer == destServer && r.NextServer != nextServer {
			r.NextServer = nextServer
			n++
		}
	}
	return n, nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of waiting records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) scan(minID int64, maxCount int, match func(*storage.Record) bool) ([]*storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	start, _ := slices.BinarySearch(s.ids, minID)
	var out []*storage.Record
	for _, id := range s.ids[start:] {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		r := s.records[id]
		if match(r) {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

func (s *Store) max(match func(*storage.Record) bool) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, storage.ErrClosed
	}

	for i := len(s.ids) - 1; i >= 0; i-- {
		if r := s.records[s.ids[i]]; match(r) {
			return r.ID, nil
		}
	}
	return 0, nil
}

func copyRecord(r *storage.Record) *storage.Record {
	cp := *r
	cp.Data = slices.Clone(r.Data)
	return &cp
}
