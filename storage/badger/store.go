// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/mds/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

var _ storage.Store = (*Store)(nil)

// Key format:
//   - Record:            m/{id}
//   - Application index: a/{server}\x00{app}\x00{id}
//   - Next-server index: s/{next}\x00{id}
//   - Destination index: d/{dest}\x00{id}
//
// Ids are 8-byte big-endian so that key order is id order.
var (
	recordPrefix = []byte("m/")
	seqKey       = []byte("seq/messages")
)

const seqBandwidth = 1000

// Store is the BadgerDB-backed message log.
type Store struct {
	db       *badger.DB
	seq      *badger.Sequence
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string // Directory for BadgerDB data
	SyncWrites bool
	// Compress enables zstd compression of message bodies.
	Compress bool
	// GCInterval is the value log GC period. Zero means five minutes.
	GCInterval time.Duration
}

// storedRecord is the on-disk form of a record.
type storedRecord struct {
	storage.Record
	Compressed bool `json:"compressed,omitempty"`
}

// New opens or creates a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	// Store-and-forward messages must survive a crash once acknowledged.
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	seq, err := db.GetSequence(seqKey, seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open id sequence: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		seq.Release()
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		seq.Release()
		db.Close()
		return nil, err
	}

	s := &Store{
		db:       db,
		seq:      seq,
		compress: cfg.Compress,
		enc:      enc,
		dec:      dec,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go s.runGC(interval)

	return s, nil
}

func (s *Store) StoreMessage(_ context.Context, rec *storage.Record) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate id: %w", err)
	}
	// Sequence starts at 0, which is reserved for records that were never stored.
	id := int64(n) + 1

	cp := *rec
	cp.ID = id
	value, err := s.encode(&cp)
	if err != nil {
		return 0, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(id), value); err != nil {
			return err
		}
		if err := txn.Set(appKey(cp.DestServer, cp.DestApplication, id), nil); err != nil {
			return err
		}
		if err := txn.Set(serverKey(cp.NextServer, id), nil); err != nil {
			return err
		}
		return txn.Set(destKey(cp.DestServer, id), nil)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store message: %w", err)
	}
	return id, nil
}

func (s *Store) GetWaitingMessagesOfApplication(_ context.Context, server, app string, minID int64, maxCount int) ([]*storage.Record, error) {
	return s.scan(appPrefix(server, app), minID, maxCount)
}

func (s *Store) GetWaitingMessagesOfServer(_ context.Context, server string, minID int64, maxCount int) ([]*storage.Record, error) {
	return s.scan(serverPrefix(server), minID, maxCount)
}

func (s *Store) GetMaxWaitingMessageIDOfApplication(_ context.Context, server, app string) (int64, error) {
	return s.maxID(appPrefix(server, app))
}

func (s *Store) GetMaxWaitingMessageIDOfServer(_ context.Context, server string) (int64, error) {
	return s.maxID(serverPrefix(server))
}

func (s *Store) RemoveMessage(_ context.Context, id int64) (int, error) {
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := s.get(txn, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		for _, key := range [][]byte{
			recordKey(id),
			appKey(rec.DestServer, rec.DestApplication, id),
			serverKey(rec.NextServer, id),
			destKey(rec.DestServer, id),
		} {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		removed = 1
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove message %d: %w", id, err)
	}
	return removed, nil
}

func (s *Store) UpdateNextServer(_ context.Context, destServer, nextServer string) (int, error) {
	updated := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		ids := indexIDs(txn, destPrefix(destServer), 0, 0)
		for _, id := range ids {
			rec, err := s.get(txn, id)
			if err != nil {
				return err
			}
			if rec.NextServer == nextServer {
				continue
			}
			if err := txn.Delete(serverKey(rec.NextServer, id)); err != nil {
				return err
			}
			rec.NextServer = nextServer
			value, err := s.encode(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(recordKey(id), value); err != nil {
				return err
			}
			if err := txn.Set(serverKey(nextServer, id), nil); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update next server of %s: %w", destServer, err)
	}
	return updated, nil
}

// Close releases the id sequence and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	// Releasing returns unused leased ids; a failure only wastes ids.
	_ = s.seq.Release()
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

func (s *Store) scan(prefix []byte, minID int64, maxCount int) ([]*storage.Record, error) {
	var out []*storage.Record
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range indexIDs(txn, prefix, minID, maxCount) {
			rec, err := s.get(txn, id)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *Store) maxID(prefix []byte) (int64, error) {
	var id int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seek)
		if it.ValidForPrefix(prefix) {
			id = idFromKey(it.Item().Key())
		}
		return nil
	})
	return id, err
}

func (s *Store) get(txn *badger.Txn, id int64) (*storage.Record, error) {
	item, err := txn.Get(recordKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	var rec *storage.Record
	err = item.Value(func(val []byte) error {
		rec, err = s.decode(val)
		return err
	})
	return rec, err
}

func (s *Store) encode(rec *storage.Record) ([]byte, error) {
	sr := storedRecord{Record: *rec}
	if s.compress && len(rec.Data) > 0 {
		sr.Data = s.enc.EncodeAll(rec.Data, nil)
		sr.Compressed = true
	}
	data, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

func (s *Store) decode(val []byte) (*storage.Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(val, &sr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	if sr.Compressed {
		data, err := s.dec.DecodeAll(sr.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress record %d: %w", sr.ID, err)
		}
		sr.Data = data
	}
	rec := sr.Record
	return &rec, nil
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func indexIDs(txn *badger.Txn, prefix []byte, minID int64, maxCount int) []int64 {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []int64
	for it.Seek(withID(prefix, max(minID, 0))); it.ValidForPrefix(prefix); it.Next() {
		if maxCount > 0 && len(ids) >= maxCount {
			break
		}
		ids = append(ids, idFromKey(it.Item().Key()))
	}
	return ids
}

func withID(prefix []byte, id int64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(id))
	return key
}

func idFromKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}

func recordKey(id int64) []byte {
	return withID(recordPrefix, id)
}

func appPrefix(server, app string) []byte {
	return []byte("a/" + server + "\x00" + app + "\x00")
}

func serverPrefix(server string) []byte {
	return []byte("s/" + server + "\x00")
}

func destPrefix(dest string) []byte {
	return []byte("d/" + dest + "\x00")
}

func appKey(server, app string, id int64) []byte {
	return withID(appPrefix(server, app), id)
}

func serverKey(server string, id int64) []byte {
	return withID(serverPrefix(server), id)
}

func destKey(dest string, id int64) []byte {
	return withID(destPrefix(dest), id)
}
