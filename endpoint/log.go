// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/mds/message"
	"github.com/absmach/mds/storage"
)

// Entry is a persisted message together with its store id.
type Entry struct {
	ID      int64
	Message *message.Message
}

// Log is the durable backlog behind a delivery queue.
type Log interface {
	// Append persists msg and returns its id.
	Append(ctx context.Context, msg *message.Message) (int64, error)
	// Load returns up to maxCount entries with id >= minID in id order. An
	// entry whose record could not be read carries a nil Message.
	Load(ctx context.Context, minID int64, maxCount int) ([]Entry, error)
	// MaxID returns the highest id waiting in the log, or 0.
	MaxID(ctx context.Context) (int64, error)
	Remove(ctx context.Context, id int64) error
}

// storeLog selects the records of one destination out of a shared store.
type storeLog struct {
	store storage.Store
	// record fills the routing columns of a new record.
	record  func(msg *message.Message) *storage.Record
	load    func(ctx context.Context, minID int64, maxCount int) ([]*storage.Record, error)
	maxID   func(ctx context.Context) (int64, error)
	logger  *slog.Logger
	subject string
}

// ApplicationLog is the backlog of application app hosted on server.
func ApplicationLog(store storage.Store, server, app string, logger *slog.Logger) Log {
	return &storeLog{
		store: store,
		record: func(msg *message.Message) *storage.Record {
			return &storage.Record{NextServer: server, DestServer: server, DestApplication: app}
		},
		load: func(ctx context.Context, minID int64, maxCount int) ([]*storage.Record, error) {
			return store.GetWaitingMessagesOfApplication(ctx, server, app, minID, maxCount)
		},
		maxID: func(ctx context.Context) (int64, error) {
			return store.GetMaxWaitingMessageIDOfApplication(ctx, server, app)
		},
		logger:  loggerOrDefault(logger),
		subject: server + "/" + app,
	}
}

// ServerLog is the backlog of messages whose next hop is server.
func ServerLog(store storage.Store, server string, logger *slog.Logger) Log {
	return &storeLog{
		store: store,
		record: func(msg *message.Message) *storage.Record {
			return &storage.Record{
				NextServer:      server,
				DestServer:      msg.DestinationServer,
				DestApplication: msg.DestinationApplication,
			}
		},
		load: func(ctx context.Context, minID int64, maxCount int) ([]*storage.Record, error) {
			return store.GetWaitingMessagesOfServer(ctx, server, minID, maxCount)
		},
		maxID: func(ctx context.Context) (int64, error) {
			return store.GetMaxWaitingMessageIDOfServer(ctx, server)
		},
		logger:  loggerOrDefault(logger),
		subject: server,
	}
}

func (l *storeLog) Append(ctx context.Context, msg *message.Message) (int64, error) {
	data, err := message.Encode(msg)
	if err != nil {
		return 0, err
	}
	rec := l.record(msg)
	rec.MessageID = msg.ID
	rec.Data = data

	id, err := l.store.StoreMessage(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("failed to persist message %s for %s: %w", msg.ID, l.subject, err)
	}
	return id, nil
}

// Load removes records that no longer decode and returns them without a
// message, so callers still move past their ids.
func (l *storeLog) Load(ctx context.Context, minID int64, maxCount int) ([]Entry, error) {
	recs, err := l.load(ctx, minID, maxCount)
	if err != nil {
		return nil, fmt.Errorf("failed to load backlog of %s: %w", l.subject, err)
	}

	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		msg, err := message.Decode(rec.Data)
		if err != nil {
			l.logger.Error("dropping undecodable record",
				slog.Int64("id", rec.ID),
				slog.String("message_id", rec.MessageID),
				slog.String("error", err.Error()))
			_, _ = l.store.RemoveMessage(ctx, rec.ID)
			entries = append(entries, Entry{ID: rec.ID})
			continue
		}
		entries = append(entries, Entry{ID: rec.ID, Message: msg})
	}
	return entries, nil
}

func (l *storeLog) MaxID(ctx context.Context) (int64, error) {
	return l.maxID(ctx)
}

func (l *storeLog) Remove(ctx context.Context, id int64) error {
	if _, err := l.store.RemoveMessage(ctx, id); err != nil {
		return fmt.Errorf("failed to remove record %d of %s: %w", id, l.subject, err)
	}
	return nil
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
