// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/mds/internal/bufpool"
	"github.com/absmach/mds/message"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	closeGrace   = time.Second
)

var _ Transport = (*WebSocket)(nil)

// WebSocket carries one JSON-encoded message per text frame.
type WebSocket struct {
	base
	conn       *websocket.Conn
	remoteAddr string
	logger     *slog.Logger

	writeMu sync.Mutex
	done    chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
}

// NewWebSocket wraps an established websocket connection.
func NewWebSocket(conn *websocket.Conn, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Dial opens a websocket connection to url and starts it.
func Dial(ctx context.Context, url string, h Handler, logger *slog.Logger) (*WebSocket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	ws := NewWebSocket(conn, logger)
	ws.SetHandler(h)
	if err := ws.Start(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return ws, nil
}

// Start begins reading frames.
func (w *WebSocket) Start(ctx context.Context) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	w.setState(w, Connecting)
	w.wg.Add(1)
	go w.readLoop()
	w.setState(w, Connected)
	return nil
}

func (w *WebSocket) readLoop() {
	defer w.Stop(false)
	defer w.wg.Done()

	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					w.logger.Debug("websocket_read_failed",
						slog.String("remote_addr", w.remoteAddr),
						slog.String("error", err.Error()))
				}
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		msg, err := message.Decode(data)
		if err != nil {
			w.logger.Warn("websocket_decode_failed",
				slog.String("remote_addr", w.remoteAddr),
				slog.String("error", err.Error()))
			continue
		}
		w.deliver(w, msg)
	}
}

// Send writes msg as one text frame.
func (w *WebSocket) Send(msg *message.Message) error {
	if w.State() != Connected {
		return ErrNotConnected
	}
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := message.EncodeTo(buf, msg); err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// Stop sends a close frame and closes the connection.
func (w *WebSocket) Stop(wait bool) error {
	var err error
	w.stop.Do(func() {
		w.setState(w, Closing)
		close(w.done)

		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		w.writeMu.Unlock()

		err = w.conn.Close()
		if wait {
			w.wg.Wait()
		}
		w.setState(w, Closed)
	})
	return err
}

// RemoteAddr returns the peer address.
func (w *WebSocket) RemoteAddr() string {
	return w.remoteAddr
}
