// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package peer keeps the links to adjacent servers up. Of every pair of
// neighbours the one with the smaller name dials; the other one accepts
// the link on its websocket listener.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/mds/graph"
	"github.com/absmach/mds/message"
	"github.com/absmach/mds/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// ErrRefused means the neighbour answered the registration with a failure.
var ErrRefused = errors.New("registration refused by neighbour")

// Config holds the dialer settings.
type Config struct {
	LocalServer      string
	Path             string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/mds"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = 30 * c.InitialBackoff
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = time.Minute
	}
	return c
}

// Registrar attaches links to the server endpoints of the local router.
type Registrar interface {
	Register(req message.RegisterRequest, t transport.Transport) (int64, error)
	Graph() *graph.Graph
	OnGraphUpdate(fn func(g *graph.Graph))
}

// DialFunc opens a started transport to url delivering events to h. ctx
// bounds the dial only.
type DialFunc func(ctx context.Context, url string, h transport.Handler) (transport.Transport, error)

// WebSocketDialer returns a DialFunc opening websocket transports.
func WebSocketDialer(logger *slog.Logger) DialFunc {
	return func(ctx context.Context, url string, h transport.Handler) (transport.Transport, error) {
		return transport.Dial(ctx, url, h, logger)
	}
}

// Dialer maintains one outgoing link per neighbour it is responsible for.
type Dialer struct {
	cfg    Config
	reg    Registrar
	dial   DialFunc
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]*worker
	wg      sync.WaitGroup
}

type worker struct {
	addr   string
	cancel context.CancelFunc
}

// New creates a dialer. dial may be nil to use websockets.
func New(cfg Config, reg Registrar, dial DialFunc, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = WebSocketDialer(logger)
	}
	return &Dialer{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		dial:    dial,
		logger:  logger,
		workers: make(map[string]*worker),
	}
}

// Start dials the current neighbours and follows graph updates.
func (d *Dialer) Start(ctx context.Context) {
	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	d.reg.OnGraphUpdate(d.sync)
	d.sync(d.reg.Graph())
}

// Stop closes every link and waits for the workers to exit.
func (d *Dialer) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.workers = make(map[string]*worker)
	d.mu.Unlock()
	d.wg.Wait()
}

// Links returns the names of the neighbours this node dials.
func (d *Dialer) Links() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.workers))
	for name := range d.workers {
		names = append(names, name)
	}
	return names
}

// sync starts workers for new neighbours and stops those of former ones or
// of neighbours whose address changed.
func (d *Dialer) sync(g *graph.Graph) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil || d.ctx.Err() != nil {
		return
	}

	want := make(map[string]string)
	for _, name := range g.Adjacent() {
		if name <= d.cfg.LocalServer {
			continue
		}
		n, _ := g.Node(name)
		want[name] = net.JoinHostPort(n.Address, strconv.Itoa(n.Port))
	}

	for name, w := range d.workers {
		if addr, ok := want[name]; !ok || addr != w.addr {
			w.cancel()
			delete(d.workers, name)
		}
	}
	for name, addr := range want {
		if _, ok := d.workers[name]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(d.ctx)
		d.workers[name] = &worker{addr: addr, cancel: cancel}
		d.wg.Add(1)
		go d.run(ctx, name, addr)
	}
}

// run keeps the link to name up until ctx is done.
func (d *Dialer) run(ctx context.Context, name, addr string) {
	defer d.wg.Done()

	url := "ws://" + addr + d.cfg.Path
	logger := d.logger.With(slog.String("neighbour", name), slog.String("url", url))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     d.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= d.cfg.FailureThreshold
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("peer circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff
	bo.MaxInterval = d.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		res, err := cb.Execute(func() (interface{}, error) {
			return d.connect(ctx, name, url)
		})
		if err == nil {
			l := res.(*link)
			bo.Reset()
			logger.Info("peer link established")
			select {
			case <-l.closed:
				logger.Warn("peer link lost")
			case <-ctx.Done():
				_ = l.Stop(true)
				return
			}
		} else if ctx.Err() == nil {
			logger.Debug("peer dial failed", slog.String("error", err.Error()))
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// connect dials name, registers this node with it and attaches the link to
// the local endpoint of name.
func (d *Dialer) connect(ctx context.Context, name, url string) (*link, error) {
	l := newLink()

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	t, err := d.dial(dialCtx, url, l)
	cancel()
	if err != nil {
		return nil, err
	}
	l.Transport = t

	req, err := message.NewControl(message.Register, "", message.RegisterRequest{
		Name: d.cfg.LocalServer,
		Kind: "server",
		Way:  transport.SendAndReceive.String(),
	})
	if err != nil {
		_ = t.Stop(false)
		return nil, err
	}
	l.expect(req.ID)
	if err := t.Send(req); err != nil {
		_ = t.Stop(false)
		return nil, err
	}

	timer := time.NewTimer(d.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case reply := <-l.result:
		res, err := reply.Result()
		if err == nil && !res.Success {
			err = fmt.Errorf("%w: %s", ErrRefused, res.Error)
		}
		if err != nil {
			_ = t.Stop(false)
			return nil, err
		}
	case <-l.closed:
		return nil, transport.ErrNotConnected
	case <-timer.C:
		_ = t.Stop(false)
		return nil, fmt.Errorf("registration with %s timed out", name)
	case <-ctx.Done():
		_ = t.Stop(false)
		return nil, ctx.Err()
	}

	if _, err := d.reg.Register(message.RegisterRequest{Name: name, Kind: "server"}, l); err != nil {
		_ = t.Stop(false)
		return nil, err
	}
	l.release()
	return l, nil
}
