// Package client is the public send/receive surface of the Open API
// engine. A Client owns one connection at a time, correlates requests with
// responses by client message id, and fans unsolicited envelopes out to a
// subscribed listener. It never reconnects on its own: when the connection
// is lost every pending request fails with ErrConnectionClosed and the
// caller decides whether and when to dial again (typically after
// re-authenticating), optionally through ConnectWithRetry.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickwire/tickwire/internal/conn"
	"github.com/tickwire/tickwire/internal/correlator"
	"github.com/tickwire/tickwire/internal/events"
	"github.com/tickwire/tickwire/internal/metrics"
	"github.com/tickwire/tickwire/internal/protocol"
)

// DefaultRequestTimeout bounds SendRequest when the caller passes no
// explicit timeout.
const DefaultRequestTimeout = 30 * time.Second

// Errors surfaced by the engine. Correlation errors are re-exported so
// callers need not import the correlator package.
var (
	ErrNotConnected     = conn.ErrNotConnected
	ErrAlreadyConnected = errors.New("already connected")
	ErrDuplicateID      = correlator.ErrDuplicateID
	ErrRequestTimeout   = correlator.ErrTimeout
	ErrConnectionClosed = correlator.ErrConnectionClosed
)

// Config holds engine parameters.
type Config struct {
	// Addr is the host:port of the protocol endpoint.
	Addr string

	// TLSConfig overrides the default TLS client configuration. Optional.
	TLSConfig *tls.Config

	// DialFunc overrides the transport dial. Tests inject pipes here.
	DialFunc func(ctx context.Context, addr string) (net.Conn, error)

	// RequestTimeout is the default SendRequest timeout. Zero selects
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// EventQueueSize bounds the unsolicited-event hand-off queue. Zero
	// selects events.DefaultQueueSize.
	EventQueueSize int

	// HeartbeatInterval, DeadIntervalMultiple, MessagesPerSecond and
	// MaxFrameSize are passed through to the connection; zero values
	// select the conn package defaults.
	HeartbeatInterval    time.Duration
	DeadIntervalMultiple int
	MessagesPerSecond    int
	MaxFrameSize         uint32

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Client is the protocol engine. Construct with New; a zero Client is not
// usable. Safe for concurrent use by multiple goroutines.
type Client struct {
	cfg    Config
	logger *slog.Logger

	table      *correlator.Table
	dispatcher *events.Dispatcher

	mu  sync.Mutex
	cur *conn.Conn
}

// New creates a disconnected engine.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger,
	}
	c.table = correlator.NewTable(cfg.Metrics.UnmatchedResponse)
	c.dispatcher = events.NewDispatcher(cfg.EventQueueSize, cfg.Metrics.EventDropped)
	return c
}

// Connect establishes the connection. It fails with ErrAlreadyConnected if
// one is up, and with an error wrapping conn.ErrConnectionFailed on
// handshake or DNS failure.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		if c.cur.State() == conn.Connected {
			return ErrAlreadyConnected
		}
		// The old connection may still be mid-teardown, and its FailAll
		// must never reach requests registered on the new one. Done closes
		// only after OnClose has run, so the table is quiet past this
		// point.
		select {
		case <-c.cur.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		c.cur = nil
	}

	cn, err := conn.Dial(ctx, conn.Config{
		Addr:                 c.cfg.Addr,
		TLSConfig:            c.cfg.TLSConfig,
		DialFunc:             c.cfg.DialFunc,
		MaxFrameSize:         c.cfg.MaxFrameSize,
		HeartbeatInterval:    c.cfg.HeartbeatInterval,
		DeadIntervalMultiple: c.cfg.DeadIntervalMultiple,
		MessagesPerSecond:    c.cfg.MessagesPerSecond,
		OnEnvelope:           c.dispatch,
		OnClose:              c.onConnClose,
		Metrics:              c.cfg.Metrics,
		Logger:               c.logger,
	})
	if err != nil {
		return err
	}
	c.cur = cn
	return nil
}

// ConnectWithRetry dials with exponential backoff (1s, 2s, 4s, capped at
// 30s) until the budget is exhausted or the context is cancelled. A zero
// budget means a single attempt. onRetry, if non-nil, is called before
// each retry. This is the caller-driven reconnect knob: nothing inside the
// engine ever invokes it.
func (c *Client) ConnectWithRetry(ctx context.Context, budget time.Duration, onRetry func()) error {
	if budget == 0 {
		return c.Connect(ctx)
	}

	const (
		retryBase = 1 * time.Second
		retryMax  = 30 * time.Second
	)
	budgetCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	delay := retryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying connect", "attempt", attempt, "delay", delay)
			if onRetry != nil {
				onRetry()
			}
			select {
			case <-budgetCtx.Done():
				return lastErr
			case <-time.After(delay):
			}
			delay = min(delay*2, retryMax)
		}
		err := c.Connect(budgetCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAlreadyConnected) {
			return err
		}
		lastErr = err
		c.logger.Debug("connect attempt failed", "attempt", attempt+1, "error", err)
		if budgetCtx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return budgetCtx.Err()
}

// Disconnect tears the connection down. Idempotent; every outstanding
// request resolves with ErrConnectionClosed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cn := c.cur
	c.mu.Unlock()
	if cn != nil {
		cn.Close()
	}
}

// Close disconnects and stops the event dispatcher. The Client cannot be
// reused afterwards.
func (c *Client) Close() {
	c.Disconnect()
	c.dispatcher.Close()
}

// Done returns a channel closed when the current connection is torn down.
// With no connection it returns an already-closed channel.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	cn := c.cur
	c.mu.Unlock()
	if cn == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return cn.Done()
}

// State reports the current connection state.
func (c *Client) State() conn.State {
	c.mu.Lock()
	cn := c.cur
	c.mu.Unlock()
	if cn == nil {
		return conn.Disconnected
	}
	return cn.State()
}

// SubscribeEvents registers the listener invoked for every unsolicited
// envelope, in frame arrival order. Delivery is handed off to a dedicated
// goroutine; a slow listener drops the oldest queued events rather than
// stalling the read loop.
func (c *Client) SubscribeEvents(l func(*protocol.Envelope)) {
	c.dispatcher.Subscribe(events.Listener(l))
}

// SendRequest sends a correlated request and blocks until the matching
// response arrives, the timeout elapses, or the context is cancelled. A
// fresh client message id is assigned if the envelope carries none. A zero
// timeout selects the configured default. Requests issued while
// disconnected fail immediately with ErrNotConnected rather than queuing.
func (c *Client) SendRequest(ctx context.Context, env *protocol.Envelope, timeout time.Duration) (*protocol.Envelope, error) {
	cn := c.connected()
	if cn == nil {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	req := *env
	if req.ClientMsgID == "" {
		req.ClientMsgID = uuid.NewString()
	}

	p, err := c.table.Register(req.ClientMsgID)
	if err != nil {
		return nil, err
	}
	c.cfg.Metrics.RequestStarted()
	start := time.Now()
	defer func() {
		c.cfg.Metrics.RequestFinished(time.Since(start).Seconds())
	}()

	if err := cn.Send(ctx, &req); err != nil {
		c.table.Abandon(req.ClientMsgID)
		return nil, fmt.Errorf("send request %q: %w", req.ClientMsgID, err)
	}
	return c.table.Await(ctx, p, timeout)
}

// Send writes an envelope with no correlation and no response expected.
func (c *Client) Send(ctx context.Context, env *protocol.Envelope) error {
	cn := c.connected()
	if cn == nil {
		return ErrNotConnected
	}
	return cn.Send(ctx, env)
}

func (c *Client) connected() *conn.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.State() != conn.Connected {
		return nil
	}
	return c.cur
}

// dispatch is the read loop's hand-off point. Responses matching a pending
// request resolve it; everything else (no id, or an id nothing is waiting
// on) is an unsolicited event. The unmatched-id case is counted by the
// correlator before the envelope flows on to the dispatcher.
func (c *Client) dispatch(env *protocol.Envelope) {
	if env.ClientMsgID != "" && c.table.Resolve(env) {
		return
	}
	c.dispatcher.Publish(env)
}

func (c *Client) onConnClose(cause error) {
	if cause != nil {
		c.logger.Warn("connection lost, failing pending requests", "error", cause)
	}
	c.table.FailAll(ErrConnectionClosed)
}
