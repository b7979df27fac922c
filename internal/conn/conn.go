// Package conn owns the encrypted socket carrying the Open API protocol:
// dialing, the frame read loop, serialized writes, heartbeats, dead-peer
// detection, and teardown. A Conn is single-use: dial, use, close.
// Reconnection is a caller decision, never performed here, so mid-flight
// request loss and the need to re-authenticate stay visible upstream.
package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tickwire/tickwire/internal/metrics"
	"github.com/tickwire/tickwire/internal/protocol"
)

const (
	// DefaultHeartbeatInterval is how often a keep-alive envelope is sent
	// when no other traffic has gone out.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultDeadIntervalMultiple is the number of heartbeat intervals
	// without any inbound traffic after which the peer is considered dead.
	DefaultDeadIntervalMultiple = 3

	defaultDialTimeout = 30 * time.Second
	writeTimeout       = 30 * time.Second
	readBufferSize     = 32 * 1024
)

var (
	// ErrConnectionFailed wraps handshake, TLS, and DNS failures. Fatal to
	// the current session; not retried here.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected is returned for writes attempted while the
	// connection is not established.
	ErrNotConnected = errors.New("not connected")

	// ErrDeadPeer reports that no inbound traffic (including heartbeats)
	// arrived within the configured window.
	ErrDeadPeer = errors.New("no inbound traffic from peer")
)

// State is the connection lifecycle state. It is owned exclusively by the
// Conn; other components observe it and never mutate it.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds parameters for one connection.
type Config struct {
	// Addr is the host:port of the protocol endpoint.
	Addr string

	// TLSConfig overrides the default TLS client configuration. Optional.
	TLSConfig *tls.Config

	// DialFunc overrides the transport dial. Tests inject net.Pipe here;
	// nil selects a TLS dial to Addr.
	DialFunc func(ctx context.Context, addr string) (net.Conn, error)

	// MaxFrameSize caps inbound frame length. Zero selects
	// protocol.DefaultMaxFrameSize.
	MaxFrameSize uint32

	// HeartbeatInterval is the idle keep-alive cadence. Zero selects
	// DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// DeadIntervalMultiple is the dead-peer cutoff in heartbeat intervals.
	// Zero selects DefaultDeadIntervalMultiple.
	DeadIntervalMultiple int

	// MessagesPerSecond throttles the non-instant write path, matching the
	// server's rate policy. Zero disables throttling. Heartbeats are
	// exempt.
	MessagesPerSecond int

	// OnEnvelope receives every decoded non-heartbeat envelope, in frame
	// arrival order, from the read loop goroutine. Required.
	OnEnvelope func(*protocol.Envelope)

	// OnClose is called exactly once when the connection is torn down,
	// with the underlying cause (nil for a local Close). Optional.
	OnClose func(err error)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Conn is one established protocol connection.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	sock    net.Conn
	limiter *rate.Limiter

	state     atomic.Int32
	lastRead  atomic.Int64 // unix nanos of last inbound frame
	lastWrite atomic.Int64 // unix nanos of last outbound frame

	writeMu sync.Mutex

	loopCancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// Dial establishes a TLS-secured connection and starts the read and
// heartbeat loops. It fails with an error wrapping ErrConnectionFailed on
// handshake or DNS failure.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.OnEnvelope == nil {
		return nil, errors.New("conn: OnEnvelope is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.DeadIntervalMultiple <= 0 {
		cfg.DeadIntervalMultiple = DefaultDeadIntervalMultiple
	}
	dial := cfg.DialFunc
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := &tls.Dialer{Config: cfg.TLSConfig}
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	c := &Conn{
		cfg:    cfg,
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}
	if cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessagesPerSecond)
	}
	c.state.Store(int32(Connecting))

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	sock, err := dial(dialCtx, cfg.Addr)
	if err != nil {
		c.state.Store(int32(Disconnected))
		cfg.Metrics.Disconnected(metrics.ReasonDialFailed)
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, cfg.Addr, err)
	}
	c.sock = sock

	now := time.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)
	c.state.Store(int32(Connected))
	cfg.Metrics.Connected()
	c.logger.Info("connected", "addr", cfg.Addr)

	loopCtx, loopCancel := context.WithCancel(context.Background())
	c.loopCancel = loopCancel

	go c.readLoop()
	go c.heartbeatLoop(loopCtx)

	return c, nil
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send writes one envelope as a frame. It honors the rate limiter and
// serializes with concurrent writers so frames are never interleaved.
func (c *Conn) Send(ctx context.Context, env *protocol.Envelope) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return c.write(env)
}

// SendInstant writes one envelope bypassing the rate limiter. Used for
// heartbeats, which must not queue behind throttled traffic.
func (c *Conn) SendInstant(env *protocol.Envelope) error {
	return c.write(env)
}

func (c *Conn) write(env *protocol.Envelope) error {
	if c.State() != Connected {
		return ErrNotConnected
	}
	frame := protocol.EncodeFrame(env)

	c.writeMu.Lock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.sock.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	c.lastWrite.Store(time.Now().UnixNano())
	c.cfg.Metrics.FrameSent(len(frame))
	return nil
}

// Close tears the connection down and releases the socket. It is
// idempotent; the first call wins.
func (c *Conn) Close() {
	c.teardown(metrics.ReasonLocalClose, nil)
}

func (c *Conn) teardown(reason string, cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closing))
		if c.loopCancel != nil {
			c.loopCancel()
		}
		_ = c.sock.Close()
		c.state.Store(int32(Disconnected))
		c.cfg.Metrics.Disconnected(reason)
		if cause != nil {
			c.logger.Warn("connection lost", "reason", reason, "error", cause)
		} else {
			c.logger.Info("disconnected", "addr", c.cfg.Addr)
		}
		if c.cfg.OnClose != nil {
			c.cfg.OnClose(cause)
		}
		close(c.done)
	})
}

// readLoop continuously decodes frames and forwards each envelope. It is
// the only writer into the correlator's resolve path and the dispatcher's
// fan-out path, which preserves frame arrival order for both.
func (c *Conn) readLoop() {
	dec := protocol.NewDecoder(c.cfg.MaxFrameSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				env, derr := dec.Next()
				if derr != nil {
					// Protocol corruption: the stream can no
					// longer be trusted.
					c.teardown(metrics.ReasonMalformedFrame, derr)
					return
				}
				if env == nil {
					break
				}
				c.handleEnvelope(env)
			}
		}
		if err != nil {
			if c.State() != Connected {
				// Teardown already in progress; the read error is
				// just the closed socket.
				return
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("connection closed by peer: %w", err)
			}
			c.teardown(metrics.ReasonReadFailed, err)
			return
		}
	}
}

func (c *Conn) handleEnvelope(env *protocol.Envelope) {
	c.lastRead.Store(time.Now().UnixNano())
	c.cfg.Metrics.FrameReceived(protocol.LengthPrefixSize + len(env.Payload))
	if env.PayloadType == protocol.PayloadTypeHeartbeat {
		// Answer and swallow; heartbeats are transport plumbing, not
		// events.
		c.cfg.Metrics.HeartbeatReceived()
		if err := c.SendInstant(protocol.Heartbeat()); err == nil {
			c.cfg.Metrics.HeartbeatSent()
		}
		return
	}
	c.cfg.OnEnvelope(env)
}

// heartbeatLoop sends a keep-alive when the write path has been idle for a
// full interval, and tears the connection down when nothing has been read
// for DeadIntervalMultiple intervals.
func (c *Conn) heartbeatLoop(ctx context.Context) {
	interval := c.cfg.HeartbeatInterval
	deadAfter := time.Duration(c.cfg.DeadIntervalMultiple) * interval

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sinceRead := time.Since(time.Unix(0, c.lastRead.Load()))
			if sinceRead > deadAfter {
				c.teardown(metrics.ReasonDeadPeer,
					fmt.Errorf("%w for %v", ErrDeadPeer, sinceRead.Round(time.Second)))
				return
			}
			sinceWrite := time.Since(time.Unix(0, c.lastWrite.Load()))
			if sinceWrite >= interval {
				if err := c.SendInstant(protocol.Heartbeat()); err != nil {
					c.logger.Debug("heartbeat send failed", "error", err)
					continue
				}
				c.cfg.Metrics.HeartbeatSent()
			}
		}
	}
}
