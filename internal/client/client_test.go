package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tickwire/tickwire/internal/conn"
	"github.com/tickwire/tickwire/internal/protocol"
)

// fakeServer terminates the peer side of a net.Pipe and answers correlated
// requests through a pluggable handler. A nil handler response means no
// reply is sent.
type fakeServer struct {
	mu      sync.Mutex
	sock    net.Conn
	handler func(*protocol.Envelope) *protocol.Envelope
	recv    chan *protocol.Envelope
}

func (s *fakeServer) run() {
	dec := protocol.NewDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := s.sock.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				env, derr := dec.Next()
				if derr != nil || env == nil {
					break
				}
				if env.PayloadType == protocol.PayloadTypeHeartbeat {
					continue
				}
				s.recv <- env
				s.mu.Lock()
				h := s.handler
				s.mu.Unlock()
				if h != nil {
					if resp := h(env); resp != nil {
						s.push(resp)
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *fakeServer) push(env *protocol.Envelope) {
	_, _ = s.sock.Write(protocol.EncodeFrame(env))
}

func newTestClient(t *testing.T, handler func(*protocol.Envelope) *protocol.Envelope) (*Client, *fakeServer) {
	t.Helper()
	local, remote := net.Pipe()
	srv := &fakeServer{
		sock:    remote,
		handler: handler,
		recv:    make(chan *protocol.Envelope, 64),
	}
	go srv.run()

	c := New(Config{
		Addr: "pipe",
		DialFunc: func(ctx context.Context, addr string) (net.Conn, error) {
			return local, nil
		},
		HeartbeatInterval:    time.Hour,
		DeadIntervalMultiple: 1,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c, srv
}

// Happy path: request "r1", response arrives within the timeout,
// SendRequest returns it.
func TestSendRequestResponse(t *testing.T) {
	c, _ := newTestClient(t, func(req *protocol.Envelope) *protocol.Envelope {
		return &protocol.Envelope{
			PayloadType: 5,
			Payload:     []byte{0x01, 0x02},
			ClientMsgID: req.ClientMsgID,
		}
	})

	resp, err := c.SendRequest(context.Background(),
		&protocol.Envelope{PayloadType: 2100, ClientMsgID: "r1"}, 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.PayloadType != 5 || string(resp.Payload) != "\x01\x02" || resp.ClientMsgID != "r1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestSendRequestAssignsFreshID(t *testing.T) {
	c, srv := newTestClient(t, func(req *protocol.Envelope) *protocol.Envelope {
		return &protocol.Envelope{PayloadType: 2101, ClientMsgID: req.ClientMsgID}
	})

	env := &protocol.Envelope{PayloadType: 2100}
	if _, err := c.SendRequest(context.Background(), env, 2*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := <-srv.recv
	if seen.ClientMsgID == "" {
		t.Error("request went out without a client msg id")
	}
	if env.ClientMsgID != "" {
		t.Error("caller's envelope was mutated")
	}
}

func TestResponsesMatchedOutOfOrder(t *testing.T) {
	c, srv := newTestClient(t, nil)

	// Hold both requests, then answer in reverse order.
	go func() {
		first := <-srv.recv
		second := <-srv.recv
		srv.push(&protocol.Envelope{PayloadType: 2, ClientMsgID: second.ClientMsgID})
		srv.push(&protocol.Envelope{PayloadType: 1, ClientMsgID: first.ClientMsgID})
	}()

	var wg sync.WaitGroup
	results := make([]*protocol.Envelope, 2)
	errs := make([]error, 2)
	for i, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], errs[i] = c.SendRequest(context.Background(),
				&protocol.Envelope{PayloadType: 2100, ClientMsgID: id}, 5*time.Second)
		}(i, id)
		// Order the sends so "a" is first on the wire.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	for i, id := range []string{"a", "b"} {
		if errs[i] != nil {
			t.Fatalf("request %q: %v", id, errs[i])
		}
		if results[i].ClientMsgID != id {
			t.Errorf("request %q got response for %q", id, results[i].ClientMsgID)
		}
	}
}

func TestSendRequestTimeout(t *testing.T) {
	c, srv := newTestClient(t, nil) // never responds

	start := time.Now()
	_, err := c.SendRequest(context.Background(),
		&protocol.Envelope{PayloadType: 2100, ClientMsgID: "r2"}, 100*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("error = %v, want ErrRequestTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("timed out after %v, before the deadline", elapsed)
	}

	// A late response for the abandoned id must be dropped without error.
	srv.push(&protocol.Envelope{PayloadType: 2101, ClientMsgID: "r2"})
	time.Sleep(50 * time.Millisecond)
	if c.State() != conn.Connected {
		t.Error("late response disturbed the connection")
	}
}

func TestDuplicateID(t *testing.T) {
	c, _ := newTestClient(t, nil)

	go func() {
		_, _ = c.SendRequest(context.Background(),
			&protocol.Envelope{PayloadType: 2100, ClientMsgID: "dup"}, time.Second)
	}()
	time.Sleep(30 * time.Millisecond)
	_, err := c.SendRequest(context.Background(),
		&protocol.Envelope{PayloadType: 2100, ClientMsgID: "dup"}, time.Second)
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("error = %v, want ErrDuplicateID", err)
	}
}

func TestNotConnected(t *testing.T) {
	c := New(Config{Addr: "pipe"})
	defer c.Close()

	if _, err := c.SendRequest(context.Background(), &protocol.Envelope{PayloadType: 2100}, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendRequest = %v, want ErrNotConnected", err)
	}
	if err := c.Send(context.Background(), &protocol.Envelope{PayloadType: 2100}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
	if c.State() != conn.Disconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
}

func TestDisconnectResolvesAllPending(t *testing.T) {
	c, _ := newTestClient(t, nil) // never responds

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.SendRequest(context.Background(),
				&protocol.Envelope{PayloadType: 2100, ClientMsgID: fmt.Sprintf("req-%d", i)},
				10*time.Second)
		}(i)
	}
	// Let the requests get registered and sent.
	time.Sleep(100 * time.Millisecond)
	c.Disconnect()
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("request %d: error = %v, want ErrConnectionClosed", i, err)
		}
	}
}

func TestUnsolicitedEventsDelivered(t *testing.T) {
	c, srv := newTestClient(t, nil)

	got := make(chan *protocol.Envelope, 8)
	c.SubscribeEvents(func(env *protocol.Envelope) { got <- env })

	for i := uint32(1); i <= 3; i++ {
		srv.push(&protocol.Envelope{PayloadType: 2000 + i})
	}
	for want := uint32(2001); want <= 2003; want++ {
		select {
		case env := <-got:
			if env.PayloadType != want {
				t.Fatalf("event payload type = %d, want %d", env.PayloadType, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
}

func TestSendFireAndForget(t *testing.T) {
	c, srv := newTestClient(t, nil)

	if err := c.Send(context.Background(), &protocol.Envelope{PayloadType: 2100, Payload: []byte("hi")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case env := <-srv.recv:
		if env.ClientMsgID != "" {
			t.Errorf("fire-and-forget carried correlation id %q", env.ClientMsgID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}
}

func TestReconnectAfterDisconnectIsCallerDriven(t *testing.T) {
	local1, remote1 := net.Pipe()
	local2, remote2 := net.Pipe()
	for _, r := range []net.Conn{remote1, remote2} {
		srv := &fakeServer{sock: r, recv: make(chan *protocol.Envelope, 8)}
		go srv.run()
	}

	pipes := []net.Conn{local1, local2}
	var dials int
	c := New(Config{
		Addr: "pipe",
		DialFunc: func(ctx context.Context, addr string) (net.Conn, error) {
			p := pipes[dials]
			dials++
			return p, nil
		},
		HeartbeatInterval:    time.Hour,
		DeadIntervalMultiple: 1,
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second connect = %v, want ErrAlreadyConnected", err)
	}

	c.Disconnect()
	if dials != 1 {
		t.Fatalf("engine dialed on its own: %d dials", dials)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if c.State() != conn.Connected {
		t.Errorf("state = %v after reconnect, want connected", c.State())
	}
}

// slowCloseConn holds Close open until the gate is released, pinning the
// connection in the Closing state.
type slowCloseConn struct {
	net.Conn
	gate chan struct{}
}

func (c *slowCloseConn) Close() error {
	<-c.gate
	return c.Conn.Close()
}

// A reconnect must not expose new requests to the previous connection's
// teardown: Connect waits the old teardown out, so its FailAll can only
// touch requests that were pending when the connection dropped, and a
// request issued on the fresh connection resolves with its real response.
func TestReconnectWaitsOutOldTeardown(t *testing.T) {
	local1, remote1 := net.Pipe()
	local2, remote2 := net.Pipe()
	gate := make(chan struct{})

	srv2 := &fakeServer{
		sock: remote2,
		recv: make(chan *protocol.Envelope, 8),
		handler: func(req *protocol.Envelope) *protocol.Envelope {
			return &protocol.Envelope{PayloadType: 2101, ClientMsgID: req.ClientMsgID}
		},
	}
	go srv2.run()

	pipes := []net.Conn{&slowCloseConn{Conn: local1, gate: gate}, local2}
	var dials int
	c := New(Config{
		Addr: "pipe",
		DialFunc: func(ctx context.Context, addr string) (net.Conn, error) {
			p := pipes[dials]
			dials++
			return p, nil
		},
		HeartbeatInterval:    time.Hour,
		DeadIntervalMultiple: 1,
	})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Drop connection 1 from the peer side. Its teardown blocks in the
	// gated Close, leaving the connection stuck in Closing.
	remote1.Close()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != conn.Closing {
		if time.Now().After(deadline) {
			t.Fatal("old connection never began teardown")
		}
		time.Sleep(5 * time.Millisecond)
	}

	connected := make(chan error, 1)
	go func() { connected <- c.Connect(context.Background()) }()
	select {
	case err := <-connected:
		t.Fatalf("connect returned %v while the old teardown was still running", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(gate)
	if err := <-connected; err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	resp, err := c.SendRequest(context.Background(),
		&protocol.Envelope{PayloadType: 2100, ClientMsgID: "x"}, 2*time.Second)
	if err != nil {
		t.Fatalf("request on fresh connection: %v", err)
	}
	if resp.ClientMsgID != "x" || resp.PayloadType != 2101 {
		t.Errorf("response = %+v", resp)
	}
}

func TestConnectWithRetry(t *testing.T) {
	local, remote := net.Pipe()
	srv := &fakeServer{sock: remote, recv: make(chan *protocol.Envelope, 8)}
	go srv.run()

	var attempts, retries int
	c := New(Config{
		Addr: "pipe",
		DialFunc: func(ctx context.Context, addr string) (net.Conn, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient dial failure")
			}
			return local, nil
		},
		HeartbeatInterval:    time.Hour,
		DeadIntervalMultiple: 1,
	})
	defer c.Close()

	err := c.ConnectWithRetry(context.Background(), time.Minute, func() { retries++ })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
}
