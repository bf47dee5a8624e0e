package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msglink/message"
	"msglink/rpc"
	"msglink/transport"
)

type link struct {
	ctrl, dev         *Manager
	ctrlDone, devDone chan error
}

func run(ctx context.Context, m *Manager) chan error {
	done := make(chan error, 1)
	go func() { done <- m.ProcessMessages(ctx) }()
	return done
}

// connect joins a controller and a device manager over an in-process pipe and
// starts both loops.
func connect(t *testing.T, ctrl, dev *Manager) *link {
	t.Helper()
	a, b := transport.Pipe()
	require.NoError(t, ctrl.Init(a))
	require.NoError(t, dev.Init(b))

	ctx, cancel := context.WithCancel(context.Background())
	l := &link{ctrl: ctrl, dev: dev, ctrlDone: run(ctx, ctrl), devDone: run(ctx, dev)}
	t.Cleanup(func() {
		cancel()
		_ = ctrl.Dispose()
		_ = dev.Dispose()
	})
	return l
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not end")
		return nil
	}
}

func TestGetVersionRoundTrip(t *testing.T) {
	l := connect(t, New(), New())
	l.dev.RPC().AddCommand("get_version", rpc.Command(func(context.Context, struct{}) (string, error) {
		return "0.3.1", nil
	}))

	data, err := l.ctrl.CallRemote(context.Background(), "get_version", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"0.3.1"`, string(data))
}

func TestPlayStreamKeepsOrderAndBytes(t *testing.T) {
	l := connect(t, New(), New())

	var mu sync.Mutex
	var got []*message.Stream
	l.dev.Streams().Set(func(_ context.Context, s *message.Stream) error {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
		return nil
	})

	const n = 100
	for i := 0; i < n; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 320+i)
		require.NoError(t, l.ctrl.SendStream(context.Background(), "play", chunk, time.Second))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, s := range got {
		assert.Equal(t, "play", s.Tag)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 320+i), s.Bytes, "chunk %d", i)
	}
}

func TestEventHandlerReplacement(t *testing.T) {
	l := connect(t, New(), New())

	first := make(chan json.RawMessage, 4)
	second := make(chan json.RawMessage, 4)
	l.dev.Events().Set(func(_ context.Context, p json.RawMessage) error {
		first <- p
		return nil
	})

	require.NoError(t, l.ctrl.SendEvent(context.Background(), map[string]string{"event": "a"}))
	select {
	case p := <-first:
		assert.JSONEq(t, `{"event":"a"}`, string(p))
	case <-time.After(time.Second):
		t.Fatal("first handler not invoked")
	}

	l.dev.Events().Set(func(_ context.Context, p json.RawMessage) error {
		second <- p
		return nil
	})
	require.NoError(t, l.ctrl.SendEvent(context.Background(), json.RawMessage(`{"event":"b"}`)))
	select {
	case p := <-second:
		assert.JSONEq(t, `{"event":"b"}`, string(p))
	case <-time.After(time.Second):
		t.Fatal("second handler not invoked")
	}
	assert.Empty(t, first)
}

func TestHandlerFailureKeepsLoopRunning(t *testing.T) {
	l := connect(t, New(), New())

	var calls atomic.Int32
	l.dev.Events().Set(func(context.Context, json.RawMessage) error {
		if calls.Add(1) == 1 {
			panic("first event")
		}
		return errors.New("second event")
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.ctrl.SendEvent(context.Background(), i))
	}
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestDroppedWithoutHandler(t *testing.T) {
	l := connect(t, New(), New())
	require.NoError(t, l.ctrl.SendStream(context.Background(), "record", []byte{1}, 0))
	require.NoError(t, l.ctrl.SendEvent(context.Background(), "ignored"))

	// the loop is still alive
	data, err := l.ctrl.CallRemote(context.Background(), "no_such_command", nil, time.Second)
	assert.Nil(t, data)
	assert.ErrorIs(t, err, message.ErrUnknownCommand)
}

func TestDisposeFailsPendingWithoutLeaking(t *testing.T) {
	ctrl := New()
	l := connect(t, ctrl, New())

	release := make(chan struct{})
	defer close(release)
	l.dev.RPC().AddCommand("block", func(context.Context, *message.Request) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`"stale"`), nil
	})

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := ctrl.CallRemote(context.Background(), "block", nil, 5*time.Second)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return ctrl.RPC().Pending() == 3 }, time.Second, time.Millisecond)

	require.NoError(t, ctrl.Dispose())
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, rpc.ErrConnectionLost)
		case <-time.After(time.Second):
			t.Fatal("pending call survived dispose")
		}
	}
	assert.NoError(t, wait(t, l.ctrlDone))
	assert.False(t, ctrl.Connected())

	// a fresh connection to another device sees none of the old calls
	next := connect(t, ctrl, New())
	next.dev.RPC().AddCommand("block", func(context.Context, *message.Request) (json.RawMessage, error) {
		return json.RawMessage(`"fresh"`), nil
	})
	data, err := ctrl.CallRemote(context.Background(), "block", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"fresh"`, string(data))
	assert.Zero(t, ctrl.RPC().Pending())
}

func TestPeerCloseEndsLoopCleanly(t *testing.T) {
	l := connect(t, New(), New())
	require.NoError(t, l.dev.Dispose())
	assert.NoError(t, wait(t, l.ctrlDone))
	assert.NoError(t, wait(t, l.devDone))
}

func TestInitAndLoopGuards(t *testing.T) {
	m := New()
	assert.ErrorIs(t, m.ProcessMessages(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, m.SendEvent(context.Background(), 1), ErrNotConnected)
	assert.NoError(t, m.Dispose())

	a, b := transport.Pipe()
	defer b.Close()
	require.NoError(t, m.Init(a))
	assert.ErrorIs(t, m.Init(a), ErrAlreadyInstalled)

	ctx, cancel := context.WithCancel(context.Background())
	done := run(ctx, m)
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.sess.running
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, m.ProcessMessages(ctx), ErrLoopRunning)

	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
	require.NoError(t, m.Dispose())
	assert.NoError(t, m.Dispose())
}

func TestMalformedFrameEndsLoop(t *testing.T) {
	raw, peer := net.Pipe()
	defer raw.Close()

	m := New()
	require.NoError(t, m.Init(transport.NewFrameConn(peer)))
	defer m.Dispose()
	done := run(context.Background(), m)

	go func() { _, _ = raw.Write([]byte("not a frame at all")) }()
	assert.ErrorIs(t, wait(t, done), transport.ErrMalformed)
}

func TestHandlerMayCallBack(t *testing.T) {
	l := connect(t, New(), New())
	l.ctrl.RPC().AddCommand("whoami", func(context.Context, *message.Request) (json.RawMessage, error) {
		return json.RawMessage(`"controller"`), nil
	})
	dev := l.dev
	dev.RPC().AddCommand("ask_back", func(ctx context.Context, _ *message.Request) (json.RawMessage, error) {
		return dev.CallRemote(ctx, "whoami", nil, time.Second)
	})

	data, err := l.ctrl.CallRemote(context.Background(), "ask_back", nil, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"controller"`, string(data))
}

// silentConn never delivers anything and fails every ping.
type silentConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *silentConn) Receive(ctx context.Context) (*message.Envelope, error) {
	select {
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (c *silentConn) Send(context.Context, *message.Envelope) error { return nil }
func (c *silentConn) Ping(context.Context) error                   { return errors.New("no pong") }
func (c *silentConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
func (c *silentConn) RemoteAddr() string { return "silent" }

func TestKeepaliveFailureEndsLoop(t *testing.T) {
	m := New(WithKeepalive(10 * time.Millisecond))
	require.NoError(t, m.Init(&silentConn{closed: make(chan struct{})}))
	defer m.Dispose()

	err := wait(t, run(context.Background(), m))
	assert.ErrorIs(t, err, ErrKeepalive)
}

func TestRunDisposesAfterLoop(t *testing.T) {
	m := New()
	a, b := transport.Pipe()
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background(), a) }()

	require.Eventually(t, m.Connected, time.Second, time.Millisecond)
	require.NoError(t, b.Close())
	assert.NoError(t, wait(t, done))
	assert.False(t, m.Connected())
}
