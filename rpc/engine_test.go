package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msglink/message"
	"msglink/metrics"
	"msglink/middleware"
	"msglink/transport"
)

type fixedSource struct{ conn transport.Conn }

func (s fixedSource) Current() (transport.Conn, error) {
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// route is a minimal receive loop: Requests are served concurrently,
// Responses resolve pending calls.
func route(ctx context.Context, conn transport.Conn, eng *Engine) {
	go func() {
		for {
			env, err := conn.Receive(ctx)
			if err != nil {
				return
			}
			switch env.Kind {
			case message.KindRequest:
				go func() { _ = eng.HandleRequest(ctx, conn, env.Request) }()
			case message.KindResponse:
				eng.HandleResponse(env.Response)
			}
		}
	}()
}

type pair struct {
	local, remote         *Engine
	localConn, remoteConn transport.Conn
}

func newPair(t *testing.T, opts ...Option) *pair {
	t.Helper()
	a, b := transport.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = a.Close()
		_ = b.Close()
	})
	p := &pair{
		local:      NewEngine(fixedSource{a}, opts...),
		remote:     NewEngine(fixedSource{b}),
		localConn:  a,
		remoteConn: b,
	}
	route(ctx, a, p.local)
	route(ctx, b, p.remote)
	return p
}

func TestCallRemoteReturnsData(t *testing.T) {
	p := newPair(t)
	p.remote.AddCommand("get_version", func(context.Context, *message.Request) (json.RawMessage, error) {
		return json.RawMessage(`"1.4.0"`), nil
	})

	data, err := p.local.CallRemote(context.Background(), "get_version", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"1.4.0"`, string(data))
	assert.Zero(t, p.local.Pending())
}

func TestUnknownCommandIsNotTimeout(t *testing.T) {
	p := newPair(t)

	_, err := p.local.CallRemote(context.Background(), "no_such_command", nil, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, message.ErrUnknownCommand)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "no_such_command")
}

func TestTimeoutAndLateResponseDropped(t *testing.T) {
	p := newPair(t)
	p.remote.AddCommand("slow_command", func(context.Context, *message.Request) (json.RawMessage, error) {
		time.Sleep(100 * time.Millisecond)
		return json.RawMessage(`"late"`), nil
	})

	data, err := p.local.CallRemote(context.Background(), "slow_command", nil, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Nil(t, data)
	assert.Zero(t, p.local.Pending())

	assert.Eventually(t, func() bool { return p.local.Dropped() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFailAllFailsEveryPendingCall(t *testing.T) {
	p := newPair(t)
	release := make(chan struct{})
	defer close(release)
	p.remote.AddCommand("block", func(ctx context.Context, _ *message.Request) (json.RawMessage, error) {
		<-release
		return nil, nil
	})

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := p.local.CallRemote(context.Background(), "block", nil, 5*time.Second)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return p.local.Pending() == 3 }, time.Second, time.Millisecond)

	assert.Equal(t, 3, p.local.FailAll(ErrConnectionLost))
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionLost)
			assert.NotErrorIs(t, err, ErrTimeout)
		case <-time.After(time.Second):
			t.Fatal("pending call not failed")
		}
	}
	assert.Zero(t, p.local.Pending())
}

func TestConcurrentCallsResolveByOwnID(t *testing.T) {
	p := newPair(t)
	p.remote.AddCommand("echo", func(_ context.Context, req *message.Request) (json.RawMessage, error) {
		var n int
		if err := json.Unmarshal(req.Params, &n); err != nil {
			return nil, err
		}
		// finish out of order
		time.Sleep(time.Duration(50-n) * time.Millisecond / 10)
		return req.Params, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var got int
			err := p.local.Call(context.Background(), "echo", i, &got, 2*time.Second)
			assert.NoError(t, err)
			assert.Equal(t, i, got)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, p.local.Pending())
	assert.Zero(t, p.local.Dropped())
}

func TestHandlerErrorIsCarriedBack(t *testing.T) {
	p := newPair(t)
	p.remote.AddCommand("fails", func(context.Context, *message.Request) (json.RawMessage, error) {
		return nil, errors.New("disk full")
	})
	p.remote.AddCommand("coded", func(context.Context, *message.Request) (json.RawMessage, error) {
		return nil, message.NewError(message.ErrorCodeInvalidArgument, "bad script")
	})

	_, err := p.local.CallRemote(context.Background(), "fails", nil, time.Second)
	var remote *message.Error
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, int32(message.ErrorCodeUnknown), remote.Code)
	assert.Equal(t, "disk full", remote.Message)

	_, err = p.local.CallRemote(context.Background(), "coded", nil, time.Second)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, int32(message.ErrorCodeInvalidArgument), remote.Code)
}

func TestPanickingHandlerStillResponds(t *testing.T) {
	p := newPair(t)
	p.remote.AddCommand("panics", func(context.Context, *message.Request) (json.RawMessage, error) {
		panic("boom")
	})

	_, err := p.local.CallRemote(context.Background(), "panics", nil, time.Second)
	var remote *message.Error
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, int32(message.ErrorCodeInternal), remote.Code)
}

func TestAddCommandReplaces(t *testing.T) {
	p := newPair(t)
	p.remote.AddCommand("v", func(context.Context, *message.Request) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	p.remote.AddCommand("v", func(context.Context, *message.Request) (json.RawMessage, error) {
		return json.RawMessage(`2`), nil
	})

	data, err := p.local.CallRemote(context.Background(), "v", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))

	p.remote.RemoveCommand("v")
	_, err = p.local.CallRemote(context.Background(), "v", nil, time.Second)
	assert.ErrorIs(t, err, message.ErrUnknownCommand)
}

func TestCallerCancel(t *testing.T) {
	p := newPair(t)
	release := make(chan struct{})
	defer close(release)
	p.remote.AddCommand("block", func(context.Context, *message.Request) (json.RawMessage, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.local.CallRemote(ctx, "block", nil, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Zero(t, p.local.Pending())
}

func TestNotConnected(t *testing.T) {
	e := NewEngine(fixedSource{})
	_, err := e.CallRemote(context.Background(), "get_version", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendOnClosedConnIsConnectionLost(t *testing.T) {
	a, b := transport.Pipe()
	defer b.Close()
	require.NoError(t, a.Close())

	e := NewEngine(fixedSource{a})
	_, err := e.CallRemote(context.Background(), "get_version", nil, time.Second)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Zero(t, e.Pending())
}

func TestRequestCarriesTimeoutAnnotation(t *testing.T) {
	p := newPair(t)
	seen := make(chan uint64, 1)
	p.remote.AddCommand("peek", func(_ context.Context, req *message.Request) (json.RawMessage, error) {
		seen <- req.Timeout
		return nil, nil
	})

	_, err := p.local.CallRemote(context.Background(), "peek", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultTimeout/time.Millisecond), <-seen)
}

func TestRegisterSkipsCollidingIDs(t *testing.T) {
	ids := []string{"x", "x", "y"}
	var i int
	e := NewEngine(fixedSource{}, WithIDGenerator(func() string {
		id := ids[i]
		i++
		return id
	}))

	first, _ := e.register()
	second, _ := e.register()
	assert.Equal(t, "x", first)
	assert.Equal(t, "y", second)
	assert.Equal(t, 2, e.Pending())
}

func TestUseWrapsCommands(t *testing.T) {
	p := newPair(t)
	p.remote.Use(middleware.RateLimit(0, 1))
	p.remote.AddCommand("get_version", func(context.Context, *message.Request) (json.RawMessage, error) {
		return json.RawMessage(`"1"`), nil
	})

	_, err := p.local.CallRemote(context.Background(), "get_version", nil, time.Second)
	require.NoError(t, err)
	_, err = p.local.CallRemote(context.Background(), "get_version", nil, time.Second)
	var remote *message.Error
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, int32(message.ErrorCodeResourceExhausted), remote.Code)
}

func TestDrain(t *testing.T) {
	p := newPair(t)
	release := make(chan struct{})
	p.remote.AddCommand("block", func(context.Context, *message.Request) (json.RawMessage, error) {
		<-release
		return nil, nil
	})
	go func() { _, _ = p.local.CallRemote(context.Background(), "block", nil, time.Second) }()
	require.Eventually(t, func() bool { return p.local.Pending() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, p.remote.Drain(ctx))

	close(release)
	assert.NoError(t, p.remote.Drain(context.Background()))
}

func TestMetricsRecordOutcomes(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	p := newPair(t, WithMetrics(m))

	_, _ = p.local.CallRemote(context.Background(), "missing", nil, time.Second)
	assert.Equal(t, metrics.OutcomeRemoteError, outcome(message.UnknownCommand("missing")))
	assert.Equal(t, metrics.OutcomeTimeout, outcome(fmt.Errorf("wrapped: %w", ErrTimeout)))
	assert.Equal(t, metrics.OutcomeConnectionLost, outcome(ErrConnectionLost))
	assert.Equal(t, metrics.OutcomeOK, outcome(nil))
}
