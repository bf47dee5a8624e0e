package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Registry = (*MemoryRegistry)(nil)
var _ Registry = (*EtcdRegistry)(nil)

func TestMemoryRegisterDiscoverDeregister(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	defer reg.Close()

	a := ServiceInstance{Addr: "ws://a:4399/ws", Weight: 1}
	b := ServiceInstance{Addr: "ws://b:4399/ws", Weight: 2}
	require.NoError(t, reg.Register(ctx, "controller", b, 10))
	require.NoError(t, reg.Register(ctx, "controller", a, 10))

	got, err := reg.Discover(ctx, "controller")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{a, b}, got)

	require.NoError(t, reg.Deregister(ctx, "controller", a.Addr))
	assert.ErrorIs(t, reg.Deregister(ctx, "controller", a.Addr), ErrNotFound)

	got, err = reg.Discover(ctx, "controller")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{b}, got)

	got, err = reg.Discover(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	updates := reg.Watch(ctx, "controller")
	require.NoError(t, reg.Register(ctx, "controller", ServiceInstance{Addr: "x"}, 10))
	require.NoError(t, reg.Register(ctx, "controller", ServiceInstance{Addr: "y"}, 10))

	// unread updates collapse to the latest list
	select {
	case list := <-updates:
		assert.Len(t, list, 2)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	cancel()
	select {
	case _, open := <-updates:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
