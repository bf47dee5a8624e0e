package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Needs a running etcd, e.g. MSGLINK_ETCD_ENDPOINTS=localhost:2379.
func etcdEndpoints(t *testing.T) []string {
	v := os.Getenv("MSGLINK_ETCD_ENDPOINTS")
	if v == "" {
		t.Skip("MSGLINK_ETCD_ENDPOINTS not set")
	}
	return strings.Split(v, ",")
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t),
		WithPrefix("/msglink-test-"+time.Now().Format("150405.000")),
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst1 := ServiceInstance{Addr: "ws://127.0.0.1:8001/ws", Weight: 10, Version: "1.0.0"}
	inst2 := ServiceInstance{Addr: "ws://127.0.0.1:8002/ws", Weight: 5, Version: "1.0.0"}

	updates := reg.Watch(ctx, "controller")

	require.NoError(t, reg.Register(ctx, "controller", inst1, 10))
	require.NoError(t, reg.Register(ctx, "controller", inst2, 10))

	instances, err := reg.Discover(ctx, "controller")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	select {
	case list := <-updates:
		assert.NotEmpty(t, list)
	case <-ctx.Done():
		t.Fatal("no watch update")
	}

	require.NoError(t, reg.Deregister(ctx, "controller", inst1.Addr))
	instances, err = reg.Discover(ctx, "controller")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "controller", inst2.Addr))
}
