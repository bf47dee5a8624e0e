package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msglink/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: "ws://a:4399/ws", Weight: 10},
	{Addr: "ws://b:4399/ws", Weight: 5},
	{Addr: "ws://c:4399/ws", Weight: 10},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	var results []string
	for i := 0; i < 3; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		results = append(results, inst.Addr)
	}
	assert.Equal(t, []string{"ws://a:4399/ws", "ws://b:4399/ws", "ws://c:4399/ws"}, results)

	inst, err := b.Pick("", testInstances)
	require.NoError(t, err)
	assert.Equal(t, results[0], inst.Addr, "wraps around")
}

func TestEmptyInstances(t *testing.T) {
	for _, name := range []string{"round_robin", "weighted_random", "consistent_hash"} {
		b, err := New(name)
		require.NoError(t, err)
		_, err = b.Pick("dev-1", nil)
		assert.ErrorIs(t, err, ErrNoInstances, name)
	}
	_, err := New("fastest")
	assert.Error(t, err)
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// weights 10:5:10, so a is picked about twice as often as b
	ratio := float64(counts["ws://a:4399/ws"]) / float64(counts["ws://b:4399/ws"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick("", []registry.ServiceInstance{{Addr: "only"}})
	require.NoError(t, err)
	assert.Equal(t, "only", inst.Addr)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	inst1, err := b.Pick("device-123", testInstances)
	require.NoError(t, err)
	inst2, err := b.Pick("device-123", testInstances)
	require.NoError(t, err)
	assert.Equal(t, inst1.Addr, inst2.Addr)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := b.Pick(fmt.Sprintf("device-%d", i), testInstances)
		require.NoError(t, err)
		seen[inst.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashRebuildsOnChange(t *testing.T) {
	b := NewConsistentHashBalancer()
	_, err := b.Pick("k", testInstances)
	require.NoError(t, err)

	only := []registry.ServiceInstance{{Addr: "ws://z:4399/ws"}}
	inst, err := b.Pick("k", only)
	require.NoError(t, err)
	assert.Equal(t, "ws://z:4399/ws", inst.Addr)
}
