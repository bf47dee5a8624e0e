package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"msglink/registry"
)

// ConsistentHashBalancer maps a key to an instance on a hash ring, so the
// same device keeps reaching the same controller until the set changes.
//
// Each instance owns replicas virtual nodes hashed from "{addr}#{i}", which
// keeps the ring evenly spread with only a few instances.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	ring  []uint32                            // sorted virtual node hashes
	nodes map[uint32]registry.ServiceInstance // virtual node → instance
	addrs map[string]struct{}                 // instance set the ring was built from
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
		addrs:    make(map[string]struct{}),
	}
}

// Pick rebuilds the ring when instances differ from the last call, then
// walks clockwise from the key's hash to the first virtual node.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.RLock()
	same := b.sameSet(instances)
	b.mu.RUnlock()
	if !same {
		b.mu.Lock()
		if !b.sameSet(instances) {
			b.rebuild(instances)
		}
		b.mu.Unlock()
	}

	hash := crc32.ChecksumIEEE([]byte(key))

	b.mu.RLock()
	defer b.mu.RUnlock()
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) sameSet(instances []registry.ServiceInstance) bool {
	if len(instances) != len(b.addrs) {
		return false
	}
	for _, inst := range instances {
		if _, ok := b.addrs[inst.Addr]; !ok {
			return false
		}
	}
	return true
}

func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	b.addrs = make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		b.addrs[inst.Addr] = struct{}{}
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}
