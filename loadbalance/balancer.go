// Package loadbalance picks which advertised controller a device dials.
//
// Three strategies are implemented:
//   - RoundRobin:      spread devices evenly
//   - WeightedRandom:  controllers of different capacity
//   - ConsistentHash:  a device id keeps landing on the same controller
package loadbalance

import (
	"errors"
	"fmt"

	"msglink/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance. key identifies the caller (e.g. a device id);
// strategies that do not need it ignore it. Pick must be goroutine-safe.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
