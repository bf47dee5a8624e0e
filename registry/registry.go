// Package registry advertises a listening controller and lets devices find
// one.
package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned when deregistering an unknown instance.
var ErrNotFound = errors.New("registry: instance not found")

type ServiceInstance struct {
	Addr    string `json:"addr"`              // dialable address, e.g. ws://10.0.0.5:4399/ws
	Weight  int    `json:"weight"`            // weight for load balancing
	Version string `json:"version,omitempty"` // peer version reported by get_version
}

type Registry interface {
	// Register advertises instance under service for ttl seconds, renewed
	// until Deregister or Close.
	Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
	Close() error
}
