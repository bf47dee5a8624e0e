package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry keeps instances in process. It ignores TTLs and is meant for
// tests and single-host setups.
type MemoryRegistry struct {
	mu        sync.RWMutex
	instances map[string]map[string]ServiceInstance // service → addr → instance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, service string, instance ServiceInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instances[service] == nil {
		r.instances[service] = make(map[string]ServiceInstance)
	}
	r.instances[service][instance.Addr] = instance
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, service, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[service][addr]; !ok {
		return ErrNotFound
	}
	delete(r.instances[service], addr)
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, service string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list(service), nil
}

// list returns instances sorted by address. Caller holds mu.
func (r *MemoryRegistry) list(service string) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(r.instances[service]))
	for _, inst := range r.instances[service] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch
}

// notify pushes the current list to every watcher, replacing a stale unread
// one. Caller holds mu.
func (r *MemoryRegistry) notify(service string) {
	for _, ch := range r.watchers[service] {
		list := r.list(service)
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}

func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for service, ws := range r.watchers {
		for _, ch := range ws {
			close(ch)
		}
		delete(r.watchers, service)
	}
	return nil
}
