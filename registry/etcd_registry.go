package registry

// etcd layout:
//
//	Key:   {prefix}/{service}/{addr}
//	Value: JSON-encoded ServiceInstance
//
// Entries are attached to a TTL lease kept alive in the background. If the
// controller dies the lease expires and the entry disappears with it.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/msglink"

type EtcdRegistry struct {
	client *clientv3.Client // safe for concurrent use
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // key → lease, so concurrent registrations never share one
}

type lease struct {
	id   clientv3.LeaseID
	stop context.CancelFunc
}

type EtcdOption func(*etcdConfig)

type etcdConfig struct {
	prefix      string
	logger      *zap.Logger
	dialTimeout time.Duration
}

func WithPrefix(p string) EtcdOption {
	return func(c *etcdConfig) { c.prefix = p }
}

func WithLogger(l *zap.Logger) EtcdOption {
	return func(c *etcdConfig) { c.logger = l }
}

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(c *etcdConfig) { c.dialTimeout = d }
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	cfg := etcdConfig{prefix: DefaultPrefix, logger: zap.NewNop(), dialTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: cfg.dialTimeout,
		Logger:      cfg.logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{
		client: c,
		prefix: cfg.prefix,
		logger: cfg.logger,
		leases: make(map[string]lease),
	}, nil
}

func (r *EtcdRegistry) servicePrefix(service string) string {
	return r.prefix + "/" + service + "/"
}

// Register grants a lease, writes the instance under it and keeps the lease
// alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error {
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	key := r.servicePrefix(service) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// the keepalive outlives the caller's ctx
	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		stop()
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive ended", zap.String("key", key))
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.stop()
	}
	r.leases[key] = lease{id: grant.ID, stop: stop}
	r.mu.Unlock()

	r.logger.Info("registered", zap.String("key", key), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, addr string) error {
	key := r.servicePrefix(service) + addr

	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		l.stop()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			r.logger.Warn("revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	return nil
}

// Discover lists every instance currently registered under service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", service, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed entry", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the full list on every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, r.servicePrefix(service), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("watch refresh", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every keepalive and closes the etcd client. Leases then expire
// on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.stop()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
