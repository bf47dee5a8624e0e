// Package client connects a manager to a remote peer, either at a fixed URL
// or at one picked from the registry.
//
// Supported URLs:
//
//	ws://host:port/path, wss://...   WebSocket
//	tcp://host:port                  framed TCP
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"msglink/loadbalance"
	"msglink/manager"
	"msglink/registry"
	"msglink/transport"
)

type options struct {
	logger        *zap.Logger
	url           string
	registry      registry.Registry
	service       string
	balancer      loadbalance.Balancer
	key           string
	transportOpts []transport.Option
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithURL dials a fixed peer.
func WithURL(u string) Option {
	return func(o *options) {
		o.url = u
	}
}

// WithDiscovery picks the peer from the instances registered under service.
// key is handed to the balancer, e.g. the device id for consistent hashing.
func WithDiscovery(reg registry.Registry, service string, bal loadbalance.Balancer, key string) Option {
	return func(o *options) {
		o.registry = reg
		o.service = service
		o.balancer = bal
		o.key = key
	}
}

func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) {
		o.transportOpts = append(o.transportOpts, opts...)
	}
}

// Client is one live connection driven by a manager.
type Client struct {
	mgr    *manager.Manager
	addr   string
	logger *zap.Logger
	cancel context.CancelFunc

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// Dial resolves the peer address, connects, installs the connection in mgr
// and starts its receive loop.
func Dial(ctx context.Context, mgr *manager.Manager, opts ...Option) (*Client, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	addr, err := resolve(ctx, &o)
	if err != nil {
		return nil, err
	}
	conn, err := dial(ctx, addr, o.transportOpts)
	if err != nil {
		return nil, err
	}
	if err := mgr.Init(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		mgr:    mgr,
		addr:   addr,
		logger: o.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		c.err = mgr.ProcessMessages(loopCtx)
		if err := mgr.Dispose(); err != nil {
			c.logger.Debug("close after loop", zap.Error(err))
		}
	}()
	o.logger.Info("connected", zap.String("addr", addr))
	return c, nil
}

func resolve(ctx context.Context, o *options) (string, error) {
	if o.registry == nil {
		if o.url == "" {
			return "", errors.New("client: no URL and no registry")
		}
		return o.url, nil
	}
	instances, err := o.registry.Discover(ctx, o.service)
	if err != nil {
		return "", err
	}
	bal := o.balancer
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	inst, err := bal.Pick(o.key, instances)
	if err != nil {
		return "", fmt.Errorf("client: pick %s: %w", o.service, err)
	}
	return inst.Addr, nil
}

func dial(ctx context.Context, addr string, opts []transport.Option) (transport.Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("client: bad address %q: %w", addr, err)
	}
	var conn transport.Conn
	switch u.Scheme {
	case "ws", "wss":
		conn, err = transport.DialWebSocket(ctx, addr, opts...)
	case "tcp":
		conn, err = transport.DialTCP(ctx, u.Host, opts...)
	default:
		return nil, fmt.Errorf("client: unsupported scheme %q in %s", u.Scheme, addr)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Addr is the address the client connected to.
func (c *Client) Addr() string {
	return c.addr
}

// Wait blocks until the connection ends and returns what ended it.
func (c *Client) Wait() error {
	<-c.done
	return c.err
}

// Done is closed once the connection has ended and been disposed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close disposes the connection and waits for the loop to finish.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.mgr.Dispose()
		c.cancel()
	})
	<-c.done
	return err
}

// CheckVersion asks the peer for its version and checks it against
// constraint, e.g. ">= 0.1, < 1". An empty constraint only parses the version.
func (c *Client) CheckVersion(ctx context.Context, constraint string) (*semver.Version, error) {
	var raw string
	if err := c.mgr.RPC().Call(ctx, "get_version", nil, &raw, 0); err != nil {
		return nil, fmt.Errorf("client: get_version: %w", err)
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("client: peer version %q: %w", raw, err)
	}
	if constraint == "" {
		return v, nil
	}
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("client: constraint %q: %w", constraint, err)
	}
	if ok, errs := cons.Validate(v); !ok {
		return v, fmt.Errorf("client: peer version %s rejected: %w", v, errors.Join(errs...))
	}
	return v, nil
}

// Maintain keeps mgr connected until ctx is done, dialing again after every
// disconnect with delay between attempts. It returns ctx.Err().
func Maintain(ctx context.Context, mgr *manager.Manager, delay time.Duration, opts ...Option) error {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	for {
		c, err := Dial(ctx, mgr, opts...)
		if err != nil {
			o.logger.Warn("dial failed", zap.Error(err))
		} else {
			select {
			case <-c.Done():
				if err := c.Wait(); err != nil {
					o.logger.Warn("connection ended", zap.String("addr", c.Addr()), zap.Error(err))
				} else {
					o.logger.Info("connection ended", zap.String("addr", c.Addr()))
				}
			case <-ctx.Done():
				_ = c.Close()
				return ctx.Err()
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
