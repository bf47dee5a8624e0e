package server

import (
	"go.uber.org/zap"

	"msglink/metrics"
	"msglink/registry"
	"msglink/transport"
)

type options struct {
	logger        *zap.Logger
	metrics       *metrics.Metrics
	version       string
	acceptRate    float64
	acceptBurst   int
	transportOpts []transport.Option

	registry registry.Registry
	service  string
	instance registry.ServiceInstance
	ttl      int64
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithVersion sets the string answered to get_version.
func WithVersion(v string) Option {
	return func(o *options) {
		if v != "" {
			o.version = v
		}
	}
}

// WithAcceptRate throttles reconnects to r connections per second with the
// given burst. r <= 0 disables the throttle.
func WithAcceptRate(r float64, burst int) Option {
	return func(o *options) {
		o.acceptRate = r
		o.acceptBurst = burst
	}
}

func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) {
		o.transportOpts = append(o.transportOpts, opts...)
	}
}

// WithRegistry advertises instance under service while the server runs.
func WithRegistry(reg registry.Registry, service string, instance registry.ServiceInstance, ttl int64) Option {
	return func(o *options) {
		o.registry = reg
		o.service = service
		o.instance = instance
		o.ttl = ttl
	}
}
