package manager

import (
	"time"

	"go.uber.org/zap"

	"msglink/metrics"
	"msglink/rpc"
)

type options struct {
	logger      *zap.Logger
	metrics     *metrics.Metrics
	keepalive   time.Duration
	callTimeout time.Duration
	rpcOpts     []rpc.Option
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

// WithKeepalive pings the peer every d while a loop runs. Zero disables it.
func WithKeepalive(d time.Duration) Option {
	return func(o *options) {
		o.keepalive = d
	}
}

// WithCallTimeout sets the timeout of outbound calls made without one.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		o.callTimeout = d
	}
}

// WithRPCOptions passes extra options to the embedded engine.
func WithRPCOptions(opts ...rpc.Option) Option {
	return func(o *options) {
		o.rpcOpts = append(o.rpcOpts, opts...)
	}
}
