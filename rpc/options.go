package rpc

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"msglink/metrics"
)

// DefaultTimeout applies to calls made without an explicit timeout.
const DefaultTimeout = 10 * time.Second

type options struct {
	logger         *zap.Logger
	metrics        *metrics.Metrics
	defaultTimeout time.Duration
	newID          func() string
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

func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

// WithIDGenerator replaces the correlation id source (random UUIDs by default).
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:         zap.NewNop(),
		defaultTimeout: DefaultTimeout,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
