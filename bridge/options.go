package bridge

import (
	"time"

	"go.uber.org/zap"

	"hostbridge/codec"
	"hostbridge/handler"
	"hostbridge/metrics"
	"hostbridge/middleware"
	"hostbridge/queue"
)

// DefaultCallTimeout bounds AwaitReply when the caller's context has no deadline.
const DefaultCallTimeout = 30 * time.Second

type options struct {
	codec            codec.Codec
	handlers         *handler.Table
	instances        handler.InstanceLookup
	middlewares      []middleware.Middleware
	callTimeout      time.Duration
	inboundCapacity  int
	outboundCapacity int
	overflow         queue.OverflowPolicy
	logger           *zap.Logger
	metrics          *metrics.Metrics
}

func defaultOptions() options {
	return options{
		codec:       &codec.JSONCodec{},
		handlers:    handler.NewTable(),
		callTimeout: DefaultCallTimeout,
		logger:      zap.NewNop(),
	}
}

type Option func(*options)

func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

func WithInstances(l handler.InstanceLookup) Option {
	return func(o *options) { o.instances = l }
}

func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithCallTimeout sets the default wait bound; zero waits until the context ends.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithQueueCapacity bounds both queues. Zero keeps them unbounded.
func WithQueueCapacity(inbound, outbound int, policy queue.OverflowPolicy) Option {
	return func(o *options) {
		o.inboundCapacity = inbound
		o.outboundCapacity = outbound
		o.overflow = policy
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
