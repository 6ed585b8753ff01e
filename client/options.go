package client

import (
	"time"

	"go.uber.org/zap"

	"hostbridge/bridge"
	"hostbridge/loadbalance"
	"hostbridge/metrics"
	"hostbridge/registry"
	"hostbridge/transport"
)

const (
	DefaultMaxRetries  = 5
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultDialTimeout = 3 * time.Second
)

type options struct {
	addr        string
	registry    registry.Registry
	serviceName string
	balancer    loadbalance.Balancer

	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	dialTimeout time.Duration

	pid           int
	windowHandle  uint64
	windowMessage uint32

	transport    transport.Options
	endpointOpts []bridge.Option
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

type Option func(*options)

// WithAddr connects to a fixed host address and skips discovery.
func WithAddr(addr string) Option {
	return func(o *options) { o.addr = addr }
}

// WithRegistry discovers hosts under serviceName and picks one with b.
// A nil balancer means round robin.
func WithRegistry(r registry.Registry, serviceName string, b loadbalance.Balancer) Option {
	return func(o *options) {
		o.registry = r
		o.serviceName = serviceName
		o.balancer = b
	}
}

// WithRetry sets how many times a failed dial is retried and the first
// backoff delay. Each retry doubles the delay up to DefaultMaxDelay.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.baseDelay = baseDelay
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithProcessID overrides the pid sent in Client.Initialize.
func WithProcessID(pid int) Option {
	return func(o *options) { o.pid = pid }
}

// WithWindowNotification asks the host to post msgID to hwnd after each frame it writes.
func WithWindowNotification(hwnd uint64, msgID uint32) Option {
	return func(o *options) {
		o.windowHandle = hwnd
		o.windowMessage = msgID
	}
}

func WithTransport(t transport.Options) Option {
	return func(o *options) { o.transport = t }
}

func WithEndpointOptions(opts ...bridge.Option) Option {
	return func(o *options) { o.endpointOpts = append(o.endpointOpts, opts...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
