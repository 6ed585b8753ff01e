package server

import (
	"time"

	"go.uber.org/zap"

	"hostbridge/bridge"
	"hostbridge/metrics"
	"hostbridge/registry"
	"hostbridge/relay"
	"hostbridge/transport"
)

// DefaultAcceptBackoff is how long the accept loop pauses after an accept error.
const DefaultAcceptBackoff = time.Second

type options struct {
	advertiseAddr string
	acceptBackoff time.Duration
	readyEvent    string
	transport     transport.Options
	registry      registry.Registry
	serviceName   string
	ttl           int64
	version       string
	weight        int
	relay         *relay.Relay
	endpointOpts  []bridge.Option
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

type Option func(*options)

// WithAdvertiseAddr sets the address published in the registry. It differs
// from the listen address when listening on ":3000".
func WithAdvertiseAddr(addr string) Option {
	return func(o *options) { o.advertiseAddr = addr }
}

func WithAcceptBackoff(d time.Duration) Option {
	return func(o *options) { o.acceptBackoff = d }
}

// WithReadyEvent names the event signalled once the listener is bound.
func WithReadyEvent(name string) Option {
	return func(o *options) { o.readyEvent = name }
}

// WithTransport sets the per-connection network loop options. The notifier
// is always managed by the server.
func WithTransport(t transport.Options) Option {
	return func(o *options) { o.transport = t }
}

// WithRegistry advertises the server under serviceName with a ttl-second lease.
func WithRegistry(r registry.Registry, serviceName string, ttl int64) Option {
	return func(o *options) {
		o.registry = r
		o.serviceName = serviceName
		o.ttl = ttl
	}
}

// WithInstanceInfo sets the version and weight advertised in the registry.
func WithInstanceInfo(version string, weight int) Option {
	return func(o *options) {
		o.version = version
		o.weight = weight
	}
}

func WithRelay(r *relay.Relay) Option {
	return func(o *options) { o.relay = r }
}

// WithEndpointOptions forwards options to the underlying bridge.Endpoint.
func WithEndpointOptions(opts ...bridge.Option) Option {
	return func(o *options) { o.endpointOpts = append(o.endpointOpts, opts...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
