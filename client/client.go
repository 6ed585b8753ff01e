// Package client is the application side of the bridge. It finds a browser
// host, connects, performs the Client.Initialize handshake and then exposes
// the same bridge.Endpoint the host uses, so the application can call
// Browser.* methods and answer the events the host raises.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"hostbridge/bridge"
	"hostbridge/handler"
	"hostbridge/loadbalance"
	"hostbridge/registry"
	"hostbridge/transport"
)

// ErrNotConnected is returned by calls made before Connect or after Close.
var ErrNotConnected = errors.New("client not connected")

type initializeArgs struct {
	ClientProcessID           int    `json:"clientProcessId"`
	ClientMessageWindowHandle uint64 `json:"clientMessageWindowHandle,omitempty"`
	WindowMessageID           uint32 `json:"windowMessageId,omitempty"`
}

type Client struct {
	opts     options
	endpoint *bridge.Endpoint
	logger   *zap.Logger

	mu     sync.Mutex
	conn   *transport.Conn
	addr   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewClient(opts ...Option) *Client {
	o := options{
		serviceName: registry.DefaultService,
		maxRetries:  DefaultMaxRetries,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		dialTimeout: DefaultDialTimeout,
		pid:         os.Getpid(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.balancer == nil {
		o.balancer = &loadbalance.RoundRobinBalancer{}
	}

	endpointOpts := append([]bridge.Option{
		bridge.WithLogger(o.logger),
		bridge.WithMetrics(o.metrics),
	}, o.endpointOpts...)

	return &Client{
		opts:     o,
		endpoint: bridge.New(endpointOpts...),
		logger:   o.logger.Named("client"),
	}
}

// Endpoint returns the bridge endpoint for calls and event handlers.
func (c *Client) Endpoint() *bridge.Endpoint { return c.endpoint }

// Handle registers a handler for calls the host raises, such as Browser.OnTitleChange.
func (c *Client) Handle(target, method string, fn handler.HandlerFunc, opts ...handler.RouteOption) error {
	return c.endpoint.Handlers().Register(target, method, fn, opts...)
}

// Invoke calls target.method on the host and decodes the result into out.
func (c *Client) Invoke(ctx context.Context, target, method string, instanceID int, args, out any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.endpoint.Invoke(ctx, target, method, instanceID, args, out)
}

// Notify sends a call without waiting for a reply.
func (c *Client) Notify(target, method string, instanceID int, args any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	_, err := c.endpoint.EnqueueCall(target, method, instanceID, args)
	return err
}

// Addr is the address of the connected host.
func (c *Client) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the connection ends. Err then reports why.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connect resolves a host, dials it with backoff, starts the network and
// dispatcher goroutines and performs the Client.Initialize handshake.
//
// A host that cannot relay handles (non-Windows) rejects the handshake; the
// connection is kept because plain calls still work.
func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}

	addr, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	nc, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	c.opts.metrics.RecordConnection("dialed")

	topts := c.opts.transport
	topts.Logger = c.opts.logger.Named("transport")
	topts.Metrics = c.opts.metrics
	conn := transport.NewConn(nc, topts)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.addr = addr
	c.cancel = cancel
	c.done = done
	c.err = nil
	c.mu.Unlock()

	// The dispatcher outlives single connections; Shutdown stops it.
	c.endpoint.Start(context.Background())
	c.endpoint.Connected()
	go c.run(runCtx, conn, done)
	c.logger.Info("connected", zap.String("addr", addr))

	args := initializeArgs{
		ClientProcessID:           c.opts.pid,
		ClientMessageWindowHandle: c.opts.windowHandle,
		WindowMessageID:           c.opts.windowMessage,
	}
	err = c.endpoint.Invoke(ctx, "Client", "Initialize", 0, args, nil)
	var remote *bridge.RemoteError
	switch {
	case err == nil:
	case errors.As(err, &remote):
		c.logger.Warn("host rejected handshake, handle relay unavailable", zap.Error(err))
	default:
		c.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, conn *transport.Conn, done chan struct{}) {
	err := conn.Run(ctx, c.endpoint.Inbound(), c.endpoint.Outbound())
	c.opts.metrics.RecordConnection("closed")
	n := c.endpoint.Disconnected(err)

	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(done)

	if ctx.Err() == nil {
		c.logger.Warn("connection lost", zap.Error(err), zap.Int("abandoned", n))
	}
}

func (c *Client) resolve(ctx context.Context) (string, error) {
	if c.opts.addr != "" {
		return c.opts.addr, nil
	}
	if c.opts.registry == nil {
		return "", errors.New("client: no address and no registry configured")
	}
	instances, err := c.opts.registry.Discover(ctx, c.opts.serviceName)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", c.opts.serviceName, err)
	}
	inst, err := c.opts.balancer.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("pick %s host: %w", c.opts.serviceName, err)
	}
	c.logger.Debug("host picked",
		zap.String("addr", inst.Addr),
		zap.String("balancer", c.opts.balancer.Name()),
		zap.Int("candidates", len(instances)),
	)
	return inst.Addr, nil
}

// dial retries with exponential backoff: baseDelay, 2*baseDelay, ... capped at maxDelay.
func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	delay := c.opts.baseDelay
	var lastErr error
	for attempt := 0; attempt <= c.opts.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("dial retry", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay = min(delay*2, c.opts.maxDelay)
		}

		conn, err := transport.Dial(ctx, "tcp", addr, c.opts.dialTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dial %s after %d retries: %w", addr, c.opts.maxRetries, lastErr)
}

// Close ends the connection and fails every pending call. The client can
// Connect again afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, cancel, done := c.conn, c.cancel, c.done
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	cancel()
	conn.Close()
	<-done
	return nil
}

// Shutdown closes the connection and stops the dispatcher for good.
func (c *Client) Shutdown() error {
	c.Close()
	return c.endpoint.Close()
}
