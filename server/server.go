// Package server is the browser-host side of the bridge: it listens, accepts
// one application at a time, and serves Client.* and Browser.* calls through a
// bridge.Endpoint.
//
// Session lifecycle:
//
//	Listen → SignalReady → advertise in registry → Accept ─┐
//	  ┌────────────────────────────────────────────────────┘
//	  └→ replace previous session → Conn.Run until failure → abandon pending calls → Accept again
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hostbridge/bridge"
	"hostbridge/handler"
	"hostbridge/metrics"
	"hostbridge/middleware"
	"hostbridge/registry"
	"hostbridge/relay"
	"hostbridge/transport"
)

// Server is the host process side of the bridge.
type Server struct {
	opts     options
	endpoint *bridge.Endpoint
	relay    *relay.Relay
	notifier relay.SwitchableNotifier
	logger   *zap.Logger
	metrics  *metrics.Metrics

	listener      *transport.Listener
	advertiseAddr string
	ready         chan struct{}
	shutdown      atomic.Bool // Set during shutdown so the accept error is not reported

	mu      sync.Mutex
	session *session
	cancel  context.CancelFunc
	done    chan struct{}
}

// session is one accepted connection and its network goroutine.
type session struct {
	conn *transport.Conn
	done chan struct{}
}

// NewServer creates a server with Client.Initialize and Client.Ping installed.
func NewServer(opts ...Option) *Server {
	o := options{
		acceptBackoff: DefaultAcceptBackoff,
		serviceName:   registry.DefaultService,
		ttl:           10,
		weight:        1,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.relay == nil {
		o.relay = relay.New(relay.WithMetrics(o.metrics))
	}

	s := &Server{
		opts:    o,
		relay:   o.relay,
		logger:  o.logger.Named("server"),
		metrics: o.metrics,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	endpointOpts := append([]bridge.Option{
		bridge.WithLogger(o.logger),
		bridge.WithMetrics(o.metrics),
	}, o.endpointOpts...)
	s.endpoint = bridge.New(endpointOpts...)
	s.notifier.Set(relay.NopNotifier)
	s.registerClientRoutes()
	return s
}

// Endpoint returns the bridge endpoint, for raising events toward the application.
func (s *Server) Endpoint() *bridge.Endpoint { return s.endpoint }

// Relay returns the handle relay initialized by Client.Initialize.
func (s *Server) Relay() *relay.Relay { return s.relay }

// Handle registers a route on the endpoint.
func (s *Server) Handle(target, method string, fn handler.HandlerFunc, opts ...handler.RouteOption) error {
	return s.endpoint.Handlers().Register(target, method, fn, opts...)
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.endpoint.Use(mw)
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.listener.Addr()
	default:
		return nil
	}
}

// Connected reports whether an application is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// Serve listens on address and runs the accept loop until ctx ends or
// Shutdown is called. Only a failure to bind is returned as an error.
func (s *Server) Serve(ctx context.Context, network, address string) error {
	defer close(s.done)

	ln, err := transport.Listen(ctx, network, address)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	s.listener = ln
	close(s.ready)
	s.logger.Info("listening", zap.Stringer("addr", ln.Addr()))

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.endpoint.Start(ctx)

	if err := relay.SignalReady(s.opts.readyEvent); err != nil {
		s.logger.Error("ready signal failed", zap.String("event", s.opts.readyEvent), zap.Error(err))
	}
	s.advertise(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(gctx, g)
	})
	err = g.Wait()

	s.closeSession()
	if s.shutdown.Load() || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			// Shutdown closes the listener, which surfaces here as an accept error.
			if s.shutdown.Load() || ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err), zap.Duration("backoff", s.opts.acceptBackoff))
			select {
			case <-time.After(s.opts.acceptBackoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		sess := s.attach(conn)
		g.Go(func() error {
			s.run(ctx, sess)
			return nil
		})
	}
}

// attach replaces the current session with conn. The previous session's
// network goroutine is stopped before the new one may touch the queues.
func (s *Server) attach(conn net.Conn) *session {
	if s.closeSession() {
		s.metrics.RecordConnection("replaced")
		s.logger.Info("previous application connection replaced")
	}

	topts := s.opts.transport
	topts.Notifier = &s.notifier
	topts.Logger = s.opts.logger.Named("transport")
	topts.Metrics = s.metrics

	sess := &session{conn: transport.NewConn(conn, topts), done: make(chan struct{})}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	s.metrics.RecordConnection("accepted")
	s.endpoint.Connected()
	s.logger.Info("application connected", zap.Stringer("remote", conn.RemoteAddr()))
	return sess
}

func (s *Server) run(ctx context.Context, sess *session) {
	err := sess.conn.Run(ctx, s.endpoint.Inbound(), s.endpoint.Outbound())

	// Per-peer state is dropped while sess is still the current session, so
	// the next peer cannot be attached until it is gone.
	s.teardown(err)

	s.mu.Lock()
	if s.session == sess {
		s.session = nil
	}
	s.mu.Unlock()
	close(sess.done)
}

// closeSession stops the current session, if any, and waits until its network
// goroutine has exited and torn down. It reports whether there was a session.
func (s *Server) closeSession() bool {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return false
	}

	sess.conn.Close()
	<-sess.done
	return true
}

// teardown drops per-peer state once a session has ended.
func (s *Server) teardown(cause error) {
	s.metrics.RecordConnection("closed")
	s.endpoint.Disconnected(cause)
	s.notifier.Set(relay.NopNotifier)
	if err := s.relay.Reset(); err != nil {
		s.logger.Debug("closing remote process reference failed", zap.Error(err))
	}
}

func (s *Server) advertise(ctx context.Context) {
	if s.opts.registry == nil {
		return
	}
	s.advertiseAddr = s.opts.advertiseAddr
	if s.advertiseAddr == "" {
		s.advertiseAddr = s.listener.Addr().String()
	}
	inst := registry.ServiceInstance{
		Addr:    s.advertiseAddr,
		Weight:  s.opts.weight,
		Version: s.opts.version,
		PID:     os.Getpid(),
	}
	if err := s.opts.registry.Register(ctx, s.opts.serviceName, inst, s.opts.ttl); err != nil {
		s.logger.Warn("registry advertisement failed", zap.String("service", s.opts.serviceName), zap.Error(err))
		return
	}
	s.logger.Info("advertised", zap.String("service", s.opts.serviceName), zap.String("addr", s.advertiseAddr))
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (applications stop picking this host)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener and the current session, failing pending calls
//  4. Stop the dispatcher and wait for Serve to return (bounded by ctx)
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.ready:
	default:
		// Serve never bound a listener.
		s.shutdown.Store(true)
		return s.endpoint.Close()
	}

	if s.opts.registry != nil && s.advertiseAddr != "" {
		if err := s.opts.registry.Deregister(ctx, s.opts.serviceName, s.advertiseAddr); err != nil {
			s.logger.Warn("deregister failed", zap.Error(err))
		}
	}

	s.shutdown.Store(true)
	s.listener.Close()

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.closeSession()
	s.endpoint.Close()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for server to stop: %w", ctx.Err())
	}
}
