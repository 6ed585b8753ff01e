// Command bridge-host is the browser host process: it listens for one
// controlling application and serves Browser.* calls with headless browsers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hostbridge/bridge"
	"hostbridge/browser"
	"hostbridge/codec"
	"hostbridge/config"
	"hostbridge/logging"
	"hostbridge/metrics"
	"hostbridge/middleware"
	"hostbridge/protocol"
	"hostbridge/queue"
	"hostbridge/registry"
	"hostbridge/script"
	"hostbridge/server"
	"hostbridge/transport"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "bridge-host"
	app.Usage = "browser host side of the application bridge"
	app.Version = version
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "addr", Usage: "listen address (BRIDGE_ADDR)"},
		&cli.StringFlag{Name: "advertise-addr", Usage: "address published in the registry"},
		&cli.StringSliceFlag{Name: "etcd", Usage: "etcd endpoints; enables advertisement"},
		&cli.StringFlag{Name: "service", Usage: "service name to advertise under"},
		&cli.StringFlag{Name: "codec", Usage: "wire codec: json or sonic"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address"},
		&cli.StringFlag{Name: "ready-event", Usage: "named event signalled once listening"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.BoolFlag{Name: "log-dev", Usage: "human readable logs"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads BRIDGE_* variables, then applies flags given on the command line.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if c.IsSet("addr") {
		cfg.Server.Address = c.String("addr")
	}
	if c.IsSet("advertise-addr") {
		cfg.Server.AdvertiseAddr = c.String("advertise-addr")
	}
	if c.IsSet("etcd") {
		cfg.Registry.Endpoints = c.StringSlice("etcd")
	}
	if c.IsSet("service") {
		cfg.Registry.Service = c.String("service")
	}
	if c.IsSet("codec") {
		cfg.Server.Codec = c.String("codec")
	}
	if c.IsSet("metrics-addr") {
		cfg.Metrics.Address = c.String("metrics-addr")
	}
	if c.IsSet("ready-event") {
		cfg.Relay.ReadyEvent = c.String("ready-event")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-dev") {
		cfg.Logging.Development = c.Bool("log-dev")
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	}
	logCfg.Level = cfg.Logging.Level
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	svr, cleanup, err := newServer(cfg, logger, m, stop)
	if err != nil {
		return err
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Address != "" {
		ms := &http.Server{Addr: cfg.Metrics.Address, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Address))
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return ms.Close()
		})
	}
	g.Go(func() error {
		return svr.Serve(gctx, cfg.Server.Network, cfg.Server.Address)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return svr.Shutdown(sctx)
	})
	return g.Wait()
}

// newServer wires the endpoint pipeline, the registry and the headless
// browsers. stop is called when the application sends Client.Shutdown.
func newServer(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, stop func()) (*server.Server, func(), error) {
	codecType, err := codec.ParseCodecType(cfg.Server.Codec)
	if err != nil {
		return nil, nil, err
	}
	policy, err := queue.ParseOverflowPolicy(cfg.Queue.Overflow)
	if err != nil {
		return nil, nil, err
	}

	mws := []middleware.Middleware{
		middleware.RecoverMiddleware(logger),
		middleware.MetricsMiddleware(m),
		middleware.LoggingMiddleware(logger),
	}
	if cfg.Middleware.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.Middleware.RateLimit, cfg.Middleware.RateBurst))
	}
	if cfg.Middleware.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.Middleware.HandlerTimeout))
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithAcceptBackoff(cfg.Server.AcceptBackoff),
		server.WithReadyEvent(cfg.Relay.ReadyEvent),
		server.WithAdvertiseAddr(cfg.Server.AdvertiseAddr),
		server.WithInstanceInfo(version, cfg.Registry.Weight),
		server.WithTransport(transport.Options{
			ReadBufferSize: cfg.Transport.ReadBufferSize,
			PollInterval:   cfg.Transport.PollInterval,
			WriteTimeout:   cfg.Transport.WriteTimeout,
			Limits:         protocol.Limits{MaxFrame: cfg.Transport.MaxFrame},
		}),
		server.WithEndpointOptions(
			bridge.WithCodec(codec.GetCodec(codecType)),
			bridge.WithCallTimeout(cfg.Correlation.CallTimeout),
			bridge.WithQueueCapacity(cfg.Queue.InboundCapacity, cfg.Queue.OutboundCapacity, policy),
			bridge.WithMiddleware(mws...),
		),
	}

	var reg *registry.EtcdRegistry
	if cfg.Registry.Enabled() {
		reg, err = registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, registry.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("connect etcd: %w", err)
		}
		opts = append(opts, server.WithRegistry(reg, cfg.Registry.Service, cfg.Registry.TTL))
	}

	svr := server.NewServer(opts...)

	instances := browser.NewInstances()
	svr.Endpoint().SetInstances(instances)
	worker := script.NewWorker(0)
	eval := script.NewGojaEvaluator(cfg.Script.Timeout)
	factory := browser.HeadlessFactory(svr.Endpoint(), svr.Relay(), eval, instances, logger)
	err = browser.Register(svr.Endpoint().Handlers(), instances, factory, worker,
		browser.WithLogger(logger),
		browser.OnShutdown(func() {
			logger.Info("application requested shutdown")
			stop()
		}),
	)
	if err != nil {
		worker.Stop()
		if reg != nil {
			reg.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		worker.Stop()
		if reg != nil {
			reg.Close()
		}
	}
	return svr, cleanup, nil
}
