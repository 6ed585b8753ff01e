// Command bridgectl is a small controlling application: it finds a browser
// host, connects to it and drives browsers from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"hostbridge/client"
	"hostbridge/config"
	"hostbridge/handler"
	"hostbridge/loadbalance"
	"hostbridge/logging"
	"hostbridge/message"
	"hostbridge/registry"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "bridgectl"
	app.Usage = "drive browsers through a bridge host"
	app.Version = version
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "addr", Aliases: []string{"a"}, Usage: "host address; skips discovery"},
		&cli.StringSliceFlag{Name: "etcd", Usage: "etcd endpoints used for discovery"},
		&cli.StringFlag{Name: "service", Value: registry.DefaultService, Usage: "service name hosts advertise under"},
		&cli.StringFlag{Name: "balancer", Usage: "round-robin, weighted-random or consistent-hash (default $BRIDGE_BALANCER)"},
		&cli.StringFlag{Name: "key", Usage: "key for consistent-hash host selection"},
		&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second, Usage: "per-command timeout"},
		&cli.StringFlag{Name: "log-level", Value: "warn"},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "hosts",
			Usage:  "list registered hosts",
			Action: listHosts,
		},
		{
			Name:   "watch",
			Usage:  "print the host list every time it changes",
			Action: watchHosts,
		},
		{
			Name:   "ping",
			Usage:  "check that a host answers",
			Action: withClient(ping),
		},
		{
			Name:      "create",
			Usage:     "create a browser",
			ArgsUsage: "URL",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "width", Value: 1280},
				&cli.IntFlag{Name: "height", Value: 720},
			},
			Action: withClient(create),
		},
		{
			Name:      "navigate",
			Usage:     "load a URL in a browser",
			ArgsUsage: "URL",
			Flags:     []cli.Flag{&cli.IntFlag{Name: "id", Required: true}},
			Action:    withClient(navigate),
		},
		{
			Name:      "eval",
			Usage:     "evaluate JavaScript in a browser and print the JSON result",
			ArgsUsage: "CODE",
			Flags:     []cli.Flag{&cli.IntFlag{Name: "id", Required: true}},
			Action:    withClient(eval),
		},
		{
			Name:   "shutdown",
			Usage:  "close every browser and stop the host",
			Action: withClient(shutdown),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	cfg := logging.DefaultConfig()
	cfg.Level = c.String("log-level")
	return logging.New(cfg)
}

func newRegistry(c *cli.Context) (*registry.EtcdRegistry, error) {
	endpoints := c.StringSlice("etcd")
	timeout := config.Default().Registry.DialTimeout
	if len(endpoints) == 0 {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		endpoints, timeout = cfg.Registry.Endpoints, cfg.Registry.DialTimeout
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no etcd endpoints: pass --etcd or set BRIDGE_ETCD_ENDPOINTS")
	}
	return registry.NewEtcdRegistry(endpoints, timeout)
}

func listHosts(c *cli.Context) error {
	reg, err := newRegistry(c)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	hosts, err := reg.Discover(ctx, c.String("service"))
	if err != nil {
		return err
	}
	return printJSON(hosts)
}

func watchHosts(c *cli.Context) error {
	reg, err := newRegistry(c)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	for hosts := range reg.Watch(ctx, c.String("service")) {
		if err := printJSON(hosts); err != nil {
			return err
		}
	}
	return nil
}

type command func(ctx context.Context, c *cli.Context, cl *client.Client) error

// withClient connects before running cmd and disconnects afterwards.
func withClient(cmd command) cli.ActionFunc {
	return func(c *cli.Context) error {
		logger, err := newLogger(c)
		if err != nil {
			return err
		}
		defer logger.Sync()

		opts := []client.Option{client.WithLogger(logger)}
		if addr := c.String("addr"); addr != "" {
			opts = append(opts, client.WithAddr(addr))
		} else {
			reg, err := newRegistry(c)
			if err != nil {
				return err
			}
			defer reg.Close()
			strategy := c.String("balancer")
			if strategy == "" {
				strategy = config.LoadOrDefault().Registry.Balancer
			}
			bal, err := loadbalance.New(strategy, c.String("key"))
			if err != nil {
				return err
			}
			opts = append(opts, client.WithRegistry(reg, c.String("service"), bal))
		}

		cl := client.NewClient(opts...)
		if err := answerHostEvents(cl, logger); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()
		if err := cl.Connect(ctx); err != nil {
			return err
		}
		defer cl.Shutdown()
		return cmd(ctx, c, cl)
	}
}

// answerHostEvents installs the handlers a host expects an application to
// have. Synchronous events get a neutral answer; the rest are logged.
func answerHostEvents(cl *client.Client, logger *zap.Logger) error {
	ok := func(value any) handler.HandlerFunc {
		return func(ctx context.Context, req *handler.Request) *message.Reply {
			return req.OK(value)
		}
	}
	logEvent := func(ctx context.Context, req *handler.Request) *message.Reply {
		logger.Info("event",
			zap.String("method", req.Call.Method),
			zap.Int("browser", req.Call.InstanceID),
			zap.ByteString("args", req.Call.Arguments),
		)
		return nil
	}

	routes := map[string]handler.HandlerFunc{
		"GetViewRect":        ok(map[string]int{"x": 0, "y": 0, "width": 1280, "height": 720}),
		"OnBeforePopup":      ok(true),
		"OnOpenUrlFromTab":   ok(false),
		"OnBeforeClose":      ok(true),
		"OnAcceleratedPaint": ok(true),
	}
	for method, fn := range routes {
		if err := cl.Handle("Browser", method, fn); err != nil {
			return err
		}
	}
	for _, method := range []string{
		"OnAddressChange", "OnTitleChange", "OnConsoleMessage", "OnLoadingProgressChange",
		"OnTextSelectionChanged", "OnNavigate", "OnFocusedNodeChanged", "OnCursorChange",
		"OnPopupShow", "OnPopupSize",
	} {
		if err := cl.Handle("Browser", method, logEvent, handler.Notification()); err != nil {
			return err
		}
	}
	return nil
}

func ping(ctx context.Context, c *cli.Context, cl *client.Client) error {
	start := time.Now()
	var pong string
	if err := cl.Invoke(ctx, "Client", "Ping", 0, nil, &pong); err != nil {
		return err
	}
	fmt.Printf("%s from %s in %s\n", pong, cl.Addr(), time.Since(start).Round(time.Microsecond))
	return nil
}

func create(ctx context.Context, c *cli.Context, cl *client.Client) error {
	args := map[string]any{
		"url":       c.Args().First(),
		"rectangle": map[string]int{"x": 0, "y": 0, "width": c.Int("width"), "height": c.Int("height")},
		"html":      nil,
	}
	var id int
	if err := cl.Invoke(ctx, "Client", "CreateBrowser", 0, args, &id); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func navigate(ctx context.Context, c *cli.Context, cl *client.Client) error {
	if c.NArg() != 1 {
		return fmt.Errorf("navigate takes exactly one URL")
	}
	if err := cl.Notify("Browser", "LoadUrl", c.Int("id"), map[string]string{"url": c.Args().First()}); err != nil {
		return err
	}
	// A round trip guarantees the notification left before disconnecting.
	var canGoBack bool
	return cl.Invoke(ctx, "Browser", "CanGoBack", c.Int("id"), nil, &canGoBack)
}

func eval(ctx context.Context, c *cli.Context, cl *client.Client) error {
	if c.NArg() != 1 {
		return fmt.Errorf("eval takes exactly one script")
	}
	args := map[string]any{"code": c.Args().First(), "scriptUrl": "bridgectl", "startLine": 1}
	var result string
	if err := cl.Invoke(ctx, "Browser", "EvalJavaScript", c.Int("id"), args, &result); err != nil {
		return err
	}
	fmt.Println(result)
	return nil
}

func shutdown(ctx context.Context, c *cli.Context, cl *client.Client) error {
	if err := cl.Notify("Client", "Shutdown", 0, nil); err != nil {
		return err
	}
	// Browsers raise OnBeforeClose while the host shuts down; keep answering
	// until the host hangs up.
	select {
	case <-cl.Done():
	case <-ctx.Done():
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
