package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"hostbridge/handler"
	"hostbridge/message"
	"hostbridge/pending"
	"hostbridge/registry"
	"hostbridge/server"
)

func startHost(t testing.TB, opts ...server.Option) *server.Server {
	t.Helper()
	opts = append([]server.Option{server.WithLogger(zaptest.NewLogger(t))}, opts...)
	svr := server.NewServer(opts...)
	go svr.Serve(context.Background(), "tcp", "127.0.0.1:0")

	select {
	case <-svr.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("host did not become ready")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svr.Shutdown(ctx)
	})
	return svr
}

func connect(t testing.TB, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithRetry(2, time.Millisecond)}, opts...)
	c := NewClient(opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Shutdown() })
	return c
}

func TestClientPing(t *testing.T) {
	svr := startHost(t)
	c := connect(t, WithAddr(svr.Addr().String()))

	var pong string
	require.NoError(t, c.Invoke(context.Background(), "Client", "Ping", 0, nil, &pong))
	assert.Equal(t, "pong", pong)
	assert.True(t, c.Connected())
}

func TestClientDiscoversHost(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := startHost(t, server.WithRegistry(reg, registry.DefaultService, 10))

	require.Eventually(t, func() bool {
		list, _ := reg.Discover(context.Background(), registry.DefaultService)
		return len(list) == 1
	}, 2*time.Second, 5*time.Millisecond)

	c := connect(t, WithRegistry(reg, registry.DefaultService, nil))
	assert.Equal(t, svr.Addr().String(), c.Addr())
}

func TestClientNoHostRegistered(t *testing.T) {
	c := NewClient(WithRegistry(registry.NewMemoryRegistry(), registry.DefaultService, nil))
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.Connected())
}

func TestClientDialRetriesExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(WithAddr(addr), WithRetry(2, time.Millisecond), WithDialTimeout(100*time.Millisecond))
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestClientAnswersHostEvents(t *testing.T) {
	svr := startHost(t)
	c := connect(t, WithAddr(svr.Addr().String()))
	require.NoError(t, c.Handle("Browser", "GetViewRect", func(ctx context.Context, req *handler.Request) *message.Reply {
		return req.OK(map[string]int{"x": 0, "y": 0, "width": 800, "height": 600})
	}))

	var rect struct{ Width, Height int }
	err := svr.Endpoint().Invoke(context.Background(), "Browser", "GetViewRect", 1, nil, &rect)
	require.NoError(t, err)
	assert.Equal(t, 800, rect.Width)
	assert.Equal(t, 600, rect.Height)
}

func TestClientCloseAbandonsPendingCalls(t *testing.T) {
	svr := startHost(t)
	blocked := make(chan struct{})
	require.NoError(t, svr.Handle("Browser", "Hang", func(ctx context.Context, req *handler.Request) *message.Reply {
		close(blocked)
		return nil
	}))
	c := connect(t, WithAddr(svr.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- c.Invoke(context.Background(), "Browser", "Hang", 0, nil, nil) }()
	<-blocked
	require.NoError(t, c.Close())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, pending.ErrConnectionLost), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not abandoned")
	}
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Invoke(context.Background(), "Client", "Ping", 0, nil, nil), ErrNotConnected)
}

func TestClientReconnectAfterClose(t *testing.T) {
	svr := startHost(t)
	c := connect(t, WithAddr(svr.Addr().String()))
	require.NoError(t, c.Close())

	require.NoError(t, c.Connect(context.Background()))
	var pong string
	require.NoError(t, c.Invoke(context.Background(), "Client", "Ping", 0, nil, &pong))
	assert.Equal(t, "pong", pong)
}
