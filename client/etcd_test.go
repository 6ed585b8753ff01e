package client

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbridge/loadbalance"
	"hostbridge/registry"
	"hostbridge/server"
)

// Two hosts advertise through etcd; successive clients are spread over both.
func TestClientDiscoversHostsThroughEtcd(t *testing.T) {
	endpoints := os.Getenv("BRIDGE_TEST_ETCD")
	if endpoints == "" {
		t.Skip("BRIDGE_TEST_ETCD not set")
	}
	reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), 2*time.Second,
		registry.WithPrefix("/hostbridge-client-test/"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	const service = "browser-host-it"
	first := startHost(t, server.WithRegistry(reg, service, 10))
	second := startHost(t, server.WithRegistry(reg, service, 10))

	require.Eventually(t, func() bool {
		list, err := reg.Discover(context.Background(), service)
		return err == nil && len(list) == 2
	}, 5*time.Second, 20*time.Millisecond)

	bal := &loadbalance.RoundRobinBalancer{}
	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		c := connect(t, WithRegistry(reg, service, bal))
		var pong string
		require.NoError(t, c.Invoke(context.Background(), "Client", "Ping", 0, nil, &pong))
		seen[c.Addr()] = true
		require.NoError(t, c.Shutdown())
	}
	assert.True(t, seen[first.Addr().String()])
	assert.True(t, seen[second.Addr().String()])
}
