package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsMatchDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("BRIDGE_ADDR", "0.0.0.0:4000")
	t.Setenv("BRIDGE_CALL_TIMEOUT", "2s")
	t.Setenv("BRIDGE_ETCD_ENDPOINTS", "10.0.0.1:2379,10.0.0.2:2379")
	t.Setenv("BRIDGE_QUEUE_OUTBOUND_CAP", "512")
	t.Setenv("BRIDGE_QUEUE_OVERFLOW", "drop-oldest")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:4000", cfg.Server.Address)
	assert.Equal(t, 2*time.Second, cfg.Correlation.CallTimeout)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Registry.Endpoints)
	assert.True(t, cfg.Registry.Enabled())
	assert.Equal(t, 512, cfg.Queue.OutboundCapacity)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }},
		{"zero read buffer", func(c *Config) { c.Transport.ReadBufferSize = 0 }},
		{"negative queue", func(c *Config) { c.Queue.InboundCapacity = -1 }},
		{"bad overflow", func(c *Config) { c.Queue.Overflow = "spill" }},
		{"registry without ttl", func(c *Config) {
			c.Registry.Endpoints = []string{"localhost:2379"}
			c.Registry.TTL = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	t.Setenv("BRIDGE_READ_BUFFER", "not-a-number")
	assert.Equal(t, Default(), LoadOrDefault())
}
