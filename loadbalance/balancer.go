// Package loadbalance decides which browser host an application connects to
// when several are registered.
//
// Three strategies are implemented:
//   - RoundRobin:      spread applications evenly over equal hosts
//   - WeightedRandom:  hosts with different capacity (weight = how many browsers it should carry)
//   - ConsistentHash:  pin an application key to one host so its browsers survive reconnects
package loadbalance

import (
	"errors"
	"fmt"
	"strings"

	"hostbridge/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for host selection strategies.
type Balancer interface {
	// Pick selects one host from the available list. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer named by strategy ("round-robin", "weighted-random",
// "consistent-hash"). key is only used by consistent hashing.
func New(strategy, key string) (Balancer, error) {
	switch strings.ToLower(strategy) {
	case "", "round-robin", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random", "weighted":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash", "hash":
		return &KeyedBalancer{Key: key}, nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", strategy)
	}
}
