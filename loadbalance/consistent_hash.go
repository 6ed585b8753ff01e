package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"hostbridge/registry"
)

// ConsistentHashBalancer maps keys to hosts using a hash ring. The same key
// keeps landing on the same host while the ring is unchanged, so an
// application that reconnects finds its browsers again.
//
// Each host owns 100 virtual nodes hashed from "{addr}#{i}" so that a handful
// of hosts still spread evenly around the ring.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32
	nodes    map[uint32]*registry.ServiceInstance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per host.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places a host onto the ring.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		if _, taken := b.nodes[hash]; !taken {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Reset replaces the ring contents with instances.
func (b *ConsistentHashBalancer) Reset(instances []registry.ServiceInstance) {
	b.mu.Lock()
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.ServiceInstance)
	b.mu.Unlock()
	for i := range instances {
		b.Add(&instances[i])
	}
}

// Pick finds the host responsible for key: the first node clockwise from the
// key's hash, wrapping to the start of the ring.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// KeyedBalancer adapts consistent hashing to the Balancer interface by
// rebuilding the ring from each host list and picking with a fixed key.
type KeyedBalancer struct {
	Key string

	mu   sync.Mutex
	ring *ConsistentHashBalancer
}

func (k *KeyedBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ring == nil {
		k.ring = NewConsistentHashBalancer()
	}
	k.ring.Reset(instances)
	return k.ring.Pick(k.Key)
}

func (k *KeyedBalancer) Name() string {
	return "ConsistentHash"
}
