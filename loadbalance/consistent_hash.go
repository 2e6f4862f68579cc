package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"rtorrent-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances on a hash ring. A key keeps
// its instance until the instance set changes, and a change only moves the
// keys of the instances that came or went.
//
// Each instance owns 100 virtual nodes so that a few instances still split
// the ring evenly.
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
	replicas int

	mu        sync.RWMutex
	ring      []uint32                     // sorted virtual node hashes
	nodes     map[uint32]registry.Instance // virtual node hash → instance
	signature string                       // instance set the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.Instance),
	}
}

// Add places an instance on the ring. Virtual nodes hash "{id}#{i}".
func (b *ConsistentHashBalancer) Add(instance registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	b.sortRing()
	b.signature = ""
}

func (b *ConsistentHashBalancer) add(instance registry.Instance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.ID(), i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

func (b *ConsistentHashBalancer) sortRing() {
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Get returns the instance responsible for key: the first virtual node
// clockwise from the key's hash, wrapping around past the largest node.
func (b *ConsistentHashBalancer) Get(key string) (*registry.Instance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.get(key)
}

func (b *ConsistentHashBalancer) get(key string) (*registry.Instance, error) {
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
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

// PickKey rebuilds the ring when instances differ from the last call and
// returns the instance responsible for key.
func (b *ConsistentHashBalancer) PickKey(instances []registry.Instance, key string) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	sig := signature(instances)

	b.mu.RLock()
	if b.signature == sig {
		defer b.mu.RUnlock()
		return b.get(key)
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signature != sig {
		b.ring = b.ring[:0]
		clear(b.nodes)
		for _, inst := range instances {
			b.add(inst)
		}
		b.sortRing()
		b.signature = sig
	}
	return b.get(key)
}

// Pick implements Balancer by hashing an empty key, which pins every call to
// the same instance. Use PickKey to spread calls by key.
func (b *ConsistentHashBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	return b.PickKey(instances, "")
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func signature(instances []registry.Instance) string {
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID() + "=" + inst.Address
	}
	sort.Strings(ids)
	return strings.Join(ids, "\x00")
}

var _ Balancer = (*ConsistentHashBalancer)(nil)
