// Package loadbalance picks one daemon out of a registry group.
//
// Three strategies are implemented:
//   - RoundRobin:      daemons of equal capacity
//   - WeightedRandom:  daemons with different capacity (Weight)
//   - ConsistentHash:  key affinity, e.g. keep every call for one torrent
//     hash on the daemon that holds that torrent
package loadbalance

import (
	"errors"

	"rtorrent-rpc/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer selects the target of the next call. Pick is called on every call
// and must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "round_robin",
// "weighted_random" or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "ConsistentHash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.New("unknown balancer " + name)
}
