package loadbalance

import (
	"math/rand/v2"

	"rtorrent-rpc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its Weight. A Weight of zero or less counts as 1.
type WeightedRandomBalancer struct{}

func weight(inst registry.Instance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	total := 0
	for _, inst := range instances {
		total += weight(inst)
	}

	// r falls into the weight range of exactly one instance
	r := rand.IntN(total)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
