// Package fleet issues calls against a group of daemons listed in a
// registry.
//
//	Call(method)          → Discover → Balancer.Pick   → client.CallContext
//	CallKey(key, method)  → Discover → ConsistentHash  → client.CallContext
//	CallAll(method)       → Discover → every instance in parallel
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"rtorrent-rpc/client"
	"rtorrent-rpc/loadbalance"
	"rtorrent-rpc/registry"
)

// DefaultConcurrency bounds the parallel calls made by CallAll.
const DefaultConcurrency = 8

// discoverTimeout bounds a registry lookup shared by concurrent callers.
const discoverTimeout = 10 * time.Second

// Fleet is safe for concurrent use.
type Fleet struct {
	// Concurrency bounds CallAll; values below 1 mean DefaultConcurrency.
	Concurrency int

	reg      registry.Registry
	balancer loadbalance.Balancer
	hash     *loadbalance.ConsistentHashBalancer
	group    string
	opts     []client.Option

	discover singleflight.Group // collapses concurrent registry lookups

	mu      sync.Mutex
	clients map[string]*client.Client // by instance address
}

// Result is the outcome of one call made by CallAll.
type Result struct {
	Instance registry.Instance
	Value    any
	Err      error
}

// New creates a fleet over the instances of group. opts apply to every
// client the fleet creates.
func New(reg registry.Registry, balancer loadbalance.Balancer, group string, opts ...client.Option) *Fleet {
	if balancer == nil {
		balancer = &loadbalance.RoundRobinBalancer{}
	}
	return &Fleet{
		reg:      reg,
		balancer: balancer,
		hash:     loadbalance.NewConsistentHashBalancer(),
		group:    group,
		opts:     opts,
		clients:  make(map[string]*client.Client),
	}
}

func (f *Fleet) instances(ctx context.Context) ([]registry.Instance, error) {
	ch := f.discover.DoChan(f.group, func() (any, error) {
		// the lookup outlives the caller that started it
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discoverTimeout)
		defer cancel()
		instances, err := f.reg.Discover(dctx, f.group)
		if err != nil {
			return nil, err
		}
		f.prune(instances)
		return instances, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("discover %s: %w", f.group, ctx.Err())
	}
	if res.Err != nil {
		return nil, fmt.Errorf("discover %s: %w", f.group, res.Err)
	}
	instances := res.Val.([]registry.Instance)
	if len(instances) == 0 {
		return nil, fmt.Errorf("group %s: %w", f.group, loadbalance.ErrNoInstances)
	}
	return instances, nil
}

// prune drops the cached clients of daemons that left the group.
func (f *Fleet) prune(instances []registry.Instance) {
	live := make(map[string]bool, len(instances))
	for _, inst := range instances {
		live[inst.Address] = true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for addr := range f.clients {
		if !live[addr] {
			delete(f.clients, addr)
		}
	}
}

// client returns the cached client for inst, creating it on first use.
func (f *Fleet) client(inst registry.Instance) (*client.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[inst.Address]; ok {
		return c, nil
	}
	c, err := client.Dial(inst.Address, f.opts...)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", inst.ID(), err)
	}
	f.clients[inst.Address] = c
	return c, nil
}

func (f *Fleet) callOn(ctx context.Context, inst *registry.Instance, method string, args []any) (any, error) {
	c, err := f.client(*inst)
	if err != nil {
		return nil, err
	}
	result, err := c.CallContext(ctx, method, args...)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", inst.ID(), err)
	}
	return result, nil
}

// Call sends method to the instance chosen by the fleet's balancer.
func (f *Fleet) Call(ctx context.Context, method string, args ...any) (any, error) {
	instances, err := f.instances(ctx)
	if err != nil {
		return nil, err
	}
	inst, err := f.balancer.Pick(instances)
	if err != nil {
		return nil, err
	}
	return f.callOn(ctx, inst, method, args)
}

// CallKey sends method to the instance that owns key on the consistent hash
// ring, so calls for one torrent hash keep reaching the same daemon.
func (f *Fleet) CallKey(ctx context.Context, key string, method string, args ...any) (any, error) {
	instances, err := f.instances(ctx)
	if err != nil {
		return nil, err
	}
	inst, err := f.hash.PickKey(instances, key)
	if err != nil {
		return nil, err
	}
	return f.callOn(ctx, inst, method, args)
}

// CallAll sends method to every instance and returns one Result per
// instance, in discovery order. Only a failed discovery is returned as error.
func (f *Fleet) CallAll(ctx context.Context, method string, args ...any) ([]Result, error) {
	instances, err := f.instances(ctx)
	if err != nil {
		return nil, err
	}

	limit := f.Concurrency
	if limit < 1 {
		limit = DefaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)

	results := make([]Result, len(instances))
	for i := range instances {
		inst := &instances[i]
		g.Go(func() error {
			v, err := f.callOn(ctx, inst, method, args)
			results[i] = Result{Instance: *inst, Value: v, Err: err}
			return nil
		})
	}
	g.Wait()
	return results, nil
}
