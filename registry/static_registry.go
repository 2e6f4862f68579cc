package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// StaticRegistry is an in-memory Registry for fixed daemon lists and tests.
// TTLs are ignored.
type StaticRegistry struct {
	mu       sync.Mutex
	groups   map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		groups:   make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (r *StaticRegistry) Register(ctx context.Context, group string, instance Instance, ttl int64) error {
	if instance.Address == "" {
		return fmt.Errorf("registry: instance without address")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[group] == nil {
		r.groups[group] = make(map[string]Instance)
	}
	r.groups[group][instance.ID()] = instance
	r.notify(group)
	return nil
}

func (r *StaticRegistry) Deregister(ctx context.Context, group string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups[group], id)
	r.notify(group)
	return nil
}

// Discover returns the instances of group ordered by id.
func (r *StaticRegistry) Discover(ctx context.Context, group string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(group), nil
}

func (r *StaticRegistry) Watch(ctx context.Context, group string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	r.watchers[group] = append(r.watchers[group], ch)
	ch <- r.list(group)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[group]
		for i, w := range ws {
			if w == ch {
				r.watchers[group] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *StaticRegistry) list(group string) []Instance {
	instances := make([]Instance, 0, len(r.groups[group]))
	for _, inst := range r.groups[group] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID() < instances[j].ID()
	})
	return instances
}

// notify sends the latest list to every watcher, replacing an update the
// watcher has not consumed yet. Must be called with mu held.
func (r *StaticRegistry) notify(group string) {
	latest := r.list(group)
	for _, ch := range r.watchers[group] {
		select {
		case <-ch:
		default:
		}
		ch <- latest
	}
}
