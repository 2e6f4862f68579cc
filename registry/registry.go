package registry

import "context"

// Instance describes one daemon reachable by clients.
type Instance struct {
	Name    string `json:"name"`    // unique within a group, e.g. "seedbox-1"
	Address string `json:"address"` // endpoint address, e.g. "scgi://10.0.0.5:5000"
	Weight  int    `json:"weight"`  // relative share for weighted balancing
}

// ID identifies the instance inside its group: the name, or the address
// when no name was given.
func (i Instance) ID() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Address
}

// Registry is a directory of daemons grouped by purpose (e.g. "seedboxes").
type Registry interface {
	Register(ctx context.Context, group string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, group string, id string) error
	Discover(ctx context.Context, group string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, group string) <-chan []Instance
}
