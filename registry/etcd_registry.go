// Package registry keeps a directory of daemon endpoints.
//
// EtcdRegistry stores it in etcd:
//
//	Key:   /rtorrent-rpc/{group}/{id}
//	Value: JSON-encoded Instance
//
// Registration uses TTL leases: when the process that registered a daemon
// stops renewing, the entry disappears on its own.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/rtorrent-rpc/"

func groupPrefix(group string) string {
	return keyPrefix + group + "/"
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // safe for concurrent use
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

// Register stores instance under a lease of ttl seconds and keeps renewing
// the lease until ctx ends.
//
// The lease id stays local so one EtcdRegistry can register many instances
// concurrently.
func (r *EtcdRegistry) Register(ctx context.Context, group string, instance Instance, ttl int64) error {
	if instance.Address == "" {
		return fmt.Errorf("registry: instance without address")
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, groupPrefix(group)+instance.ID(), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// drain keepalive responses so the channel never fills up
	go func() {
		for range ch {
		}
		logrus.WithFields(logrus.Fields{"group": group, "instance": instance.ID()}).Debug("registry: lease renewal stopped")
	}()
	return nil
}

// Deregister removes an instance right away instead of waiting for its lease
// to expire.
func (r *EtcdRegistry) Deregister(ctx context.Context, group string, id string) error {
	_, err := r.client.Delete(ctx, groupPrefix(group)+id)
	return err
}

// Watch uses the etcd watch API and re-reads the whole group on every event.
func (r *EtcdRegistry) Watch(ctx context.Context, group string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, groupPrefix(group), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, group)
			if err != nil {
				logrus.WithError(err).WithField("group", group).Warn("registry: rediscover after watch event")
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns the instances currently registered in group.
func (r *EtcdRegistry) Discover(ctx context.Context, group string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, groupPrefix(group), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			logrus.WithField("key", string(kv.Key)).Warn("registry: skipping malformed entry")
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}
