package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// etcdRegistry connects to the etcd cluster named by ETCD_ENDPOINTS
// (comma separated) or skips the test.
func etcdRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := etcdRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	group := "test-" + time.Now().Format("150405.000000")
	inst1 := Instance{Name: "seedbox-1", Address: "scgi://127.0.0.1:8001", Weight: 10}
	inst2 := Instance{Name: "seedbox-2", Address: "scgi://127.0.0.1:8002", Weight: 5}

	if err := reg.Register(ctx, group, inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, group, inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, group)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, group, inst1.ID()); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, group)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0] != inst2 {
		t.Fatalf("expect only %v after deregister, got %v", inst2, instances)
	}

	reg.Deregister(ctx, group, inst2.ID())
}

func TestEtcdWatch(t *testing.T) {
	reg := etcdRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	group := "watch-" + time.Now().Format("150405.000000")
	updates := reg.Watch(ctx, group)
	// give the watcher time to attach before writing
	time.Sleep(100 * time.Millisecond)

	inst := Instance{Name: "seedbox-1", Address: "scgi://127.0.0.1:8001"}
	if err := reg.Register(ctx, group, inst, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), group, inst.ID())

	select {
	case got := <-updates:
		if len(got) != 1 || got[0] != inst {
			t.Fatalf("unexpected update %v", got)
		}
	case <-ctx.Done():
		t.Fatal("no watch update")
	}
}
