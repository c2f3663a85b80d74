package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestRegistry connects to a local etcd, skipping the test when none is running.
func newTestRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, time.Second, zerolog.Nop())
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, "localhost:2379"); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestServiceKey(t *testing.T) {
	if got := serviceKey("kv", "10.0.0.1:4040"); got != "/tchannel/kv/10.0.0.1:4040" {
		t.Fatalf("unexpected key %s", got)
	}
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	inst1 := ServiceInstance{HostPort: "127.0.0.1:8001", ProcessName: "kv-1", Version: 2}
	inst2 := ServiceInstance{HostPort: "127.0.0.1:8002", ProcessName: "kv-2", Version: 2}

	if err := reg.Register(ctx, "kv-test", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "kv-test", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "kv-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, "kv-test", inst1.HostPort); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, "kv-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0] != inst2 {
		t.Fatalf("expect %+v, got %+v", inst2, instances[0])
	}

	reg.Deregister(ctx, "kv-test", inst2.HostPort)
}

func TestWatch(t *testing.T) {
	reg := newTestRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates := reg.Watch(ctx, "watch-test")
	time.Sleep(100 * time.Millisecond) // let the watch start

	inst := ServiceInstance{HostPort: "127.0.0.1:9001", ProcessName: "w", Version: 2}
	if err := reg.Register(ctx, "watch-test", inst, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), "watch-test", inst.HostPort)

	select {
	case instances := <-updates:
		if len(instances) != 1 || instances[0].HostPort != inst.HostPort {
			t.Fatalf("unexpected update %+v", instances)
		}
	case <-ctx.Done():
		t.Fatal("no watch update")
	}
}
