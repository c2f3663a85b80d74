package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix is the root of every key this registry writes.
const KeyPrefix = "/tchannel/"

// EtcdRegistry implements Registry on etcd v3, used as a phonebook for tchanneld instances:
//
//	Key:   /tchannel/{service}/{host_port}
//	Value: JSON-encoded ServiceInstance
//
// Every key is attached to a TTL lease kept alive in the background, so a crashed
// process drops out of Discover once its lease expires.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	log    zerolog.Logger

	// key → lease backing it, so Deregister can revoke instead of waiting out the TTL
	leases cmap.ConcurrentMap[string, registration]
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // stops KeepAlive
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger zerolog.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect %v: %w", endpoints, err)
	}
	return &EtcdRegistry{
		client: c,
		log:    logger.With().Str("component", "registry").Logger(),
		leases: cmap.New[registration](),
	}, nil
}

func serviceKey(service, hostPort string) string {
	return KeyPrefix + service + "/" + hostPort
}

// Register advertises instance under service with a lease of ttl seconds.
//
// Flow:
//  1. Grant a lease with the given TTL
//  2. Put the key with the lease attached
//  3. KeepAlive renews the lease until Deregister or Close
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := serviceKey(service, instance.HostPort)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// The caller's ctx may be short-lived; renewal must outlive it.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	if old, ok := r.leases.Pop(key); ok {
		old.cancel()
	}
	r.leases.Set(key, registration{lease: lease.ID, cancel: cancel})

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.log.Debug().Str("key", key).Msg("lease keepalive stopped")
	}()

	r.log.Info().Str("key", key).Int64("ttl", ttl).Msg("registered")
	return nil
}

// Deregister removes an instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, hostPort string) error {
	key := serviceKey(service, hostPort)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	if reg, ok := r.leases.Pop(key); ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("revoke lease")
		}
	}
	r.log.Info().Str("key", key).Msg("deregistered")
	return nil
}

// Watch emits the full instance list of service on every change under its prefix,
// until ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := KeyPrefix + service + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-read the prefix rather than applying individual events.
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.log.Warn().Err(err).Str("service", service).Msg("watch refresh")
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

// Discover returns every instance currently registered for service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	prefix := KeyPrefix + service + "/"

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", prefix, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn().Err(err).Bytes("key", kv.Key).Msg("skipping malformed entry")
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every keepalive and closes the etcd client. Keys expire with their leases.
func (r *EtcdRegistry) Close() error {
	for _, key := range r.leases.Keys() {
		if reg, ok := r.leases.Pop(key); ok {
			reg.cancel()
		}
	}
	return r.client.Close()
}
