// Package registry advertises tchanneld instances and finds them again.
package registry

import "context"

// ServiceInstance is one process serving a service, described the way it introduces
// itself in the Init handshake.
type ServiceInstance struct {
	HostPort    string `json:"host_port"`
	ProcessName string `json:"process_name"`
	Version     uint16 `json:"version"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, service string, hostPort string) error
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
}
