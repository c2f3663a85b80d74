// Package client reaches the instances of a service found in the registry.
//
// Every registered instance is probed, each over its own short-lived connection:
//
//	Discover(service) ──→ [a:4040, b:4040, c:4040]
//	                         │       │       │
//	                       Dial    Dial    Dial     (concurrently)
//	                       Init    Init    Init
//	                       Ping    Ping    Ping / Call
//	                       Close   Close   Close
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tchannel-rpc/message"
	"tchannel-rpc/registry"
	"tchannel-rpc/transport"
)

// ErrNoInstances is returned when the registry knows no instance of a service.
var ErrNoInstances = errors.New("client: no instances registered")

// Result is the outcome of reaching one instance.
type Result struct {
	Instance registry.ServiceInstance
	RTT      time.Duration         // handshake excluded
	Response *message.CallResponse // set by CallAll
	Err      error
}

type Client struct {
	registry registry.Registry // find service instances from registry
	opts     transport.Options
	log      zerolog.Logger
}

func NewClient(reg registry.Registry, opts transport.Options) *Client {
	return &Client{
		registry: reg,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "client").Logger(),
	}
}

// Instances returns every instance currently registered for service.
func (c *Client) Instances(ctx context.Context, service string) ([]registry.ServiceInstance, error) {
	instances, err := c.registry.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInstances, service)
	}
	return instances, nil
}

// PingAll pings every instance of service. Results follow the registry's order; a failed
// instance is reported in its Result, not as the returned error.
func (c *Client) PingAll(ctx context.Context, service string) ([]Result, error) {
	return c.each(ctx, service, func(ctx context.Context, t *transport.ClientTransport, r *Result) error {
		return t.Ping(ctx)
	})
}

// CallAll sends req to every instance of service. req.Service defaults to service.
func (c *Client) CallAll(ctx context.Context, service string, req *message.CallRequest) ([]Result, error) {
	if req.Service == "" {
		r := *req
		r.Service = service
		req = &r
	}
	return c.each(ctx, service, func(ctx context.Context, t *transport.ClientTransport, r *Result) error {
		res, err := t.Call(ctx, req)
		r.Response = res
		return err
	})
}

// each discovers service, then runs fn against every instance concurrently.
func (c *Client) each(ctx context.Context, service string, fn func(context.Context, *transport.ClientTransport, *Result) error) ([]Result, error) {
	instances, err := c.Instances(ctx, service)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(instances))
	var wg sync.WaitGroup
	for i, inst := range instances {
		wg.Add(1)
		go func(r *Result) {
			defer wg.Done()
			r.Instance = inst
			r.Err = c.reach(ctx, r, fn)
			if r.Err != nil {
				c.log.Debug().Err(r.Err).Str("host_port", inst.HostPort).Msg("instance unreachable")
			}
		}(&results[i])
	}
	wg.Wait()
	return results, nil
}

// reach dials one instance, runs fn over the connection and closes it.
func (c *Client) reach(ctx context.Context, r *Result, fn func(context.Context, *transport.ClientTransport, *Result) error) error {
	t, err := transport.Dial(ctx, r.Instance.HostPort, c.opts)
	if err != nil {
		return err
	}
	defer t.Close()

	start := time.Now()
	err = fn(ctx, t, r)
	r.RTT = time.Since(start)
	return err
}
