package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tchannel-rpc/client"
	"tchannel-rpc/message"
	"tchannel-rpc/registry"
	"tchannel-rpc/transport"
)

type pingFlags struct {
	addr    string
	service string
	count   int
	body    string
	timeout time.Duration
}

func newPingCmd(g *globals) *cobra.Command {
	f := &pingFlags{}

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Ping a server, or every registered instance of a service",
		Long: `ping dials --addr directly, or looks up every instance of --service in etcd and
probes each one. With --body it also sends an echo call to --service and prints
the answer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.addr == "" && f.service == "" {
				return errors.New("one of --addr or --service is required")
			}
			if f.count < 1 {
				return fmt.Errorf("--count must be at least 1, got %d", f.count)
			}
			if f.addr != "" {
				return pingAddr(cmd.Context(), g, f, cmd.OutOrStdout())
			}
			return pingService(cmd.Context(), g, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "host:port to dial directly")
	cmd.Flags().StringVar(&f.service, "service", "", "service to discover, and to call with --body")
	cmd.Flags().IntVarP(&f.count, "count", "c", 1, "number of pings")
	cmd.Flags().StringVar(&f.body, "body", "", "send an echo call with this arg3")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "timeout for each ping and call")
	return cmd
}

func (g *globals) transportOptions() transport.Options {
	return transport.Options{
		Local:      g.initParams(),
		MaxPayload: g.cfg.MaxPayload,
		Logger:     g.log,
	}
}

func echoRequest(service, body string) *message.CallRequest {
	return &message.CallRequest{Service: service, Arg1: []byte("echo"), Arg3: []byte(body)}
}

// pingAddr probes one server over a single connection.
func pingAddr(ctx context.Context, g *globals, f *pingFlags, out io.Writer) error {
	dctx, cancel := context.WithTimeout(ctx, g.cfg.DialTimeout)
	t, err := transport.Dial(dctx, f.addr, g.transportOptions())
	cancel()
	if err != nil {
		return err
	}
	defer t.Close()

	for i := 0; i < f.count; i++ {
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		start := time.Now()
		err := t.Ping(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping %s: %w", f.addr, err)
		}
		fmt.Fprintf(out, "pong from %s: seq=%d time=%s\n", f.addr, i+1, time.Since(start).Round(time.Microsecond))
	}

	if f.body == "" {
		return nil
	}
	if f.service == "" {
		return errors.New("--body needs --service")
	}
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	res, err := t.Call(cctx, echoRequest(f.service, f.body))
	if err != nil {
		return fmt.Errorf("call %s: %w", f.service, err)
	}
	fmt.Fprintf(out, "%s answered %s: %s\n", f.service, res.Code, res.Arg3)
	return nil
}

// pingService probes every instance of a service registered in etcd.
func pingService(ctx context.Context, g *globals, f *pingFlags, out io.Writer) error {
	if len(g.cfg.EtcdEndpoints) == 0 {
		return errors.New("--service needs etcd_endpoints in the config file")
	}
	reg, err := registry.NewEtcdRegistry(g.cfg.EtcdEndpoints, g.cfg.DialTimeout, g.log)
	if err != nil {
		return err
	}
	defer reg.Close()
	c := client.NewClient(reg, g.transportOptions())

	var failed int
	for i := 0; i < f.count; i++ {
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		results, err := c.PingAll(pctx, f.service)
		cancel()
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Err != nil {
				failed++
				fmt.Fprintf(out, "%s (%s): seq=%d error: %v\n", r.Instance.HostPort, r.Instance.ProcessName, i+1, r.Err)
				continue
			}
			fmt.Fprintf(out, "pong from %s (%s): seq=%d time=%s\n", r.Instance.HostPort, r.Instance.ProcessName, i+1, r.RTT.Round(time.Microsecond))
		}
	}

	if f.body != "" {
		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		results, err := c.CallAll(cctx, f.service, echoRequest(f.service, f.body))
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Err != nil {
				failed++
				fmt.Fprintf(out, "%s: call error: %v\n", r.Instance.HostPort, r.Err)
				continue
			}
			fmt.Fprintf(out, "%s answered %s: %s\n", r.Instance.HostPort, r.Response.Code, r.Response.Arg3)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d probe(s) of %s failed", failed, f.service)
	}
	return nil
}
