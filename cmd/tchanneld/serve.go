package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tchannel-rpc/middleware"
	"tchannel-rpc/registry"
	"tchannel-rpc/server"
)

func newServeCmd(g *globals) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured services until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				g.cfg.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, g)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides the config file)")
	return cmd
}

// runServe serves until ctx ends, then shuts down gracefully.
func runServe(ctx context.Context, g *globals) error {
	cfg := g.cfg
	if len(cfg.Services) == 0 {
		return fmt.Errorf("no services configured")
	}

	svr := server.NewServer(server.Options{
		ProcessName: cfg.ProcessName,
		MaxPayload:  cfg.MaxPayload,
		RegistryTTL: cfg.RegistryTTL,
		Logger:      g.log,
	})
	svr.Use(middleware.LoggingMiddleware(g.log))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	for _, service := range cfg.Services {
		svr.Register(service, server.Echo)
	}

	// A nil *EtcdRegistry must not reach the server as a non-nil interface.
	var reg registry.Registry
	if len(cfg.EtcdEndpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, cfg.DialTimeout, g.log)
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svr.Serve("tcp", cfg.Listen, cfg.Advertise, reg)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Shutdown must not race a Serve that is still registering.
	select {
	case <-svr.Ready():
	case err := <-errCh:
		return err
	}

	g.log.Info().Msg("shutting down")
	if err := svr.Shutdown(cfg.ShutdownTimeout); err != nil {
		return err
	}
	return <-errCh
}
