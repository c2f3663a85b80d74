package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tchannel-rpc/config"
	"tchannel-rpc/logging"
	"tchannel-rpc/message"
	"tchannel-rpc/protocol"
)

// globals holds the persistent flags and the state resolved from them before every command.
type globals struct {
	cfgFile   string
	logLevel  string
	logFormat string

	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "tchanneld",
		Short: "Serve and probe services over the framed RPC protocol",
		Long: `tchanneld runs a server for one or more services, optionally advertised in etcd,
and probes running servers directly or through service discovery.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if g.cfgFile != "" {
				var err error
				if cfg, err = config.Load(g.cfgFile); err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			}

			// Flags override the file.
			if g.logLevel != "" {
				cfg.LogLevel = g.logLevel
			}
			if g.logFormat != "" {
				cfg.LogFormat = g.logFormat
			}
			g.cfg = cfg
			g.log = logging.New(logging.Config{
				App:    "tchanneld",
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				Out:    cmd.ErrOrStderr(),
			})
			return nil
		},
	}

	root.PersistentFlags().StringVar(&g.cfgFile, "config", "", "config file (.toml, .yaml or .yml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "trace, debug, info, warn or error")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "console or json")

	root.AddCommand(newServeCmd(g), newPingCmd(g), newVersionCmd())
	return root
}

// initParams is what this process advertises in its handshake.
func (g *globals) initParams() message.InitParams {
	return message.InitParams{
		Version:     protocol.Version,
		HostPort:    g.cfg.AdvertiseAddr(),
		ProcessName: g.cfg.ProcessName,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the protocol version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tchanneld protocol version %d\n", protocol.Version)
		},
	}
}
