package main

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "mcp-session-server",
		Short: "Serve MCP sessions over streamable HTTP",
		Long: `mcp-session-server serves the Model Context Protocol over streamable HTTP.

Responses stream as resumable server-sent events backed by an in-memory or
Redis event store. With --store=redis several instances can share a
deployment: each session is owned by the instance that created it and
requests arriving elsewhere are proxied to the owner.

Every flag can also be set through an MCP_* environment variable
(--redis-addr becomes MCP_REDIS_ADDR) or a config file given with --config.`,
		Example: `  # Single instance with in-memory stores
  mcp-session-server --addr :8080

  # One of several instances behind a load balancer
  MCP_STORE=redis MCP_REDIS_ADDR=redis:6379 \
    mcp-session-server --public-address http://10.0.0.5:8080`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v, configFile)
			if err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), v.GetString("log-format"), v.GetString("log-level"))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()
			return serve(ctx, cfg, a, log)
		},
	}
	cmd.SetVersionTemplate("mcp-session-server version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	cmd.PersistentFlags().String("log-format", "text", "log format: text, json")
	addServeFlags(cmd.Flags())

	cmd.AddCommand(newStdioCmd(), newClientCmd())
	return cmd
}

// persistentLogger builds the logger for subcommands from the inherited
// --log-level and --log-format flags.
func persistentLogger(cmd *cobra.Command) (*slog.Logger, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cmd.ErrOrStderr(), v.GetString("log-format"), v.GetString("log-level"))
	return log, errors.Wrap(err, "configuring logging")
}
