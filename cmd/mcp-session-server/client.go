package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/mcpclient"
	"github.com/ggoodman/mcp-session-go/streaminghttp"
	"github.com/spf13/cobra"
)

type clientFlags struct {
	url        string
	token      string
	maxRetries int
}

func newClientCmd() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a streamable HTTP MCP server",
	}
	cmd.PersistentFlags().StringVar(&f.url, "url", "http://localhost:8080/mcp", "MCP endpoint URL")
	cmd.PersistentFlags().StringVar(&f.token, "token", "", "bearer token")
	cmd.PersistentFlags().IntVar(&f.maxRetries, "max-retries", streaminghttp.DefaultMaxRetries, "reconnect attempts before giving up")

	cmd.AddCommand(&cobra.Command{
		Use:   "list-tools",
		Short: "List the server's tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, f, func(ctx context.Context, c *mcpclient.Client) error {
				var tools []mcp.Tool
				cursor := ""
				for {
					res, err := c.ListTools(ctx, cursor)
					if err != nil {
						return errors.Wrap(err, "listing tools")
					}
					tools = append(tools, res.Tools...)
					if res.NextCursor == "" {
						break
					}
					cursor = res.NextCursor
				}
				return printJSON(cmd.OutOrStdout(), tools)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "call NAME [JSON-ARGUMENTS]",
		Short:   "Call a tool and print its result",
		Example: `  mcp-session-server client call echo '{"message":"hello"}'`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return errors.WithHint(errors.New("tool arguments are not valid JSON"), `quote the object, e.g. '{"message":"hi"}'`)
				}
				toolArgs = json.RawMessage(args[1])
			}
			return withClient(cmd, f, func(ctx context.Context, c *mcpclient.Client) error {
				res, err := c.CallTool(ctx, args[0], toolArgs)
				if err != nil {
					return errors.Wrapf(err, "calling %s", args[0])
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	})
	return cmd
}

func withClient(cmd *cobra.Command, f clientFlags, fn func(context.Context, *mcpclient.Client) error) error {
	log, err := persistentLogger(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	opts := []streaminghttp.ClientOption{
		streaminghttp.WithMaxRetries(f.maxRetries),
		streaminghttp.WithClientLogger(log),
	}
	if f.token != "" {
		opts = append(opts, streaminghttp.WithHeader("Authorization", "Bearer "+f.token))
	}
	t := streaminghttp.NewClientTransport(f.url, opts...)

	c, err := mcpclient.Connect(ctx, t, mcp.ImplementationInfo{Name: serverName + "-client", Version: version},
		mcpclient.WithLogger(log))
	if err != nil {
		return errors.Wrapf(err, "connecting to %s", f.url)
	}
	defer func() { _ = c.Close() }()

	log.DebugContext(ctx, "client.connect.ok",
		slog.String("server", c.InitializeResult().ServerInfo.Name),
		slog.String("protocol_version", c.InitializeResult().ProtocolVersion),
	)
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
