package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/mcpserver"
	"github.com/ggoodman/mcp-session-go/session"
	"github.com/ggoodman/mcp-session-go/stdio"
	"github.com/spf13/cobra"
)

func newStdioCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve a single MCP session over stdin and stdout",
		Long: `stdio serves one MCP session over newline-delimited JSON-RPC on stdin and
stdout, for clients that launch the server as a subprocess. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := persistentLogger(cmd)
			if err != nil {
				return err
			}
			var up stdio.UserProvider = stdio.OSUserProvider{}
			if user != "" {
				up = stdio.StaticUser(user)
			}
			return serveStdio(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), up, log)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "principal for the session (default the OS user)")
	return cmd
}

func serveStdio(ctx context.Context, in io.Reader, out io.Writer, up stdio.UserProvider, log *slog.Logger) error {
	user, err := stdio.CurrentUser(up)
	if err != nil {
		return errors.WithHint(err, "pass --user to set the principal explicitly")
	}

	t := stdio.NewTransport(stdio.WithIO(in, out), stdio.WithLogger(log))
	sess := session.New(t,
		session.WithLogger(log),
		session.WithPrincipal(user),
	)
	srv := mcpserver.New(
		mcp.ImplementationInfo{Name: serverName, Version: version},
		mcpserver.WithTools(demoTools()),
		mcpserver.WithLogger(log),
	)
	if err := srv.Serve(ctx, sess); err != nil {
		_ = sess.Close()
		return errors.Wrap(err, "installing MCP handlers")
	}
	sess.Start(ctx)

	err = sess.Wait()
	switch {
	case ctx.Err() != nil, errors.Is(err, io.EOF):
		return nil
	case err != nil:
		return errors.Wrap(err, "stdio session ended")
	}
	return nil
}
