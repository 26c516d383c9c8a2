// Package stdio carries one MCP session over a pair of byte streams,
// normally the process's stdin and stdout. A host launches the server as a
// child process and exchanges newline-delimited JSON-RPC with it.
//
// There is exactly one peer per process, so there is no session id, no
// event store and no resumption. The peer is identified by a principal
// resolved once at startup from a UserProvider rather than from a bearer
// token.
//
//	tr := stdio.NewTransport()
//	who, err := stdio.CurrentUser(stdio.OSUserProvider{})
//	if err != nil {
//		return err
//	}
//	sess := session.New(tr, session.WithPrincipal(who))
//	if err := srv.Serve(ctx, sess); err != nil {
//		return err
//	}
//	sess.Start(ctx)
//	return sess.Wait()
//
// Deployments that serve many clients, or several replicas behind a load
// balancer, use the streaminghttp package instead.
package stdio
