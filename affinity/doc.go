// Package affinity routes HTTP requests for a stateful MCP session to the
// instance that holds the session's live state.
//
// Each process generates an owner id at start up. The first instance to see a
// session id claims it in a shared Store; subsequent requests reaching any
// other instance are proxied to the owner's address. A record that names the
// local address but a foreign owner id was left behind by a previous run of
// this instance and is discarded.
//
// The Router is an http.Handler placed in front of the streamable HTTP
// handler:
//
//	store := affinityredis.NewFromClient(rdb, affinityredis.Config{})
//	router := affinity.NewRouter(store, mcpHandler, "http://10.0.0.7:8080",
//		affinity.WithEndpointPath("/mcp"),
//	)
//	http.ListenAndServe(":8080", router)
package affinity
