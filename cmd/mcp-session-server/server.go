package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/felixge/httpsnoop"
	"github.com/ggoodman/mcp-session-go/affinity"
	affinitymem "github.com/ggoodman/mcp-session-go/affinity/memorystore"
	affinityredis "github.com/ggoodman/mcp-session-go/affinity/redisstore"
	"github.com/ggoodman/mcp-session-go/auth"
	"github.com/ggoodman/mcp-session-go/eventstore"
	eventmem "github.com/ggoodman/mcp-session-go/eventstore/memorystore"
	eventredis "github.com/ggoodman/mcp-session-go/eventstore/redisstore"
	"github.com/ggoodman/mcp-session-go/internal/jwtauth"
	"github.com/ggoodman/mcp-session-go/internal/wellknown"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/mcpserver"
	"github.com/ggoodman/mcp-session-go/streaminghttp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const serverName = "mcp-session-server"

// app is a fully wired server. close releases everything build acquired.
type app struct {
	handler http.Handler
	mcp     *streaminghttp.Handler
	router  *affinity.Router
	closers []func() error
}

func (a *app) close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, a.closers[i]())
	}
	return err
}

func build(ctx context.Context, cfg *Config, log *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	events, owners, err := openStores(ctx, cfg, log, a)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := mcpserver.New(
		mcp.ImplementationInfo{Name: serverName, Version: version},
		mcpserver.WithTools(demoTools()),
		mcpserver.WithLogger(log),
	)

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithMetrics(reg),
		streaminghttp.WithKeepAlive(cfg.KeepAlive),
		streaminghttp.WithSessionIdleTimeout(cfg.SessionIdleTimeout),
		streaminghttp.WithMaxBodyBytes(cfg.MaxBodyBytes),
	}
	if cfg.Stateless {
		opts = append(opts, streaminghttp.WithStateless())
	}
	if cfg.LegacySSE {
		opts = append(opts, streaminghttp.WithLegacySSE())
	}
	var prm http.Handler
	if cfg.authEnabled() {
		authn, err := newAuthenticator(ctx, cfg)
		if err != nil {
			return nil, err
		}
		prm, err = wellknown.Handler(wellknown.ProtectedResourceMetadata{
			Resource:             cfg.resourceURL().String(),
			AuthorizationServers: cfg.AuthServers,
			JwksURI:              cfg.JWKSURL,
			ScopesSupported:      cfg.Scopes,
			ResourceName:         serverName,
		})
		if err != nil {
			return nil, errors.Wrap(err, "encoding protected resource metadata")
		}
		opts = append(opts,
			streaminghttp.WithAuthenticator(authn),
			streaminghttp.WithResourceMetadata(wellknown.ProtectedResourceURL(cfg.resourceURL())),
		)
		if cfg.Realm != "" {
			opts = append(opts, streaminghttp.WithRealm(cfg.Realm))
		}
	}

	h, err := streaminghttp.New(cfg.Endpoint, events, srv.Serve, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating MCP handler")
	}
	a.mcp = h
	a.closers = append(a.closers, h.Close)

	routerOpts := []affinity.Option{
		affinity.WithLogger(log),
		affinity.WithEndpointPath(cfg.Endpoint),
		affinity.WithMetrics(reg),
	}
	if cfg.OwnerID != "" {
		routerOpts = append(routerOpts, affinity.WithOwnerID(cfg.OwnerID))
	}
	a.router = affinity.NewRouter(owners, h, cfg.PublicAddress, routerOpts...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, accessLog(log))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"owner":    a.router.OwnerID(),
			"sessions": h.SessionCount(),
		})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	if prm != nil {
		r.Handle(wellknown.ProtectedResourcePath(cfg.resourceURL()), prm)
	}
	r.Handle(cfg.Endpoint, a.router)
	r.Handle(cfg.Endpoint+"/*", a.router)
	a.handler = r

	log.InfoContext(ctx, "server.build.ok",
		slog.String("store", cfg.Store),
		slog.String("endpoint", cfg.Endpoint),
		slog.String("owner", a.router.OwnerID()),
		slog.String("address", a.router.Address()),
		slog.Bool("stateless", cfg.Stateless),
		slog.Bool("auth", cfg.authEnabled()),
	)
	return a, nil
}

func openStores(ctx context.Context, cfg *Config, log *slog.Logger, a *app) (eventstore.Store, affinity.Store, error) {
	if cfg.Store == storeMemory {
		events := eventmem.New(eventmem.WithLogger(log))
		owners := affinitymem.New(affinitymem.WithLogger(log))
		a.closers = append(a.closers, events.Close, owners.Close)
		return events, owners, nil
	}

	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, nil, errors.WithHint(
			errors.Wrapf(err, "connecting to redis at %s", cfg.RedisAddr),
			"check --redis-addr or MCP_REDIS_ADDR")
	}
	a.closers = append(a.closers, cl.Close)

	events := eventredis.NewFromClient(cl, eventredis.Config{KeyPrefix: cfg.RedisPrefix + "events:"}, eventredis.WithLogger(log))
	a.closers = append(a.closers, events.Close)
	owners := affinityredis.NewFromClient(cl, affinityredis.Config{KeyPrefix: cfg.RedisPrefix + "affinity:"}, affinityredis.WithLogger(log))
	a.closers = append(a.closers, owners.Close)
	return events, owners, nil
}

func newAuthenticator(ctx context.Context, cfg *Config) (auth.Authenticator, error) {
	jc := &jwtauth.Config{
		Issuer:            cfg.JWTIssuer,
		ExpectedAudiences: cfg.JWTAudience,
		Leeway:            time.Minute,
	}
	if cfg.JWTSecret != "" {
		a, err := jwtauth.NewHMAC(jc, []byte(cfg.JWTSecret))
		return a, errors.Wrap(err, "configuring HMAC token verification")
	}
	a, err := jwtauth.NewStatic(ctx, jc, cfg.JWKSURL)
	return a, errors.Wrap(err, "configuring JWKS token verification")
}

// accessLog logs one line per request. httpsnoop keeps the Flusher the SSE
// streams depend on.
func accessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			log.DebugContext(r.Context(), "http.request",
				slog.String("req_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", m.Code),
				slog.Int64("bytes", m.Written),
				slog.Duration("dur", m.Duration),
			)
		})
	}
}

// serve runs the HTTP server until ctx is done, then drains it.
func serve(ctx context.Context, cfg *Config, a *app, log *slog.Logger) error {
	hs := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "server.listen", slog.String("addr", cfg.Addr))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "listening on %s", cfg.Addr)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.InfoContext(context.WithoutCancel(gctx), "server.shutdown.start")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		// Closing the MCP handler first ends the long-lived SSE streams that
		// Shutdown would otherwise wait on.
		_ = a.mcp.Close()
		if err := hs.Shutdown(sctx); err != nil {
			return errors.Wrap(err, "shutting down http server")
		}
		return nil
	})
	return g.Wait()
}
