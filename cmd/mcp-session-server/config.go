package main

import (
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix namespaces environment overrides, e.g. MCP_REDIS_ADDR.
const envPrefix = "MCP"

const (
	storeMemory = "memory"
	storeRedis  = "redis"
)

// Config is the server configuration. Keys match flag names; precedence is
// flags, then MCP_* environment variables, then the config file.
type Config struct {
	Addr               string        `mapstructure:"addr"`
	Endpoint           string        `mapstructure:"endpoint"`
	PublicAddress      string        `mapstructure:"public-address"`
	OwnerID            string        `mapstructure:"owner-id"`
	Store              string        `mapstructure:"store"`
	RedisAddr          string        `mapstructure:"redis-addr"`
	RedisPrefix        string        `mapstructure:"redis-prefix"`
	Stateless          bool          `mapstructure:"stateless"`
	LegacySSE          bool          `mapstructure:"legacy-sse"`
	KeepAlive          time.Duration `mapstructure:"keep-alive"`
	SessionIdleTimeout time.Duration `mapstructure:"session-idle-timeout"`
	MaxBodyBytes       int64         `mapstructure:"max-body-bytes"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown-timeout"`
	LogLevel           string        `mapstructure:"log-level"`
	LogFormat          string        `mapstructure:"log-format"`
	JWTIssuer          string        `mapstructure:"jwt-issuer"`
	JWTAudience        []string      `mapstructure:"jwt-audience"`
	JWTSecret          string        `mapstructure:"jwt-secret"`
	JWKSURL            string        `mapstructure:"jwks-url"`
	Realm              string        `mapstructure:"realm"`
	AuthServers        []string      `mapstructure:"authorization-server"`
	Scopes             []string      `mapstructure:"scopes"`
}

func addServeFlags(fs *pflag.FlagSet) {
	fs.String("addr", ":8080", "listen address")
	fs.String("endpoint", "/mcp", "MCP endpoint path")
	fs.String("public-address", "", "base URL other instances use to reach this one (default derived from --addr)")
	fs.String("owner-id", "", "stable instance id for session ownership (default random per process)")
	fs.String("store", storeMemory, "event and affinity store: memory, redis")
	fs.String("redis-addr", "localhost:6379", "redis address for --store=redis")
	fs.String("redis-prefix", "mcp:", "key prefix for --store=redis")
	fs.Bool("stateless", false, "serve every POST with a throwaway session")
	fs.Bool("legacy-sse", false, "also serve the HTTP+SSE endpoints at {endpoint}/sse and {endpoint}/message")
	fs.Duration("keep-alive", 30*time.Second, "interval between SSE keep-alive comments, 0 to disable")
	fs.Duration("session-idle-timeout", 30*time.Minute, "close sessions without traffic for this long, 0 to disable")
	fs.Int64("max-body-bytes", 4<<20, "maximum POST body size")
	fs.Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight requests on shutdown")
	fs.String("jwt-issuer", "", "expected token issuer; enables bearer authentication")
	fs.StringSlice("jwt-audience", nil, "accepted token audiences")
	fs.String("jwt-secret", "", "HMAC secret for HS256 tokens")
	fs.String("jwks-url", "", "JWKS URL for asymmetrically signed tokens")
	fs.String("realm", "", "realm advertised in WWW-Authenticate challenges")
	fs.StringSlice("authorization-server", nil, "authorization servers advertised in protected resource metadata (default the issuer)")
	fs.StringSlice("scopes", nil, "scopes advertised in protected resource metadata")
}

func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "binding flags")
	}
	return v, nil
}

// loadConfig reads path (when set) into v and decodes the merged settings.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WithHint(
				errors.Wrapf(err, "reading config file %s", path),
				"config files may be YAML, JSON or TOML; keys match flag names")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if !strings.HasPrefix(c.Endpoint, "/") {
		return errors.WithHint(errors.Newf("invalid endpoint %q", c.Endpoint), "the endpoint must be an absolute path such as /mcp")
	}
	switch c.Store {
	case storeMemory, storeRedis:
	default:
		return errors.WithHint(errors.Newf("unknown store %q", c.Store), "use --store=memory or --store=redis")
	}
	if c.JWTSecret != "" && c.JWKSURL != "" {
		return errors.WithHint(errors.New("both --jwt-secret and --jwks-url are set"), "choose one token verification method")
	}
	if (c.JWTSecret != "" || c.JWKSURL != "") && (c.JWTIssuer == "" || len(c.JWTAudience) == 0) {
		return errors.WithHint(errors.New("token verification needs an issuer and an audience"), "set --jwt-issuer and --jwt-audience")
	}
	if c.authEnabled() && len(c.AuthServers) == 0 {
		c.AuthServers = []string{c.JWTIssuer}
	}
	if c.PublicAddress == "" {
		host, port, err := net.SplitHostPort(c.Addr)
		if err != nil {
			return errors.Wrapf(err, "parsing listen address %q", c.Addr)
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		c.PublicAddress = "http://" + net.JoinHostPort(host, port)
	}
	if u, err := url.Parse(c.PublicAddress); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.WithHint(errors.Newf("invalid public address %q", c.PublicAddress), "use a base URL such as http://10.0.0.5:8080")
	}
	return nil
}

func (c *Config) authEnabled() bool { return c.JWTSecret != "" || c.JWKSURL != "" }

// resourceURL is the public URL of the MCP endpoint.
func (c *Config) resourceURL() *url.URL {
	u, _ := url.Parse(strings.TrimRight(c.PublicAddress, "/") + c.Endpoint)
	return u
}
