package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pollbridge/protocol"
	"pollbridge/server/session"
	"pollbridge/server/upstream"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

const envPrefix = "POLLBRIDGE_"

// Config holds all resolved server configuration
type Config struct {
	HTTPPort            string
	WSPath              string
	MetricsPort         string // If set, serve /metrics on separate port
	ServerID            string
	UpstreamURL         string
	UpstreamTimeout     time.Duration
	UpstreamStatusCodes string
	UpstreamHTTP2       bool
	UpstreamMaxBody     int64
	PollBudget          time.Duration
	PollInterval        time.Duration
	PingTimeout         time.Duration
	FailurePolicy       string
	MaxMessageSize      int64
	AllowedOrigins      []string
	ShutdownTimeout     time.Duration
	LogLevel            string
	LogFormat           string
}

// flagValues holds raw flag strings; empty means "not given"
type flagValues struct {
	httpPort            string
	wsPath              string
	metricsPort         string
	serverID            string
	upstreamURL         string
	upstreamTimeout     string
	upstreamStatusCodes string
	upstreamHTTP2       string
	upstreamMaxBody     string
	pollBudget          string
	pollInterval        string
	pingTimeout         string
	failurePolicy       string
	maxMessageSize      string
	allowedOrigins      string
	shutdownTimeout     string
	logLevel            string
	logFormat           string
}

func newFlagSet(v *flagValues) *pflag.FlagSet {
	fs := pflag.NewFlagSet("pollbridge", pflag.ContinueOnError)
	fs.Usage = func() {}
	fs.StringVar(&v.httpPort, "http-port", "",
		"Port for HTTP server (env: POLLBRIDGE_HTTP_PORT)")
	fs.StringVar(&v.wsPath, "ws-path", "",
		"Path of the WebSocket endpoint (env: POLLBRIDGE_WS_PATH)")
	fs.StringVar(&v.metricsPort, "metrics-port", "",
		"Port for /metrics endpoint; if empty, served on main port (env: POLLBRIDGE_METRICS_PORT)")
	fs.StringVar(&v.serverID, "server-id", "",
		"Server ID (env: POLLBRIDGE_SERVER_ID)")
	fs.StringVar(&v.upstreamURL, "upstream-url", "",
		"URL polled on behalf of clients (env: POLLBRIDGE_UPSTREAM_URL)")
	fs.StringVar(&v.upstreamTimeout, "upstream-timeout", "",
		"Timeout for a single upstream call (env: POLLBRIDGE_UPSTREAM_TIMEOUT)")
	fs.StringVar(&v.upstreamStatusCodes, "upstream-status-codes", "",
		"Accepted upstream status codes, e.g. 200-299,304 (env: POLLBRIDGE_UPSTREAM_STATUS_CODES)")
	fs.StringVar(&v.upstreamHTTP2, "upstream-http2", "",
		"Enable HTTP/2 for TLS upstreams (env: POLLBRIDGE_UPSTREAM_HTTP2)")
	fs.StringVar(&v.upstreamMaxBody, "upstream-max-body", "",
		"Maximum upstream body bytes read per call (env: POLLBRIDGE_UPSTREAM_MAX_BODY)")
	fs.StringVar(&v.pollBudget, "poll-budget", "",
		"Total polling time per request (env: POLLBRIDGE_POLL_BUDGET)")
	fs.StringVar(&v.pollInterval, "poll-interval", "",
		"Wait between upstream calls (env: POLLBRIDGE_POLL_INTERVAL)")
	fs.StringVar(&v.pingTimeout, "ping-timeout", "",
		"Write deadline for pings and responses (env: POLLBRIDGE_PING_TIMEOUT)")
	fs.StringVar(&v.failurePolicy, "failure-policy", "",
		"What to do after a request times out: report, close (env: POLLBRIDGE_FAILURE_POLICY)")
	fs.StringVar(&v.maxMessageSize, "max-message-size", "",
		"Maximum inbound WebSocket message size in bytes (env: POLLBRIDGE_MAX_MESSAGE_SIZE)")
	fs.StringVar(&v.allowedOrigins, "allowed-origins", "",
		"Comma-separated allowed Origin values; empty allows any (env: POLLBRIDGE_ALLOWED_ORIGINS)")
	fs.StringVar(&v.shutdownTimeout, "shutdown-timeout", "",
		"Graceful shutdown timeout for draining sessions (env: POLLBRIDGE_SHUTDOWN_TIMEOUT)")
	fs.StringVar(&v.logLevel, "log-level", "",
		"Log level: DEBUG, INFO, WARN, ERROR (env: POLLBRIDGE_LOG_LEVEL)")
	fs.StringVar(&v.logFormat, "log-format", "",
		"Log format: json, console (env: POLLBRIDGE_LOG_FORMAT)")
	return fs
}

// Load parses args, reads env vars through getenv, applies defaults, and
// returns Config. pflag.ErrHelp is returned unchanged for --help.
func Load(args []string, getenv func(string) string) (*Config, error) {
	var v flagValues
	fs := newFlagSet(&v)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	r := resolver{getenv: getenv}
	cfg := &Config{
		HTTPPort:            r.str(v.httpPort, "HTTP_PORT", "3000"),
		WSPath:              r.str(v.wsPath, "WS_PATH", "/ws"),
		MetricsPort:         r.str(v.metricsPort, "METRICS_PORT", ""),
		ServerID:            r.str(v.serverID, "SERVER_ID", uuid.New().String()[:8]),
		UpstreamURL:         r.str(v.upstreamURL, "UPSTREAM_URL", "https://api.example.com/data"),
		UpstreamTimeout:     r.duration(v.upstreamTimeout, "UPSTREAM_TIMEOUT", 10*time.Second),
		UpstreamStatusCodes: r.str(v.upstreamStatusCodes, "UPSTREAM_STATUS_CODES", "200-299"),
		UpstreamHTTP2:       r.boolean(v.upstreamHTTP2, "UPSTREAM_HTTP2", false),
		UpstreamMaxBody:     r.integer(v.upstreamMaxBody, "UPSTREAM_MAX_BODY", 1<<20),
		PollBudget:          r.duration(v.pollBudget, "POLL_BUDGET", 180*time.Second),
		PollInterval:        r.duration(v.pollInterval, "POLL_INTERVAL", 5*time.Second),
		PingTimeout:         r.duration(v.pingTimeout, "PING_TIMEOUT", 5*time.Second),
		FailurePolicy:       r.str(v.failurePolicy, "FAILURE_POLICY", string(session.PolicyReport)),
		MaxMessageSize:      r.integer(v.maxMessageSize, "MAX_MESSAGE_SIZE", 64*1024),
		AllowedOrigins:      splitList(r.str(v.allowedOrigins, "ALLOWED_ORIGINS", "")),
		ShutdownTimeout:     r.duration(v.shutdownTimeout, "SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:            r.str(v.logLevel, "LOG_LEVEL", "INFO"),
		LogFormat:           r.str(v.logFormat, "LOG_FORMAT", "json"),
	}

	return cfg, nil
}

// Usage returns the flag help text
func Usage() string {
	var v flagValues
	return newFlagSet(&v).FlagUsages()
}

// resolver applies the flag, then env var, then default chain
type resolver struct {
	getenv func(string) string
}

// str returns the first non-empty value from: flag, env var, default
func (r resolver) str(flagVal, env, defaultVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if r.getenv != nil {
		if val := r.getenv(envPrefix + env); val != "" {
			return val
		}
	}
	return defaultVal
}

// duration supports both duration strings ("10s", "1m") and plain seconds ("60")
func (r resolver) duration(flagVal, env string, defaultVal time.Duration) time.Duration {
	val := r.str(flagVal, env, "")
	if val == "" {
		return defaultVal
	}
	return protocol.ParseDuration(val, defaultVal)
}

func (r resolver) integer(flagVal, env string, defaultVal int64) int64 {
	val := r.str(flagVal, env, "")
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func (r resolver) boolean(flagVal, env string, defaultVal bool) bool {
	val := r.str(flagVal, env, "")
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that config values are usable and returns an error if not
func (c *Config) Validate() error {
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid --upstream-url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("--upstream-url must be an absolute http(s) URL, got %q", c.UpstreamURL)
	}
	if c.PollBudget <= 0 {
		return fmt.Errorf("--poll-budget must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be positive")
	}
	if _, err := session.ParseFailurePolicy(c.FailurePolicy); err != nil {
		return fmt.Errorf("invalid --failure-policy: %w", err)
	}
	if _, err := upstream.ParseStatusCodes(c.UpstreamStatusCodes); err != nil {
		return fmt.Errorf("invalid --upstream-status-codes: %w", err)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("--ws-path must start with /, got %q", c.WSPath)
	}
	return nil
}

// LogFields returns key-value pairs for structured logging of config
func (c *Config) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"httpPort":        c.HTTPPort,
		"wsPath":          c.WSPath,
		"serverID":        c.ServerID,
		"upstreamURL":     c.UpstreamURL,
		"upstreamTimeout": c.UpstreamTimeout.String(),
		"upstreamHTTP2":   c.UpstreamHTTP2,
		"pollBudget":      c.PollBudget.String(),
		"pollInterval":    c.PollInterval.String(),
		"failurePolicy":   c.FailurePolicy,
		"maxMessageSize":  c.MaxMessageSize,
		"shutdownTimeout": c.ShutdownTimeout.String(),
		"logLevel":        c.LogLevel,
		"logFormat":       c.LogFormat,
	}
}
