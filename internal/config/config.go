package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultTokenTTL is the stream token lifetime. TOKEN_TTL may only raise it:
// clients refresh on a period tuned to this value.
const DefaultTokenTTL = 60 * time.Second

// Example env config:
// TOKEN_SECRET=change-me
// APP_SECRET=change-me-too
// APP_API_KEY=pk_live_...
// PUBLIC_BASE_URL=https://watch.example.com
// ALLOWED_ORIGIN_HOSTS=watch.example.com,.preview.example.app,localhost,127.0.0.1
// TRUSTED_CDN_HOSTS=cdn.example.com
// DIRECT_PLAY_HOSTS=cdn.example.com,media.example.com
// UTLS_HOSTS=protected-host.example
// UPSTREAM_PROXY=socks5://127.0.0.1:1080
// UPSTREAM_TIMEOUT=20s
// SIGN_RATE_LIMIT=120
// SIGN_RATE_WINDOW=1m
// INTERCEPT_TIMEOUT=30s
type Config struct {
	Port          string
	PublicBaseURL string
	LogLevel      string
	LogFormat     string

	TokenSecret string
	TokenTTL    time.Duration
	AppSecret   string
	APIKeys     []string
	AdminEmail  string
	AdminPass   string

	AllowedOriginHosts []string
	AllowMissingOrigin bool
	TrustedCDNHosts    []string
	DirectPlayHosts    []string

	UTLSHosts       []string
	UpstreamProxy   string
	UpstreamTimeout time.Duration

	SignRateLimit  int
	SignRateWindow time.Duration

	InterceptTimeout time.Duration

	ScyllaHosts []string
	ScyllaPort  int
	Keyspace    string
	Consistency string
	Replication int

	DBURL      string
	DBMaxConns int
	RedisURL   string

	OriginRefresh time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		Port:               envDefault("API_PORT", envDefault("PORT", "8080")),
		PublicBaseURL:      strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		LogLevel:           envDefault("LOG_LEVEL", "info"),
		LogFormat:          envDefault("LOG_FORMAT", "console"),
		TokenSecret:        os.Getenv("TOKEN_SECRET"),
		TokenTTL:           envDuration("TOKEN_TTL", DefaultTokenTTL),
		AppSecret:          os.Getenv("APP_SECRET"),
		APIKeys:            splitCSV(os.Getenv("APP_API_KEY")),
		AdminEmail:         os.Getenv("ADMIN_EMAIL"),
		AdminPass:          os.Getenv("ADMIN_PASSWORD"),
		AllowedOriginHosts: hostList(envDefault("ALLOWED_ORIGIN_HOSTS", "localhost,127.0.0.1")),
		AllowMissingOrigin: parseBool(os.Getenv("ALLOW_MISSING_ORIGIN"), true),
		TrustedCDNHosts:    hostList(os.Getenv("TRUSTED_CDN_HOSTS")),
		DirectPlayHosts:    hostList(os.Getenv("DIRECT_PLAY_HOSTS")),
		UTLSHosts:          hostList(os.Getenv("UTLS_HOSTS")),
		UpstreamProxy:      strings.TrimSpace(os.Getenv("UPSTREAM_PROXY")),
		UpstreamTimeout:    envDuration("UPSTREAM_TIMEOUT", 20*time.Second),
		SignRateLimit:      envDefaultInt("SIGN_RATE_LIMIT", 120),
		SignRateWindow:     envDuration("SIGN_RATE_WINDOW", time.Minute),
		InterceptTimeout:   envDuration("INTERCEPT_TIMEOUT", 30*time.Second),
		ScyllaHosts:        splitCSV(os.Getenv("SCYLLA_HOSTS")),
		ScyllaPort:         envDefaultInt("SCYLLA_PORT", 9042),
		Keyspace:           envDefault("SCYLLA_KEYSPACE", "cinerelay"),
		Consistency:        envDefault("SCYLLA_CONSISTENCY", "QUORUM"),
		Replication:        envDefaultInt("SCYLLA_RF", 3),
		DBURL:              os.Getenv("DB_URL"),
		DBMaxConns:         envDefaultInt("DB_MAX_CONNS", 10),
		RedisURL:           os.Getenv("REDIS_URL"),
		OriginRefresh:      envDuration("ORIGIN_REFRESH", 30*time.Second),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}
	if len(c.TokenSecret) < 16 {
		return fmt.Errorf("TOKEN_SECRET must be at least 16 bytes")
	}
	if c.AppSecret == "" {
		return fmt.Errorf("APP_SECRET is required")
	}
	if c.TokenTTL < DefaultTokenTTL {
		return fmt.Errorf("TOKEN_TTL must be at least %s", DefaultTokenTTL)
	}
	return nil
}

// CatalogEnabled reports whether a Scylla cluster is configured.
func (c Config) CatalogEnabled() bool {
	return len(c.ScyllaHosts) > 0
}

func envDefault(key, val string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return val
}

func envDefaultInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func hostList(raw string) []string {
	out := splitCSV(raw)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

func parseBool(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// OriginAllowList is ALLOWED_ORIGIN_HOSTS plus the host of PUBLIC_BASE_URL.
func (c Config) OriginAllowList() []string {
	out := append([]string(nil), c.AllowedOriginHosts...)
	if u, err := url.Parse(c.PublicBaseURL); err == nil && u.Hostname() != "" {
		out = append(out, strings.ToLower(u.Hostname()))
	}
	return out
}

// ProberConfig drives cmd/healthcheck.
type ProberConfig struct {
	DBURL       string
	DBMaxConns  int
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	UTLSHosts   []string
	Proxy       string
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func LoadProber() (ProberConfig, error) {
	cfg := ProberConfig{
		DBURL:       os.Getenv("DB_URL"),
		DBMaxConns:  envDefaultInt("DB_MAX_CONNS", 4),
		Interval:    envDuration("CHECK_INTERVAL", 30*time.Second),
		Timeout:     envDuration("CHECK_TIMEOUT", 5*time.Second),
		Concurrency: envDefaultInt("CHECK_CONCURRENCY", 8),
		UTLSHosts:   hostList(os.Getenv("UTLS_HOSTS")),
		Proxy:       strings.TrimSpace(os.Getenv("UPSTREAM_PROXY")),
		LogLevel:    envDefault("LOG_LEVEL", "info"),
		LogFormat:   envDefault("LOG_FORMAT", "console"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}
	if cfg.DBURL == "" {
		return cfg, fmt.Errorf("DB_URL is required")
	}
	return cfg, nil
}
