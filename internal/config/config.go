package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AIAleph/flowtrace/internal/btc"
	"github.com/AIAleph/flowtrace/internal/eth"
	"github.com/AIAleph/flowtrace/internal/flow"
	"github.com/AIAleph/flowtrace/internal/retrieve"
	"github.com/AIAleph/flowtrace/internal/score"
	"github.com/AIAleph/flowtrace/internal/tracer"
	"github.com/AIAleph/flowtrace/internal/trx"
)

const (
	minMaxDepth        = 1
	maxMaxDepth        = 20
	minMaxNodes        = 1
	maxMaxNodes        = 10000
	minMaxCandidates   = 1
	maxMaxCandidates   = 1000
	minDeadline        = 100 * time.Millisecond
	maxDeadline        = 30 * time.Minute
	minDecayBase       = 0.01
	maxDecayBase       = 1.0
	minConcurrency     = 1
	maxConcurrency     = 64
	maxRateLimit       = 200
	minRateLimit       = 0
	minHTTPRetries     = 0
	maxHTTPRetries     = 10
	maxBackoff         = time.Minute
	minCacheTTL        = 0
	maxCacheTTL        = 24 * time.Hour
	maxCacheSize       = 1 << 20
	defaultHTTPRetries = 2
)

// Config holds 12-factor environment configuration used across binaries.
type Config struct {
	EtherscanURL     string
	EtherscanAPIKey  string
	EsploraURL       string
	TronGridURL      string
	TronGridAPIKey   string
	MaxDepth         int
	MaxNodes         int
	MaxCandidates    int
	Deadline         time.Duration
	DecayBase        float64
	MixingThreshold  float64
	Concurrency      int
	RateLimit        int
	HTTPRetries      int
	HTTPBackoffBase  time.Duration
	RateLimitBackoff time.Duration
	CacheTTL         time.Duration
	CacheSize        int
	LogLevel         string
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func parseFloatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}

func parseDurEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// RedactURL hides credentials and api keys in endpoint URLs to avoid logging secrets.
func RedactURL(s string) string {
	if s == "" {
		return s
	}
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			u.User = url.UserPassword(name, "***")
		} else {
			u.User = url.User("***")
		}
	}
	q := u.Query()
	changed := false
	for k := range q {
		switch strings.ToLower(k) {
		case "apikey", "api_key", "key", "token":
			q.Set(k, "***")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Load reads environment variables and returns a Config with defaults applied.
func Load() Config {
	return Config{
		EtherscanURL:     env("ETHERSCAN_URL", eth.DefaultEndpoint),
		EtherscanAPIKey:  env("ETHERSCAN_API_KEY", ""),
		EsploraURL:       env("ESPLORA_URL", btc.DefaultEndpoint),
		TronGridURL:      env("TRONGRID_URL", trx.DefaultEndpoint),
		TronGridAPIKey:   env("TRONGRID_API_KEY", ""),
		MaxDepth:         clampInt(parseIntEnv("TRACE_MAX_DEPTH", flow.DefaultMaxDepth), minMaxDepth, maxMaxDepth),
		MaxNodes:         clampInt(parseIntEnv("TRACE_MAX_NODES", flow.DefaultMaxNodes), minMaxNodes, maxMaxNodes),
		MaxCandidates:    clampInt(parseIntEnv("TRACE_MAX_CANDIDATES", score.DefaultMaxCandidates), minMaxCandidates, maxMaxCandidates),
		Deadline:         clampDuration(parseDurEnv("TRACE_DEADLINE", tracer.DefaultDeadline), minDeadline, maxDeadline),
		DecayBase:        clampFloat(parseFloatEnv("TRACE_DECAY_BASE", score.DefaultDecayBase), minDecayBase, maxDecayBase),
		MixingThreshold:  clampFloat(parseFloatEnv("TRACE_MIXING_THRESHOLD", flow.DefaultMixingThreshold), 0, 1),
		Concurrency:      clampInt(parseIntEnv("FETCH_CONCURRENCY", tracer.DefaultConcurrency), minConcurrency, maxConcurrency),
		RateLimit:        clampInt(parseIntEnv("RATE_LIMIT", 0), minRateLimit, maxRateLimit),
		HTTPRetries:      clampInt(parseIntEnv("HTTP_RETRIES", defaultHTTPRetries), minHTTPRetries, maxHTTPRetries),
		HTTPBackoffBase:  clampDuration(parseDurEnv("HTTP_BACKOFF_BASE", retrieve.DefaultBackoff), time.Millisecond, maxBackoff),
		RateLimitBackoff: clampDuration(parseDurEnv("RATE_LIMIT_BACKOFF", retrieve.DefaultRateLimitBackoff), time.Millisecond, maxBackoff),
		CacheTTL:         clampDuration(parseDurEnv("CACHE_TTL", retrieve.DefaultCacheTTL), minCacheTTL, maxCacheTTL),
		CacheSize:        clampInt(parseIntEnv("CACHE_SIZE", retrieve.DefaultCacheSize), 0, maxCacheSize),
		LogLevel:         env("LOG_LEVEL", "info"),
	}
}

// Options translates the configuration into analysis options. HTTPRetries
// counts retries, so attempts are one more. A zero CacheTTL disables the
// record cache.
func (c Config) Options() tracer.Options {
	o := tracer.DefaultOptions()
	o.MaxDepth = c.MaxDepth
	o.MaxNodes = c.MaxNodes
	o.MaxCandidates = c.MaxCandidates
	o.Deadline = c.Deadline
	o.DecayBase = c.DecayBase
	o.MixingThreshold = c.MixingThreshold
	o.Concurrency = c.Concurrency
	o.Retry = retrieve.Options{
		MaxAttempts:      c.HTTPRetries + 1,
		Backoff:          c.HTTPBackoffBase,
		RateLimitBackoff: c.RateLimitBackoff,
		RateLimit:        c.RateLimit,
		CacheTTL:         c.CacheTTL,
		CacheSize:        uint64(c.CacheSize),
		DisableCache:     c.CacheTTL == 0 || c.CacheSize == 0,
	}
	return o
}
