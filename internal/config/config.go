package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	LocalDomain     string
	ExternalBaseURL string
	DatabaseURL     string

	// SignFetch controls whether outbound actor/WebFinger fetches carry an
	// HTTP Signature from the system actor. Disable only against instances
	// that reject signed GETs outright; delivery POSTs are always signed.
	SignFetch bool

	Port string

	// Stator runner tuning (defaults mirror the reference implementation).
	StatorConcurrency         int           // STATOR_CONCURRENCY — overall worker pool size (default 30)
	StatorConcurrencyPerModel int           // STATOR_CONCURRENCY_PER_MODEL — per-entity-type cap per cycle (default 15)
	StatorScheduleInterval    time.Duration // STATOR_SCHEDULE_INTERVAL — schedule/lock sweep period (default 60s)
	StatorDeleteInterval      time.Duration // STATOR_DELETE_INTERVAL — terminal-state GC period (default 30s)
	StatorLockExpiry          time.Duration // STATOR_LOCK_EXPIRY — lease duration stamped on claimed rows (default 300s)
	StatorLivenessFile        string        // STATOR_LIVENESS_FILE — touched on every schedule sweep, empty disables

	// Federation tuning. FederationConcurrency, ResyncInterval,
	// InboxBodyLimit and DateSkew are loaded but not read elsewhere: the
	// inbox receiver uses a fixed 100 KiB body cap and signatures.Verify a
	// fixed 5-minute Date skew.
	FederationConcurrency int           // FEDERATION_CONCURRENCY — max concurrent outbound deliveries per fan-out batch (default 10)
	ActorCacheTTL         time.Duration // ACTOR_CACHE_TTL — TTL for the actor/webfinger resolution cache (default 1h)
	ResyncInterval        time.Duration // RESYNC_INTERVAL — how often stale remote identities are re-fetched (default 24h)
	InboxBodyLimit        int64         // INBOX_BODY_LIMIT — max accepted inbox body size in bytes (default 100KB)
	HTTPTimeout           time.Duration // HTTP_TIMEOUT — outbound signed request deadline (default 30s)
	DateSkew              time.Duration // DATE_SKEW — HTTP Signature Date header tolerance (default 5m)
}

// Load reads configuration from environment variables.
// Exits the process if required variables (LOCAL_DOMAIN) are missing.
func Load() *Config {
	localDomain := os.Getenv("LOCAL_DOMAIN")
	if localDomain == "" {
		fmt.Fprintln(os.Stderr, "ERROR: LOCAL_DOMAIN is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the externally reachable base URL of this server, e.g. https://example.social")
		os.Exit(1)
	}

	return &Config{
		LocalDomain:     localDomain,
		ExternalBaseURL: getEnv("EXTERNAL_BASE_URL", localDomain),
		DatabaseURL:     getEnv("DATABASE_URL", "fedcore.db"),

		SignFetch: getEnv("SIGN_FETCH", "true") != "false",

		Port: getEnv("PORT", "8000"),

		StatorConcurrency:         parseInt(os.Getenv("STATOR_CONCURRENCY"), 30),
		StatorConcurrencyPerModel: parseInt(os.Getenv("STATOR_CONCURRENCY_PER_MODEL"), 15),
		StatorScheduleInterval:    parseDuration(os.Getenv("STATOR_SCHEDULE_INTERVAL"), 60*time.Second),
		StatorDeleteInterval:      parseDuration(os.Getenv("STATOR_DELETE_INTERVAL"), 30*time.Second),
		StatorLockExpiry:          parseDuration(os.Getenv("STATOR_LOCK_EXPIRY"), 300*time.Second),
		StatorLivenessFile:        os.Getenv("STATOR_LIVENESS_FILE"),

		FederationConcurrency: parseInt(os.Getenv("FEDERATION_CONCURRENCY"), 10),
		ActorCacheTTL:         parseDuration(os.Getenv("ACTOR_CACHE_TTL"), time.Hour),
		ResyncInterval:        parseDuration(os.Getenv("RESYNC_INTERVAL"), 24*time.Hour),
		InboxBodyLimit:        int64(parseInt(os.Getenv("INBOX_BODY_LIMIT"), 100*1024)),
		HTTPTimeout:           parseDuration(os.Getenv("HTTP_TIMEOUT"), 30*time.Second),
		DateSkew:              parseDuration(os.Getenv("DATE_SKEW"), 5*time.Minute),
	}
}

// URL returns the parsed local domain as a *url.URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.LocalDomain)
	return u
}

// BaseURL constructs an absolute URL from a path.
func (c *Config) BaseURL(path string) string {
	return strings.TrimRight(c.LocalDomain, "/") + path
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
