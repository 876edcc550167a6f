package config

import (
	"strings"
	"time"

	env "github.com/allisson/go-env"
)

// Config captures everything the gateway reads from the environment so main
// stays lean. Optional backends (redis, postgres, kafka) are signalled by
// empty connection values and degrade to in-memory implementations.
type Config struct {
	Addr string

	// Broker upstream
	BrokerBaseURL      string
	BrokerLogin        string
	BrokerPassword     string
	PartnerID          string
	AuthTimeout        time.Duration
	AffiliationTimeout time.Duration
	// TokenNominalTTL is used when the broker token carries no parsable
	// expiry of its own.
	TokenNominalTTL time.Duration

	// Policy switches
	UpstreamEnabled bool
	DemoMode        bool
	AllowedOrigins  []string

	// Rate limiting
	ClientLimit      int
	ClientWindow     time.Duration
	IdentityLimit    int
	IdentityWindow   time.Duration
	RateLimitEnabled bool

	// Idempotency
	IdempotencyTTL time.Duration

	// Optional backends
	RedisURL     string
	PostgresURL  string
	KafkaBrokers []string
	KafkaTopic   string
}

// FromEnv builds a Config from environment variables with development-safe
// defaults. Credentials have no defaults; the upstream client rejects calls
// when they are missing.
func FromEnv() Config {
	return Config{
		Addr: env.GetString("AFFGATE_ADDR", ":8080"),

		BrokerBaseURL:      env.GetString("BROKER_BASE_URL", ""),
		BrokerLogin:        env.GetString("BROKER_LOGIN", ""),
		BrokerPassword:     env.GetString("BROKER_PASSWORD", ""),
		PartnerID:          env.GetString("PARTNER_ID", ""),
		AuthTimeout:        env.GetDuration("BROKER_AUTH_TIMEOUT_SECONDS", 15, time.Second),
		AffiliationTimeout: env.GetDuration("BROKER_AFFILIATION_TIMEOUT_SECONDS", 20, time.Second),
		TokenNominalTTL:    env.GetDuration("BROKER_TOKEN_TTL_SECONDS", 900, time.Second),

		UpstreamEnabled: env.GetBool("UPSTREAM_ENABLED", true),
		DemoMode:        env.GetBool("DEMO_MODE", false),
		AllowedOrigins:  splitCSV(env.GetString("ALLOWED_ORIGINS", "")),

		ClientLimit:      env.GetInt("RATE_LIMIT_CLIENT_MAX", 30),
		ClientWindow:     env.GetDuration("RATE_LIMIT_CLIENT_WINDOW_SECONDS", 300, time.Second),
		IdentityLimit:    env.GetInt("RATE_LIMIT_IDENTITY_MAX", 5),
		IdentityWindow:   env.GetDuration("RATE_LIMIT_IDENTITY_WINDOW_SECONDS", 600, time.Second),
		RateLimitEnabled: env.GetBool("RATE_LIMIT_ENABLED", true),

		IdempotencyTTL: env.GetDuration("IDEMPOTENCY_TTL_SECONDS", 86400, time.Second),

		RedisURL:     env.GetString("REDIS_URL", ""),
		PostgresURL:  env.GetString("POSTGRES_URL", ""),
		KafkaBrokers: splitCSV(env.GetString("KAFKA_BROKERS", "")),
		KafkaTopic:   env.GetString("KAFKA_AUDIT_TOPIC", "affgate.audit"),
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
