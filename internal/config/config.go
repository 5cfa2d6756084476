package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the auth service needs. Components receive
// the values at construction; nothing reads the environment after Load.
type Config struct {
	Env        string
	ListenAddr string
	DatabaseDSN string

	AccessTokenSecret  string
	RefreshTokenSecret string
	Issuer             string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration

	BcryptCost int

	RateLimitWindow   time.Duration
	RateLimitMax      int
	LockoutThreshold  int
	LockoutDuration   time.Duration

	SessionIdleTTL    time.Duration
	SessionMaxTTL     time.Duration
	TrustThreshold    int

	TwoFactorCodeTTL     time.Duration
	TwoFactorMaxAttempts int

	SweepInterval time.Duration
}

// Load builds Config from the environment with production defaults.
func Load() *Config {
	return &Config{
		Env:         getEnv("EMBERLY_ENV", "development"),
		ListenAddr:  getEnv("EMBERLY_LISTEN_ADDR", ":8080"),
		DatabaseDSN: os.Getenv("EMBERLY_PG_DSN"),

		AccessTokenSecret:  mustGetEnv("EMBERLY_ACCESS_SECRET"),
		RefreshTokenSecret: mustGetEnv("EMBERLY_REFRESH_SECRET"),
		Issuer:             getEnv("EMBERLY_TOKEN_ISSUER", "emberly-auth"),
		AccessTokenTTL:     getEnvDuration("EMBERLY_ACCESS_TTL", 24*time.Hour),
		RefreshTokenTTL:    getEnvDuration("EMBERLY_REFRESH_TTL", 30*24*time.Hour),

		BcryptCost: getEnvInt("EMBERLY_BCRYPT_COST", 12),

		RateLimitWindow:  getEnvDuration("EMBERLY_RATE_WINDOW", 15*time.Minute),
		RateLimitMax:     getEnvInt("EMBERLY_RATE_MAX", 10),
		LockoutThreshold: getEnvInt("EMBERLY_LOCKOUT_THRESHOLD", 5),
		LockoutDuration:  getEnvDuration("EMBERLY_LOCKOUT_DURATION", 30*time.Minute),

		SessionIdleTTL: getEnvDuration("EMBERLY_SESSION_IDLE_TTL", 24*time.Hour),
		SessionMaxTTL:  getEnvDuration("EMBERLY_SESSION_MAX_TTL", 30*24*time.Hour),
		TrustThreshold: getEnvInt("EMBERLY_TRUST_THRESHOLD", 60),

		TwoFactorCodeTTL:     getEnvDuration("EMBERLY_2FA_CODE_TTL", 5*time.Minute),
		TwoFactorMaxAttempts: getEnvInt("EMBERLY_2FA_MAX_ATTEMPTS", 5),

		SweepInterval: getEnvDuration("EMBERLY_SWEEP_INTERVAL", 10*time.Minute),
	}
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func mustGetEnv(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	log.Fatalf("missing required environment variable: %s", key)
	return ""
}

func getEnvInt(key string, defaultVal int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid value for %s, using default %d", key, defaultVal)
		return defaultVal
	}
	return val
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid value for %s, using default %s", key, defaultVal)
		return defaultVal
	}
	return val
}
