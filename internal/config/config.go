package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL            string
	SQLitePath             string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	CatalogCacheTTLSeconds int
	SaleMaxAttempts        int
	LockTimeoutMS          int
	Timezone               string
	PromotionsEnabled      bool
	PromotionsFile         string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	ttl, err := strconv.Atoi(getEnv("CATALOG_CACHE_TTL_SECONDS", "60"))
	if err != nil || ttl < 1 {
		ttl = 60
	}
	attempts, err := strconv.Atoi(getEnv("SALE_MAX_ATTEMPTS", "4"))
	if err != nil {
		attempts = 4
	}
	lockTimeout, err := strconv.Atoi(getEnv("LOCK_TIMEOUT_MS", "3000"))
	if err != nil || lockTimeout < 1 {
		lockTimeout = 3000
	}
	promotions, _ := strconv.ParseBool(getEnv("PROMOTIONS_ENABLED", "false"))

	cfg := Config{
		DatabaseURL:            strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:             strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		CatalogCacheTTLSeconds: ttl,
		SaleMaxAttempts:        attempts,
		LockTimeoutMS:          lockTimeout,
		Timezone:               getEnv("PHARMACY_TIMEZONE", "UTC"),
		PromotionsEnabled:      promotions,
		PromotionsFile:         getEnv("PROMOTIONS_FILE", "promotions.json"),
	}

	return cfg
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}

func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

// Location is the zone in which the current calendar day is evaluated.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("PHARMACY_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
