package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "SQLITE_PATH", "REDIS_ADDR", "CATALOG_CACHE_TTL_SECONDS", "SALE_MAX_ATTEMPTS", "LOCK_TIMEOUT_MS", "PHARMACY_TIMEZONE", "PROMOTIONS_ENABLED"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.DatabaseURL != "" || cfg.SQLitePath != "" {
		t.Fatalf("expected no store configured, got %+v", cfg)
	}
	if cfg.SaleMaxAttempts != 4 || cfg.LockTimeout() != 3*time.Second || cfg.CacheTTL() != time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Timezone != "UTC" || cfg.PromotionsEnabled {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("expected UTC location, got %v err=%v", loc, err)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("SQLITE_PATH", " /var/lib/pharmacy.db ")
	t.Setenv("SALE_MAX_ATTEMPTS", "0")
	t.Setenv("LOCK_TIMEOUT_MS", "-5")
	t.Setenv("CATALOG_CACHE_TTL_SECONDS", "15")
	t.Setenv("PROMOTIONS_ENABLED", "true")
	t.Setenv("PHARMACY_TIMEZONE", "Mars/Olympus")

	cfg := Load()
	if cfg.SQLitePath != "/var/lib/pharmacy.db" {
		t.Fatalf("expected trimmed sqlite path, got %q", cfg.SQLitePath)
	}
	if cfg.SaleMaxAttempts != 0 {
		t.Fatalf("expected attempts to be passed through for validation, got %d", cfg.SaleMaxAttempts)
	}
	if cfg.LockTimeoutMS != 3000 || cfg.CacheTTL() != 15*time.Second || !cfg.PromotionsEnabled {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := cfg.Location(); err == nil {
		t.Fatalf("expected unknown timezone to fail")
	}
}
