package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"GATEWAY_ENVIRONMENT", "GATEWAY_CACHE_TTL", "GATEWAY_CACHE_CAPACITY", "GATEWAY_EPHEMERAL_ONLY_TYPES",
	} {
		os.Unsetenv(key)
	}

	cfg := Load()
	if cfg.Environment != "production" {
		t.Errorf("Environment = %q, want production", cfg.Environment)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want 5m", cfg.CacheTTL)
	}
	if cfg.CacheCapacity != 10000 {
		t.Errorf("CacheCapacity = %d, want 10000", cfg.CacheCapacity)
	}
	if cfg.IsEphemeralOnly("session") {
		t.Errorf("IsEphemeralOnly(session) = true with no configured types, want false")
	}
}

func TestLoadOverridesAndEphemeralOnlySet(t *testing.T) {
	os.Setenv("GATEWAY_ENVIRONMENT", "staging")
	os.Setenv("GATEWAY_EPHEMERAL_ONLY_TYPES", "session, matchmaking_ticket")
	os.Setenv("GATEWAY_CACHE_CAPACITY", "2500")
	defer func() {
		os.Unsetenv("GATEWAY_ENVIRONMENT")
		os.Unsetenv("GATEWAY_EPHEMERAL_ONLY_TYPES")
		os.Unsetenv("GATEWAY_CACHE_CAPACITY")
	}()

	cfg := Load()
	if cfg.Environment != "staging" {
		t.Errorf("Environment = %q, want staging", cfg.Environment)
	}
	if cfg.CacheCapacity != 2500 {
		t.Errorf("CacheCapacity = %d, want 2500", cfg.CacheCapacity)
	}
	if !cfg.IsEphemeralOnly("session") || !cfg.IsEphemeralOnly("matchmaking_ticket") {
		t.Errorf("expected session and matchmaking_ticket to be ephemeral-only, got %v", cfg.EphemeralOnlyTypes)
	}
	if cfg.IsEphemeralOnly("player") {
		t.Errorf("IsEphemeralOnly(player) = true, want false")
	}
}
