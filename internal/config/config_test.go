package config

import (
	"testing"
	"time"
)

func TestParseServerFlagsDefaults(t *testing.T) {
	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != defaultListen || cfg.DBPath != defaultDBPath {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MatchWindow != defaultMatchWindow || cfg.SessionWindow != defaultSessionWindow {
		t.Fatalf("unexpected window defaults: %+v", cfg)
	}
}

func TestParseServerFlagsOverrides(t *testing.T) {
	cfg, err := ParseServerFlags([]string{
		"-listen", ":9000",
		"-db", "/tmp/x.db",
		"-geo-cache-max", "50",
		"-provider-timeout", "500ms",
		"-session-window", "2h",
		"-match-window", "12h",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.DBPath != "/tmp/x.db" {
		t.Fatalf("flag overrides not applied: %+v", cfg)
	}
	if cfg.GeoCacheMaxEntries != 50 || cfg.ProviderTimeout != 500*time.Millisecond {
		t.Fatalf("flag overrides not applied: %+v", cfg)
	}
	if cfg.SessionWindow != 2*time.Hour || cfg.MatchWindow != 12*time.Hour {
		t.Fatalf("window overrides not applied: session=%v match=%v", cfg.SessionWindow, cfg.MatchWindow)
	}
}

func TestParseServerFlagsEnvFallback(t *testing.T) {
	t.Setenv("VISITID_LISTEN", ":7777")
	t.Setenv("VISITID_GEO_CACHE_MAX", "123")
	t.Setenv("VISITID_SESSION_WINDOW", "3h")

	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != ":7777" || cfg.GeoCacheMaxEntries != 123 {
		t.Fatalf("env fallback not applied: %+v", cfg)
	}
	if cfg.SessionWindow != 3*time.Hour {
		t.Fatalf("session window env fallback not applied: %v", cfg.SessionWindow)
	}

	// Flags still win over env.
	cfg, err = ParseServerFlags([]string{"-listen", ":8888"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != ":8888" {
		t.Fatalf("flag should beat env, got %q", cfg.Listen)
	}
}

func TestParseServerFlagsValidation(t *testing.T) {
	cases := [][]string{
		{"-geo-cache-max", "0"},
		{"-provider-timeout", "0s"},
		{"-session-window", "0s"},
		{"-match-window", "0s"},
	}
	for _, args := range cases {
		if _, err := ParseServerFlags(args); err == nil {
			t.Errorf("ParseServerFlags(%v) should fail validation", args)
		}
	}
}
