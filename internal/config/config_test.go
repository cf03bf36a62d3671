package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesTOMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "termmux.toml")
	err := os.WriteFile(tomlPath, []byte(`
[hub]
listen_addr = ":9000"
auth_mode = "jwt"
jwt_secret = "from-toml"

[recorder]
dir = "/tmp/records"
rotation_period = "1h"
`), 0o644)
	if err != nil {
		t.Fatalf("write toml: %v", err)
	}

	t.Setenv("TERMMUX_HUB_JWT_SECRET", "from-env")

	cfg, err := Load(tomlPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.ListenAddr != ":9000" {
		t.Fatalf("want listen_addr from toml, got %q", cfg.Hub.ListenAddr)
	}
	if cfg.Hub.JWTSecret != "from-env" {
		t.Fatalf("want env override to win, got %q", cfg.Hub.JWTSecret)
	}
	if cfg.Recorder.RotationPeriod.Duration != time.Hour {
		t.Fatalf("want 1h rotation period, got %v", cfg.Recorder.RotationPeriod.Duration)
	}
}

func TestValidateRejectsMissingJWTSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Hub.AuthMode = AuthJWT
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing jwt_secret")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}
