package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML file at path (if non-empty and present) over
// Defaults(), loads a .env file if present, then applies TERMMUX_*
// environment overrides. The returned Config is not validated; call
// Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, err
			}
		}
	}

	_ = godotenv.Load()
	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Hub.ListenAddr, "TERMMUX_HUB_LISTEN_ADDR")
	setAuthMode(&cfg.Hub.AuthMode, "TERMMUX_HUB_AUTH_MODE")
	setStr(&cfg.Hub.JWTSecret, "TERMMUX_HUB_JWT_SECRET")
	setDuration(&cfg.Hub.AuthTimeout, "TERMMUX_HUB_AUTH_TIMEOUT")

	setStr(&cfg.OAuth2.ClientID, "TERMMUX_OAUTH2_CLIENT_ID")
	setStr(&cfg.OAuth2.ClientSecret, "TERMMUX_OAUTH2_CLIENT_SECRET")
	setStr(&cfg.OAuth2.TokenURL, "TERMMUX_OAUTH2_TOKEN_URL")

	setStr(&cfg.Recorder.Dir, "TERMMUX_RECORDER_DIR")
	setDuration(&cfg.Recorder.RotationPeriod, "TERMMUX_RECORDER_ROTATION_PERIOD")
	setStr(&cfg.Recorder.ArchiveS3Bucket, "TERMMUX_RECORDER_ARCHIVE_S3_BUCKET")
	setStr(&cfg.Recorder.ArchiveS3Region, "TERMMUX_RECORDER_ARCHIVE_S3_REGION")

	setStr(&cfg.Upstream.URL, "TERMMUX_UPSTREAM_URL")
	setStr(&cfg.Upstream.UID, "TERMMUX_UPSTREAM_UID")
	setStr(&cfg.Upstream.InitStream, "TERMMUX_UPSTREAM_INIT_STREAM")
	setDuration(&cfg.Upstream.SendInterval, "TERMMUX_UPSTREAM_SEND_INTERVAL")
	setInt(&cfg.Upstream.MaxConnectRetry, "TERMMUX_UPSTREAM_MAX_CONNECT_RETRY")

	setStr(&cfg.LogLevel, "TERMMUX_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setAuthMode(dst *AuthMode, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = AuthMode(v)
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		d := &duration{}
		if err := d.UnmarshalText([]byte(v)); err == nil {
			*dst = *d
		}
	}
}
