// Package config loads termmux's runtime configuration from a TOML
// file overlaid with TERMMUX_* environment variables, following the
// layered approach of polymarketbot's internal/config loader: TOML
// supplies defaults-friendly structure, the environment supplies
// deploy-time secrets and overrides.
package config

import (
	"fmt"
	"time"
)

// AuthMode selects the hub's auth_fn variant.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthJWT    AuthMode = "jwt"
	AuthOAuth2 AuthMode = "oauth2"
)

// HubConfig configures the message-mux hub.
type HubConfig struct {
	ListenAddr  string   `toml:"listen_addr"`
	AuthMode    AuthMode `toml:"auth_mode"`
	JWTSecret   string   `toml:"jwt_secret"`
	AuthTimeout duration `toml:"auth_timeout"`
}

// OAuth2Config configures the client-credentials login variant.
type OAuth2Config struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TokenURL     string `toml:"token_url"`
}

// RecorderConfig configures the durable packet log.
type RecorderConfig struct {
	Dir             string   `toml:"dir"`
	RotationPeriod  duration `toml:"rotation_period"`
	ArchiveS3Bucket string   `toml:"archive_s3_bucket"`
	ArchiveS3Region string   `toml:"archive_s3_region"`
}

// UpstreamConfig configures the exchange adapter's upstream venue
// link.
type UpstreamConfig struct {
	URL             string   `toml:"url"`
	UID             string   `toml:"uid"`
	InitStream      string   `toml:"init_stream"`
	SendInterval    duration `toml:"send_interval"`
	MaxConnectRetry int      `toml:"max_connect_retry"`
}

// Config is the top-level, fully-resolved configuration object.
type Config struct {
	Hub      HubConfig      `toml:"hub"`
	OAuth2   OAuth2Config   `toml:"oauth2"`
	Recorder RecorderConfig `toml:"recorder"`
	Upstream UpstreamConfig `toml:"upstream"`
	LogLevel string         `toml:"log_level"`
}

// Defaults returns a Config with conservative, locally-runnable
// defaults; Load overlays a TOML file and environment variables on
// top of this.
func Defaults() Config {
	return Config{
		Hub: HubConfig{
			ListenAddr:  ":8080",
			AuthMode:    AuthNone,
			AuthTimeout: duration{time.Second},
		},
		Recorder: RecorderConfig{
			Dir:            "./record",
			RotationPeriod: duration{24 * time.Hour},
		},
		Upstream: UpstreamConfig{
			UID:             "binance",
			InitStream:      "!ticker@arr",
			SendInterval:    duration{200 * time.Millisecond},
			MaxConnectRetry: 5,
		},
		LogLevel: "info",
	}
}

// Validate reports a configuration error before the process commits
// to it, following the teacher's fail-fast startup style.
func (c *Config) Validate() error {
	if c.Hub.ListenAddr == "" {
		return fmt.Errorf("config: hub.listen_addr must not be empty")
	}
	switch c.Hub.AuthMode {
	case AuthNone:
	case AuthJWT:
		if c.Hub.JWTSecret == "" {
			return fmt.Errorf("config: hub.jwt_secret required for auth_mode=jwt")
		}
	case AuthOAuth2:
		if c.OAuth2.TokenURL == "" || c.OAuth2.ClientID == "" {
			return fmt.Errorf("config: oauth2.token_url and oauth2.client_id required for auth_mode=oauth2")
		}
	default:
		return fmt.Errorf("config: unknown hub.auth_mode %q", c.Hub.AuthMode)
	}
	if c.Recorder.Dir == "" {
		return fmt.Errorf("config: recorder.dir must not be empty")
	}
	return nil
}

// duration wraps time.Duration so BurntSushi/toml can decode the
// "10s"-style strings operators actually write, via UnmarshalText.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}
