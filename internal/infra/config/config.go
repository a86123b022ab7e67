// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Logging  LoggingConfig           `yaml:"logging"`
	Admin    AdminConfig             `yaml:"admin"`
	Gate     GateConfig              `yaml:"gate"`
	Resolver ResolverConfig          `yaml:"resolver"`
	Cache    CacheConfig             `yaml:"cache"`
	Queue    QueueConfig             `yaml:"queue"`
	Playback PlaybackConfig          `yaml:"playback"`
	Autoplay AutoplayConfig          `yaml:"autoplay"`
	Filters  map[string]FilterConfig `yaml:"filters"`
	Spotify  SpotifyConfig           `yaml:"spotify"`
	Settings SettingsConfig          `yaml:"settings"`
}

// ServerConfig represents server configuration.
type ServerConfig struct {
	Addr            string        `yaml:"addr" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	Hooks           HooksConfig   `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// LoggingConfig represents logger configuration. CLI flags win over it.
type LoggingConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn warning error"`
	Output string `yaml:"output" default:"stdout"`
	Format string `yaml:"format" default:"auto" validate:"oneof=auto console json"`
}

// AdminConfig represents admin RPC configuration.
type AdminConfig struct {
	Token string `yaml:"token" validate:"required"`
}

// GateConfig represents the fetch gate tuning.
type GateConfig struct {
	BackoffBase   time.Duration              `yaml:"backoff_base" default:"2s" validate:"gt=0"`
	BackoffMax    time.Duration              `yaml:"backoff_max" default:"300s" validate:"gtefield=BackoffBase"`
	FailWindow    time.Duration              `yaml:"fail_window" default:"120s" validate:"gt=0"`
	FailThreshold int                        `yaml:"fail_threshold" default:"5" validate:"gte=1"`
	Cooldown      time.Duration              `yaml:"cooldown" default:"60s" validate:"gt=0"`
	HistorySize   int                        `yaml:"history_size" default:"50" validate:"gte=1"`
	LagThreshold  time.Duration              `yaml:"lag_threshold" default:"500ms"`
	RateLimits    map[string]RateLimitConfig `yaml:"rate_limits"`
}

// RateLimitConfig paces calls to one provider.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" validate:"gt=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

// ResolverConfig represents request resolution limits.
type ResolverConfig struct {
	MaxDuration   time.Duration `yaml:"max_duration" default:"20m" validate:"gt=0"`
	MaxTracks     int           `yaml:"max_tracks" default:"50" validate:"gte=1,lte=500"`
	SearchResults int           `yaml:"search_results" default:"5" validate:"gte=1,lte=25"`
	Attempts      int           `yaml:"attempts" default:"2" validate:"gte=1"`
	Proxy         string        `yaml:"proxy"`
	AutoInstall   bool          `yaml:"auto_install"`
}

// CacheConfig represents the audio cache.
type CacheConfig struct {
	Dir               string `yaml:"dir" default:"data/cache"`
	MaxBytes          int64  `yaml:"max_bytes" default:"2147483648" validate:"gt=0"`
	ConcurrentFetches int64  `yaml:"concurrent_fetches" default:"3" validate:"gte=1"`
	Bitrate           string `yaml:"bitrate" default:"128K"`
	LoudnessNormalize bool   `yaml:"loudness_normalize"`
}

// QueueConfig represents session queue limits.
type QueueConfig struct {
	HistorySize int `yaml:"history_size" default:"50" validate:"gte=1"`
	RecentSize  int `yaml:"recent_size" default:"10" validate:"gte=1"`
}

// PlaybackConfig represents playback loop behaviour.
type PlaybackConfig struct {
	LoadRetries     int           `yaml:"load_retries" default:"2" validate:"gte=0,lte=10"`
	FrameInterval   time.Duration `yaml:"frame_interval" default:"20ms" validate:"gt=0"`
	IntentBuffer    int           `yaml:"intent_buffer" default:"32" validate:"gte=1"`
	DisablePrefetch bool          `yaml:"disable_prefetch"`
}

// AutoplayConfig represents autoplay recommendation configuration.
type AutoplayConfig struct {
	SeedCount      int              `yaml:"seed_count" default:"3" validate:"gte=1"`
	CandidateCount int              `yaml:"candidate_count" default:"5" validate:"gte=1"`
	BatchSize      int              `yaml:"batch_size" default:"1" validate:"gte=1,ltefield=CandidateCount"`
	Providers      []ProviderConfig `yaml:"providers" validate:"dive"`
}

// ProviderConfig represents a single autoplay provider configuration.
type ProviderConfig struct {
	Type        string         `yaml:"type" validate:"required"`
	DisplayName string         `yaml:"display_name" validate:"required"`
	Settings    map[string]any `yaml:"settings"`
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// SpotifyConfig represents Spotify API configuration. Spotify links are
// rejected when no credentials are configured.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id" validate:"required_with=ClientSecret"`
	ClientSecret string `yaml:"client_secret" validate:"required_with=ClientID"`
	Market       string `yaml:"market" validate:"omitempty,len=2" default:"US"`
}

// Enabled reports whether Spotify credentials are present.
func (s SpotifyConfig) Enabled() bool {
	return s.ClientID != "" && s.ClientSecret != ""
}

// SettingsConfig represents the guild settings store.
type SettingsConfig struct {
	Path string `yaml:"path" default:"data/settings.db"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse decodes, completes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("SPOTIFY_CLIENT_ID"); v != "" {
		c.Spotify.ClientID = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		c.Spotify.ClientSecret = v
	}
	if v := os.Getenv("LASTFM_API_KEY"); v != "" {
		for i := range c.Autoplay.Providers {
			if c.Autoplay.Providers[i].Type == "lastfm" {
				if c.Autoplay.Providers[i].Settings == nil {
					c.Autoplay.Providers[i].Settings = map[string]any{}
				}
				c.Autoplay.Providers[i].Settings["api_key"] = v
			}
		}
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("YOUTUBE_PROXY"); v != "" {
		c.Resolver.Proxy = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	if c.Playback.FrameInterval > time.Second {
		return errors.Newf("frame_interval %s is too large", c.Playback.FrameInterval)
	}
	return nil
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}
