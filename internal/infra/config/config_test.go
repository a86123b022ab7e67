package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info", Output: "stdout", Format: "auto"},
		Admin:    AdminConfig{Token: "test-admin-token"},
		Gate:     GateConfig{BackoffBase: 2 * time.Second, BackoffMax: 300 * time.Second, FailWindow: 120 * time.Second, FailThreshold: 5, Cooldown: time.Minute, HistorySize: 50},
		Resolver: ResolverConfig{MaxDuration: 20 * time.Minute, MaxTracks: 50, SearchResults: 5, Attempts: 2},
		Cache:    CacheConfig{Dir: "cache", MaxBytes: 1 << 30, ConcurrentFetches: 3},
		Queue:    QueueConfig{HistorySize: 50, RecentSize: 10},
		Playback: PlaybackConfig{LoadRetries: 2, FrameInterval: 20 * time.Millisecond, IntentBuffer: 32},
		Autoplay: AutoplayConfig{SeedCount: 3, CandidateCount: 5},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing admin token",
			mutate:  func(c *Config) { c.Admin.Token = "" },
			wantErr: true,
			errMsg:  "Token",
		},
		{
			name:    "spotify secret without id",
			mutate:  func(c *Config) { c.Spotify.ClientSecret = "secret" },
			wantErr: true,
			errMsg:  "ClientID",
		},
		{
			name:    "invalid market length",
			mutate:  func(c *Config) { c.Spotify.Market = "JAPAN" },
			wantErr: true,
			errMsg:  "Market",
		},
		{
			name:    "backoff ceiling below base",
			mutate:  func(c *Config) { c.Gate.BackoffMax = time.Second },
			wantErr: true,
			errMsg:  "BackoffMax",
		},
		{
			name: "provider without type",
			mutate: func(c *Config) {
				c.Autoplay.Providers = []ProviderConfig{{DisplayName: "Mix"}}
			},
			wantErr: true,
			errMsg:  "Type",
		},
		{
			name:    "oversized frame interval",
			mutate:  func(c *Config) { c.Playback.FrameInterval = 2 * time.Second },
			wantErr: true,
			errMsg:  "frame_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err, "expected validation to fail")
				assert.Contains(t, err.Error(), tt.errMsg,
					"error message should mention the problematic field")
			} else {
				assert.NoError(t, err, "expected validation to pass")
			}
		})
	}
}

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("admin:\n  token: abc\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Gate.BackoffBase)
	assert.Equal(t, 300*time.Second, cfg.Gate.BackoffMax)
	assert.Equal(t, 5, cfg.Gate.FailThreshold)
	assert.Equal(t, 20*time.Minute, cfg.Resolver.MaxDuration)
	assert.Equal(t, 50, cfg.Resolver.MaxTracks)
	assert.Equal(t, int64(3), cfg.Cache.ConcurrentFetches)
	assert.Equal(t, 50, cfg.Queue.HistorySize)
	assert.Equal(t, 2, cfg.Playback.LoadRetries)
	assert.Equal(t, 20*time.Millisecond, cfg.Playback.FrameInterval)
	assert.False(t, cfg.Spotify.Enabled())
}

func TestParse_FileValuesWin(t *testing.T) {
	doc := `
admin:
  token: abc
gate:
  fail_threshold: 3
  cooldown: 15s
  rate_limits:
    spotify:
      per_second: 5
resolver:
  max_duration: 10m
filters:
  duration_limit:
    enabled: true
    settings:
      max_duration_sec: 300
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Gate.FailThreshold)
	assert.Equal(t, 15*time.Second, cfg.Gate.Cooldown)
	assert.Equal(t, 5.0, cfg.Gate.RateLimits["spotify"].PerSecond)
	assert.Equal(t, 10*time.Minute, cfg.Resolver.MaxDuration)
	assert.True(t, cfg.IsFilterEnabled("duration_limit"))
	assert.False(t, cfg.IsFilterEnabled("duplicate_track"))
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	doc := `
admin:
  token: from-file
autoplay:
  providers:
    - type: lastfm
      display_name: Last.fm
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	t.Setenv("ADMIN_TOKEN", "from-env")
	t.Setenv("SPOTIFY_CLIENT_ID", "id")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "secret")
	t.Setenv("LASTFM_API_KEY", "lastfm-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Admin.Token)
	assert.True(t, cfg.Spotify.Enabled())
	assert.Equal(t, "lastfm-key", cfg.Autoplay.Providers[0].Settings["api_key"])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
