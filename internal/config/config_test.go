package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisperintel/whisper/internal/trending"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"WHISPER_CONFIG", "WHISPER_ADDR", "PORT"} {
		t.Setenv(key, "")
	}
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "whisper.db", cfg.DBPath)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	assert.Equal(t, "@every 10m", cfg.JanitorSchedule)
	assert.Equal(t, trending.DefaultWeights(), cfg.Weights())
}

func TestLoadPortFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9999")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)

	t.Setenv("WHISPER_ADDR", "127.0.0.1:7000")
	cfg, err = Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	body := `
db_path: /tmp/custom.db
token_ttl: 2h
cors_origins:
  - https://whisper.example
rate_limits:
  vote_per_minute: 5
trending:
  breaking: 3
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("WHISPER_RATE_LIMITS_VOTE_PER_MINUTE", "7")
	t.Setenv("WHISPER_LOG_LEVEL", "debug")

	cfg, err := Load(Options{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, 2*time.Hour, cfg.TokenTTL)
	assert.Equal(t, []string{"https://whisper.example"}, cfg.CORSOrigins)
	assert.Equal(t, 7, cfg.RateLimits.VotePerMinute)
	assert.Equal(t, 30, cfg.RateLimits.CommentPerMinute)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3.0, cfg.Weights().Breaking)
}

func TestLoadDefaultFileInWorkingDir(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.WriteFile(DefaultConfigFile, []byte("addr: :4242\n"), 0o600))
	t.Setenv("PORT", "9999")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, ":4242", cfg.Addr)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(Options{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty addr":      func(c *Config) { c.Addr = "" },
		"zero ttl":        func(c *Config) { c.TokenTTL = 0 },
		"bcrypt cost":     func(c *Config) { c.BcryptCost = 1 },
		"zero rate limit": func(c *Config) { c.RateLimits.AuthPerMinute = 0 },
		"zero breaking":   func(c *Config) { c.Trending.Breaking = 0 },
		"negative offset": func(c *Config) { c.Trending.AgeOffsetHours = -1 },
		"empty db path":   func(c *Config) { c.DBPath = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}
