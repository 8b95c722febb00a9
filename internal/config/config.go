package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/whisperintel/whisper/internal/trending"
)

const DefaultConfigFile = "whisper.yaml"

type Config struct {
	Addr            string        `mapstructure:"addr"`
	DBPath          string        `mapstructure:"db_path"`
	LogLevel        string        `mapstructure:"log_level"`
	LogJSON         bool          `mapstructure:"log_json"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	ChallengeTTL    time.Duration `mapstructure:"challenge_ttl"`
	BcryptCost      int           `mapstructure:"bcrypt_cost"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	JanitorSchedule string        `mapstructure:"janitor_schedule"`
	RateLimits      RateLimits    `mapstructure:"rate_limits"`
	Trending        Trending      `mapstructure:"trending"`
}

type RateLimits struct {
	GistPerMinute    int `mapstructure:"gist_per_minute"`
	CommentPerMinute int `mapstructure:"comment_per_minute"`
	VotePerMinute    int `mapstructure:"vote_per_minute"`
	AuthPerMinute    int `mapstructure:"auth_per_minute"`
}

// Trending mirrors trending.Weights so deployments can retune the ranker.
type Trending struct {
	Vote           float64 `mapstructure:"vote"`
	Recency        float64 `mapstructure:"recency"`
	Comment        float64 `mapstructure:"comment"`
	Confidence     float64 `mapstructure:"confidence"`
	Breaking       float64 `mapstructure:"breaking"`
	AgeOffsetHours float64 `mapstructure:"age_offset_hours"`
}

// Options controls where Load looks for a config file.
type Options struct {
	// ConfigPath overrides WHISPER_CONFIG and ./whisper.yaml.
	ConfigPath string
}

func Default() Config {
	w := trending.DefaultWeights()
	return Config{
		Addr:            ":8080",
		DBPath:          "whisper.db",
		LogLevel:        "info",
		TokenTTL:        24 * time.Hour,
		ChallengeTTL:    5 * time.Minute,
		BcryptCost:      bcrypt.DefaultCost,
		CORSOrigins:     []string{"http://localhost:3000"},
		JanitorSchedule: "@every 10m",
		RateLimits: RateLimits{
			GistPerMinute:    10,
			CommentPerMinute: 30,
			VotePerMinute:    120,
			AuthPerMinute:    20,
		},
		Trending: Trending{
			Vote:           w.Vote,
			Recency:        w.Recency,
			Comment:        w.Comment,
			Confidence:     w.Confidence,
			Breaking:       w.Breaking,
			AgeOffsetHours: w.AgeOffsetHours,
		},
	}
}

// Load applies defaults < config file < WHISPER_* env. PORT is honored when
// no addr is configured explicitly.
func Load(opts Options) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	path := opts.ConfigPath
	if path == "" {
		path = os.Getenv("WHISPER_CONFIG")
	}
	explicit := path != ""
	if path == "" {
		path = DefaultConfigFile
	}
	if err := mergeConfigFile(v, path, explicit); err != nil {
		return Config{}, err
	}

	v.SetEnvPrefix("WHISPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if os.Getenv("WHISPER_ADDR") == "" && !v.InConfig("addr") {
		if port := os.Getenv("PORT"); port != "" {
			cfg.Addr = ":" + port
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("addr", def.Addr)
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_json", def.LogJSON)
	v.SetDefault("token_ttl", def.TokenTTL)
	v.SetDefault("challenge_ttl", def.ChallengeTTL)
	v.SetDefault("bcrypt_cost", def.BcryptCost)
	v.SetDefault("cors_origins", def.CORSOrigins)
	v.SetDefault("redis_addr", def.RedisAddr)
	v.SetDefault("redis_password", def.RedisPassword)
	v.SetDefault("redis_db", def.RedisDB)
	v.SetDefault("janitor_schedule", def.JanitorSchedule)

	v.SetDefault("rate_limits.gist_per_minute", def.RateLimits.GistPerMinute)
	v.SetDefault("rate_limits.comment_per_minute", def.RateLimits.CommentPerMinute)
	v.SetDefault("rate_limits.vote_per_minute", def.RateLimits.VotePerMinute)
	v.SetDefault("rate_limits.auth_per_minute", def.RateLimits.AuthPerMinute)

	v.SetDefault("trending.vote", def.Trending.Vote)
	v.SetDefault("trending.recency", def.Trending.Recency)
	v.SetDefault("trending.comment", def.Trending.Comment)
	v.SetDefault("trending.confidence", def.Trending.Confidence)
	v.SetDefault("trending.breaking", def.Trending.Breaking)
	v.SetDefault("trending.age_offset_hours", def.Trending.AgeOffsetHours)
}

// mergeConfigFile merges path if it exists. A missing file is only an error
// when the caller named it.
func mergeConfigFile(v *viper.Viper, path string, required bool) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("config: addr is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("config: db_path is required")
	}
	if c.TokenTTL <= 0 || c.ChallengeTTL <= 0 {
		return errors.New("config: token_ttl and challenge_ttl must be positive")
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("config: bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	rl := c.RateLimits
	if rl.GistPerMinute <= 0 || rl.CommentPerMinute <= 0 || rl.VotePerMinute <= 0 || rl.AuthPerMinute <= 0 {
		return errors.New("config: rate limits must be positive")
	}
	if c.Trending.Breaking <= 0 {
		return errors.New("config: trending.breaking must be positive")
	}
	if c.Trending.AgeOffsetHours < 0 {
		return errors.New("config: trending.age_offset_hours must not be negative")
	}
	return nil
}

func (c Config) Weights() trending.Weights {
	return trending.Weights{
		Vote:           c.Trending.Vote,
		Recency:        c.Trending.Recency,
		Comment:        c.Trending.Comment,
		Confidence:     c.Trending.Confidence,
		Breaking:       c.Trending.Breaking,
		AgeOffsetHours: c.Trending.AgeOffsetHours,
	}
}
