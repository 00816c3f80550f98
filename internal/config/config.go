package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mail-cci/headerguard/internal/types"
)

type Config struct {
	Env              string
	LogLevel         string
	LogPath          string
	ApiPort          string
	MilterEnabled    bool
	MilterPort       string
	DatabaseURL      string
	MaxDBConnections int
	RedisURL         string
	RedisTimeout     time.Duration
	CacheTTL         time.Duration
	HTTPTimeout      time.Duration
	Analysis         AnalysisConfig
	Scoring          ScoringConfig
	Verify           VerifyConfig
}

// AnalysisConfig tunes the header analysis engine.
type AnalysisConfig struct {
	Alignment types.AlignmentMode
}

// ScoringConfig holds the score thresholds of the MEDIUM and HIGH levels.
type ScoringConfig struct {
	MediumThreshold int
	HighThreshold   int
}

// VerifyConfig controls the optional network-backed SPF and DKIM checks.
type VerifyConfig struct {
	Enabled     bool
	SPFTimeout  time.Duration
	DKIMTimeout time.Duration
	CacheTTL    time.Duration
}

func setDefaults() {
	viper.SetDefault("env", "development")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.path", "logs")
	viper.SetDefault("api.port", "8081")
	viper.SetDefault("milter.enabled", false)
	viper.SetDefault("milter.port", "4829")
	viper.SetDefault("database.max_connections", 10)
	viper.SetDefault("redis.timeout", "2s")
	viper.SetDefault("cache.ttl", "1h")
	viper.SetDefault("http.timeout", "30s")
	viper.SetDefault("analysis.alignment", string(types.AlignmentExact))
	viper.SetDefault("scoring.medium_threshold", 50)
	viper.SetDefault("scoring.high_threshold", 80)
	viper.SetDefault("verify.enabled", false)
	viper.SetDefault("verify.spf_timeout", "5s")
	viper.SetDefault("verify.dkim_timeout", "5s")
	viper.SetDefault("verify.cache_ttl", "4h")
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("cmd/headerguard")
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Environment variables override the file, e.g. API_PORT or REDIS_URL.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cfg := &Config{
		Env:              viper.GetString("env"),
		LogLevel:         viper.GetString("log.level"),
		LogPath:          viper.GetString("log.path"),
		ApiPort:          viper.GetString("api.port"),
		MilterEnabled:    viper.GetBool("milter.enabled"),
		MilterPort:       viper.GetString("milter.port"),
		DatabaseURL:      viper.GetString("database.url"),
		MaxDBConnections: viper.GetInt("database.max_connections"),
		RedisURL:         viper.GetString("redis.url"),
		RedisTimeout:     viper.GetDuration("redis.timeout"),
		CacheTTL:         viper.GetDuration("cache.ttl"),
		HTTPTimeout:      viper.GetDuration("http.timeout"),
		Analysis: AnalysisConfig{
			Alignment: types.AlignmentMode(strings.ToLower(viper.GetString("analysis.alignment"))),
		},
		Scoring: ScoringConfig{
			MediumThreshold: viper.GetInt("scoring.medium_threshold"),
			HighThreshold:   viper.GetInt("scoring.high_threshold"),
		},
		Verify: VerifyConfig{
			Enabled:     viper.GetBool("verify.enabled"),
			SPFTimeout:  viper.GetDuration("verify.spf_timeout"),
			DKIMTimeout: viper.GetDuration("verify.dkim_timeout"),
			CacheTTL:    viper.GetDuration("verify.cache_ttl"),
		},
	}

	return cfg, nil
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
}

// Validate performs basic validation on the configuration.
func (c *Config) Validate() error {
	if c.ApiPort == "" {
		return fmt.Errorf("API port is required")
	}
	if c.MilterEnabled && c.MilterPort == "" {
		return fmt.Errorf("milter port is required when the milter is enabled")
	}
	if c.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	switch c.Analysis.Alignment {
	case types.AlignmentExact, types.AlignmentRelaxed:
	default:
		return fmt.Errorf("invalid analysis alignment: %q", c.Analysis.Alignment)
	}
	if c.Scoring.MediumThreshold <= 0 || c.Scoring.HighThreshold <= c.Scoring.MediumThreshold {
		return fmt.Errorf("invalid scoring thresholds: medium=%d high=%d",
			c.Scoring.MediumThreshold, c.Scoring.HighThreshold)
	}
	return nil
}
