// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the relay daemon configuration.
// We use a struct (not globals) so it's testable and explicit.
type Config struct {
	// Server
	ServerAddr string
	Env        string // "development" or "production"

	// Database. Empty runs without call history and with the static
	// directory only.
	DatabaseURL string

	// Auth
	JWTSigningKey string
	TokenTTL      time.Duration

	// Redis (for PubSub horizontal scaling)
	RedisURL   string // e.g., "redis://localhost:6379"
	PubSubType string // "memory" or "redis"

	// Relay
	RingTimeout   time.Duration
	EventsPerMin  int
	DirectoryFile string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddr:    getEnvOrDefault("SERVER_ADDR", "0.0.0.0:8080"),
		Env:           getEnvOrDefault("APP_ENV", "development"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
		RedisURL:      os.Getenv("REDIS_URL"),
		PubSubType:    getEnvOrDefault("PUBSUB_TYPE", "memory"),
		DirectoryFile: os.Getenv("DIRECTORY_FILE"),
	}

	var err error
	if cfg.TokenTTL, err = durationEnv("TOKEN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RingTimeout, err = durationEnv("RING_TIMEOUT", 45*time.Second); err != nil {
		return nil, err
	}
	if cfg.EventsPerMin, err = intEnv("EVENTS_PER_MIN", 600); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.JWTSigningKey) < 32 {
		return errors.New("JWT_SIGNING_KEY must be at least 32 bytes")
	}
	switch c.PubSubType {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when PUBSUB_TYPE=redis")
		}
	default:
		return fmt.Errorf("unknown PUBSUB_TYPE %q", c.PubSubType)
	}
	if c.DatabaseURL == "" && c.DirectoryFile == "" {
		return errors.New("one of DATABASE_URL or DIRECTORY_FILE is required")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ClientConfig holds the softphone configuration. Environment variables win
// over the optional YAML file named by CONFIG_FILE.
type ClientConfig struct {
	RelayURL string `yaml:"relay_url"`
	Token    string `yaml:"token"`

	// WebRTC / TURN
	ICESTUNURLs  []string `yaml:"stun_urls"`
	ICETURNURLs  []string `yaml:"turn_urls"`
	TURNUsername string   `yaml:"turn_username"`
	TURNPassword string   `yaml:"turn_password"`

	// Media. Empty files fall back to synthetic tracks.
	AudioFile string `yaml:"audio_file"`
	VideoFile string `yaml:"video_file"`
	RecordDir string `yaml:"record_dir"`

	// Calls
	IncomingTimeout time.Duration `yaml:"incoming_timeout"`
	RingTimeout     time.Duration `yaml:"ring_timeout"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	RestartTimeout  time.Duration `yaml:"restart_timeout"`
	RingtoneGap     time.Duration `yaml:"ringtone_gap"`
	AutoAnswer      bool          `yaml:"auto_answer"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// LoadClient reads the softphone configuration.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		RelayURL:        "ws://localhost:8080/ws",
		ICESTUNURLs:     []string{"stun:stun.l.google.com:19302"},
		IncomingTimeout: 30 * time.Second,
		RingTimeout:     30 * time.Second,
		RetryDelay:      3 * time.Second,
		RestartTimeout:  10 * time.Second,
		RingtoneGap:     2 * time.Second,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.RelayURL = getEnvOrDefault("RELAY_URL", cfg.RelayURL)
	cfg.Token = getEnvOrDefault("OWLYCALL_TOKEN", cfg.Token)
	if v := splitEnv("ICE_STUN_URLS", ""); v != nil {
		cfg.ICESTUNURLs = v
	}
	if v := splitEnv("ICE_TURN_URLS", ""); v != nil {
		cfg.ICETURNURLs = v
	}
	cfg.TURNUsername = getEnvOrDefault("TURN_USERNAME", cfg.TURNUsername)
	cfg.TURNPassword = getEnvOrDefault("TURN_PASSWORD", cfg.TURNPassword)
	cfg.AudioFile = getEnvOrDefault("AUDIO_FILE", cfg.AudioFile)
	cfg.VideoFile = getEnvOrDefault("VIDEO_FILE", cfg.VideoFile)
	cfg.RecordDir = getEnvOrDefault("RECORD_DIR", cfg.RecordDir)
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", cfg.MetricsAddr)

	var err error
	if cfg.IncomingTimeout, err = durationEnv("INCOMING_TIMEOUT", cfg.IncomingTimeout); err != nil {
		return nil, err
	}
	if cfg.RingTimeout, err = durationEnv("RING_TIMEOUT", cfg.RingTimeout); err != nil {
		return nil, err
	}
	if cfg.RetryDelay, err = durationEnv("RETRY_DELAY", cfg.RetryDelay); err != nil {
		return nil, err
	}
	if cfg.RestartTimeout, err = durationEnv("RESTART_TIMEOUT", cfg.RestartTimeout); err != nil {
		return nil, err
	}
	if v := os.Getenv("AUTO_ANSWER"); v != "" {
		if cfg.AutoAnswer, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("AUTO_ANSWER: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.RelayURL == "" {
		return errors.New("RELAY_URL is required")
	}
	if c.Token == "" {
		return errors.New("OWLYCALL_TOKEN is required")
	}
	if len(c.ICETURNURLs) > 0 && c.TURNUsername == "" {
		return errors.New("TURN_USERNAME is required with ICE_TURN_URLS")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func durationEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// splitEnv splits a comma-separated env var into a slice
func splitEnv(key, defaultVal string) []string {
	val := os.Getenv(key)
	if val == "" {
		val = defaultVal
	}
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
