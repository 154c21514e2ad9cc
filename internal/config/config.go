package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the thread narration service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	Debug            bool
	LogLevel         string

	RedditClientID     string
	RedditClientSecret string
	RedditUserAgent    string
	RedditPollInterval time.Duration

	VoiceProvider string

	ElevenLabsAPIKey          string
	ElevenLabsBaseURL         string
	ElevenLabsWSBaseURL       string
	ElevenLabsTTSVoice        string
	ElevenLabsTTSModel        string
	ElevenLabsTTSOutputFormat string

	DefaultStability       float64
	DefaultSimilarityBoost float64
	DefaultStyle           float64
	DefaultSpeakerBoost    bool

	MonitorMinInterval time.Duration
	StopJoinTimeout    time.Duration

	RedisURL     string
	DatabaseURL  string
	NATSURL      string
	HistoryLimit int

	OTLPEndpoint string
	OTLPInsecure bool
}

// RedditConfigured reports whether both reddit app credentials are present.
func (c Config) RedditConfigured() bool {
	return c.RedditClientID != "" && c.RedditClientSecret != ""
}

// Load reads an optional .env file, then environment variables, and applies safe defaults.
// Missing credentials are not an error; the affected upstream is disabled by the caller.
func Load() (Config, error) {
	if err := loadEnvFile(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":5000"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "threadvoice"),
		AllowAnyOrigin:      false,
		Debug:               false,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		RedditClientID:      stringsTrimSpace("REDDIT_CLIENT_ID"),
		RedditClientSecret:  stringsTrimSpace("REDDIT_CLIENT_SECRET"),
		RedditUserAgent:     envOrDefault("REDDIT_USER_AGENT", "threadvoice/1.0"),
		RedditPollInterval:  time.Second,
		VoiceProvider:       envOrDefault("VOICE_PROVIDER", "auto"),
		ElevenLabsAPIKey:    stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:   envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSVoice:  envOrDefault("ELEVENLABS_TTS_VOICE_ID", "od84OdVweqzO3t6kKlWT"),
		ElevenLabsTTSModel:  envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		// Small mp3 keeps base64 payloads on the push channel light.
		ElevenLabsTTSOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "mp3_22050_32"),
		DefaultStability:          0.71,
		DefaultSimilarityBoost:    0.5,
		DefaultStyle:              0,
		DefaultSpeakerBoost:       true,
		MonitorMinInterval:        2 * time.Second,
		StopJoinTimeout:           time.Second,
		RedisURL:                  stringsTrimSpace("REDIS_URL"),
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		NATSURL:                   stringsTrimSpace("NATS_URL"),
		HistoryLimit:              200,
		OTLPEndpoint:              stringsTrimSpace("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:              true,
		ShutdownTimeout:           15 * time.Second,
	}

	if port := stringsTrimSpace("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return Config{}, fmt.Errorf("PORT parse error: %w", err)
		}
		cfg.BindAddr = ":" + port
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RedditPollInterval, err = durationFromEnv("REDDIT_POLL_INTERVAL", cfg.RedditPollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MonitorMinInterval, err = durationFromEnv("MONITOR_MIN_INTERVAL", cfg.MonitorMinInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.StopJoinTimeout, err = durationFromEnv("STOP_JOIN_TIMEOUT", cfg.StopJoinTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.Debug, err = boolFromEnv("DEBUG", cfg.Debug)
	if err != nil {
		return Config{}, err
	}
	cfg.OTLPInsecure, err = boolFromEnv("OTEL_INSECURE", cfg.OTLPInsecure)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.MonitorMinInterval < time.Second || cfg.MonitorMinInterval > 10*time.Second {
		return Config{}, fmt.Errorf("MONITOR_MIN_INTERVAL must be between 1s and 10s")
	}
	if cfg.RedditPollInterval < 200*time.Millisecond {
		return Config{}, fmt.Errorf("REDDIT_POLL_INTERVAL must be at least 200ms")
	}
	if cfg.StopJoinTimeout <= 0 {
		return Config{}, fmt.Errorf("STOP_JOIN_TIMEOUT must be positive")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("HISTORY_LIMIT must be positive")
	}

	return cfg, nil
}

// loadEnvFile populates unset environment variables from path. A missing file is fine.
func loadEnvFile(path string) error {
	path = trimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
