package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Session validation modes. Optimistic trusts a non-expired auth cookie,
// strict renders an authenticated-only page and inspects it.
const (
	SessionValidationOptimistic = "optimistic"
	SessionValidationStrict     = "strict"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Browserless BrowserlessConfig
	Agent       AgentConfig
	Oracle      OracleConfig
	Instagram   InstagramConfig
	Scraper     ScraperConfig
}

type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type BrowserlessConfig struct {
	Host    string
	Token   string
	WSURL   string
	Timeout time.Duration
}

type AgentConfig struct {
	RunnerURL string
	Token     string
	Timeout   time.Duration
}

type OracleConfig struct {
	Endpoint            string
	APIKey              string
	TextModel           string
	VisionModel         string
	FallbackTextModel   string
	FallbackVisionModel string
	Temperature         float64
	Timeout             time.Duration
}

type InstagramConfig struct {
	Username string
	Password string
}

type ScraperConfig struct {
	MaxPosts          int
	RecentDays        int
	MaxLikeUsers      int
	MaxRetries        int
	RetryBackoff      time.Duration
	JitterMin         time.Duration
	JitterMax         time.Duration
	SessionValidation string
}

func Load() (*Config, error) {
	// Missing .env is fine, settings may come from the environment.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8080),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Browserless: BrowserlessConfig{
			Host:    getEnv("BROWSERLESS_HOST", ""),
			Token:   getEnv("BROWSERLESS_TOKEN", ""),
			WSURL:   getEnv("BROWSERLESS_WS_URL", ""),
			Timeout: getEnvDuration("BROWSERLESS_TIMEOUT", 30*time.Second),
		},
		Agent: AgentConfig{
			RunnerURL: getEnv("AGENT_RUNNER_URL", ""),
			Token:     getEnv("AGENT_RUNNER_TOKEN", ""),
			Timeout:   getEnvDuration("AGENT_TIMEOUT", 5*time.Minute),
		},
		Oracle: OracleConfig{
			Endpoint:            getEnv("OPENAI_ENDPOINT", "https://api.openai.com/v1/chat/completions"),
			APIKey:              getEnv("OPENAI_API_KEY", ""),
			TextModel:           getEnv("OPENAI_MODEL_TEXT", "gpt-4o-mini"),
			VisionModel:         getEnv("OPENAI_MODEL_VISION", "gpt-4o-mini"),
			FallbackTextModel:   getEnv("OPENAI_FALLBACK_MODEL_TEXT", ""),
			FallbackVisionModel: getEnv("OPENAI_FALLBACK_MODEL_VISION", ""),
			Temperature:         getEnvFloat("OPENAI_TEMPERATURE", 1.0),
			Timeout:             getEnvDuration("OPENAI_TIMEOUT", 60*time.Second),
		},
		Instagram: InstagramConfig{
			Username: getEnv("INSTAGRAM_USERNAME", ""),
			Password: getEnv("INSTAGRAM_PASSWORD", ""),
		},
		Scraper: ScraperConfig{
			MaxPosts:          getEnvInt("SCRAPER_MAX_POSTS", 5),
			RecentDays:        getEnvInt("SCRAPER_RECENT_DAYS", 3),
			MaxLikeUsers:      getEnvInt("SCRAPER_MAX_LIKE_USERS", 20),
			MaxRetries:        getEnvInt("SCRAPER_MAX_RETRIES", 3),
			RetryBackoff:      getEnvDuration("SCRAPER_RETRY_BACKOFF", 2*time.Second),
			JitterMin:         getEnvDuration("SCRAPER_JITTER_MIN", 1*time.Second),
			JitterMax:         getEnvDuration("SCRAPER_JITTER_MAX", 5*time.Second),
			SessionValidation: getEnv("SESSION_VALIDATION", SessionValidationOptimistic),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Browserless.Host == "" {
		return fmt.Errorf("BROWSERLESS_HOST is required")
	}

	switch c.Scraper.SessionValidation {
	case SessionValidationOptimistic, SessionValidationStrict:
	default:
		return fmt.Errorf("invalid SESSION_VALIDATION: %q", c.Scraper.SessionValidation)
	}

	if c.Scraper.JitterMax < c.Scraper.JitterMin {
		return fmt.Errorf("SCRAPER_JITTER_MAX must be >= SCRAPER_JITTER_MIN")
	}

	return nil
}

// NormalizedDatabaseURL rewrites the postgresql:// scheme some providers
// hand out into the form pgx expects.
func (c *Config) NormalizedDatabaseURL() string {
	if strings.HasPrefix(c.Database.URL, "postgresql://") {
		return "postgres://" + strings.TrimPrefix(c.Database.URL, "postgresql://")
	}
	return c.Database.URL
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
