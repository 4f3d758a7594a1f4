package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIBaseURL           string
	RealtimeURL          string
	StateFile            string
	HTTPTimeout          time.Duration
	ConnectTimeout       time.Duration
	PingInterval         time.Duration
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	AuthFailureThreshold int
	HistoryPageSize      int
	LoginIdentifier      string
	LoginPassword        string
	RememberMe           bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		APIBaseURL:           getEnv("API_BASE_URL", "http://localhost:8000"),
		RealtimeURL:          getEnv("REALTIME_URL", "ws://localhost:8000/ws/notifications"),
		StateFile:            getEnv("STATE_FILE", "./state/client.json"),
		HTTPTimeout:          getDuration("HTTP_TIMEOUT", 30*time.Second),
		ConnectTimeout:       getDuration("CONNECT_TIMEOUT", 10*time.Second),
		PingInterval:         getDuration("PING_INTERVAL", 30*time.Second),
		ReconnectBase:        getDuration("RECONNECT_BASE", time.Second),
		MaxReconnectAttempts: getInt("MAX_RECONNECT_ATTEMPTS", 5),
		AuthFailureThreshold: getInt("AUTH_FAILURE_THRESHOLD", 3),
		HistoryPageSize:      getInt("HISTORY_PAGE_SIZE", 50),
		LoginIdentifier:      strings.TrimSpace(os.Getenv("LOGIN_IDENTIFIER")),
		LoginPassword:        os.Getenv("LOGIN_PASSWORD"),
		RememberMe:           getBool("REMEMBER_ME", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("API_BASE_URL cannot be empty")
	}

	if strings.TrimSpace(c.RealtimeURL) == "" {
		return fmt.Errorf("REALTIME_URL cannot be empty")
	}

	if strings.TrimSpace(c.StateFile) == "" {
		return fmt.Errorf("STATE_FILE cannot be empty")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be positive")
	}

	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be positive")
	}

	if c.ReconnectBase <= 0 {
		return fmt.Errorf("RECONNECT_BASE must be positive")
	}

	if c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be positive")
	}

	if c.AuthFailureThreshold <= 0 {
		return fmt.Errorf("AUTH_FAILURE_THRESHOLD must be positive")
	}

	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be positive")
	}

	return nil
}

func getEnv(key string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	return v
}

func getInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return v
}

func getBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}

	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return v
}
