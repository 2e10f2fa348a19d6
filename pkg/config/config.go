package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	APIBaseURL  string `validate:"required,url"`
	WSEndpoint  string `validate:"required"`
	AuthToken   string `validate:"required"`
	Role        string `validate:"required,oneof=buyer seller admin"`
	UserID      string `validate:"required"`
	Environment string

	HeartbeatInterval time.Duration
	TypingIdle        time.Duration
	ReadDwell         time.Duration
	ReleaseGrace      time.Duration
	ReconnectAttempts int64
}

func Load() (*Config, error) {
	godotenv.Load()

	config := &Config{
		APIBaseURL:        getEnv("API_BASE_URL", "http://localhost:8080"),
		WSEndpoint:        getEnv("WS_ENDPOINT", "ws://localhost:8080/ws"),
		AuthToken:         getEnv("AUTH_TOKEN", ""),
		Role:              getEnv("CHAT_ROLE", "buyer"),
		UserID:            getEnv("CHAT_USER_ID", ""),
		Environment:       getEnv("ENVIRONMENT", "development"),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 2*time.Minute),
		TypingIdle:        getEnvAsDuration("TYPING_IDLE", 3*time.Second),
		ReadDwell:         getEnvAsDuration("READ_DWELL", time.Second),
		ReleaseGrace:      getEnvAsDuration("RELEASE_GRACE", time.Second),
		ReconnectAttempts: getEnvAsInt64("RECONNECT_ATTEMPTS", 5),
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, err
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
