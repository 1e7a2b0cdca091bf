package config

import (
	"sync"
	"time"
)

var (
	clientOnce   sync.Once
	clientConfig *ClientConfig
)

// ClientConfig configures the operator console.
type ClientConfig struct {
	APIBaseURL  string
	APIToken    string
	NatsURL     string
	NoticeTTL   time.Duration
	HTTPTimeout time.Duration
	PolicyFile  string
	LogLevel    string
}

func GetClientConfig() *ClientConfig {
	clientOnce.Do(func() {
		loadEnv()
		clientConfig = &ClientConfig{
			APIBaseURL:  getEnv("API_BASE_URL", "http://127.0.0.1:8080"),
			APIToken:    getEnv("API_TOKEN", ""),
			NatsURL:     getEnv("NATS_URL", "nats://127.0.0.1:4222"),
			NoticeTTL:   getEnvDuration("NOTICE_TTL", 5*time.Second),
			HTTPTimeout: getEnvDuration("API_TIMEOUT", 30*time.Second),
			PolicyFile:  getEnv("UPLOAD_POLICY_FILE", ""),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		}
	})
	return clientConfig
}
