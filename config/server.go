package config

import (
	"sync"
	"time"
)

var (
	serverOnce   sync.Once
	serverConfig *ServerConfig
)

// ServerConfig configures the reference backend and its worker.
type ServerConfig struct {
	Addr             string
	RedisAddr        string
	RedisDB          int
	NatsURL          string
	StorageType      string
	OrphanRetention  time.Duration
	GCInterval       string
	WorkerConcurrent int
	PolicyFile       string
	LogLevel         string
}

func GetServerConfig() *ServerConfig {
	serverOnce.Do(func() {
		loadEnv()
		serverConfig = &ServerConfig{
			Addr:             getEnv("HTTP_ADDR", ":8080"),
			RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
			RedisDB:          getEnvInt("REDIS_DB", 0),
			NatsURL:          getEnv("NATS_URL", "nats://127.0.0.1:4222"),
			StorageType:      getEnv("STORAGE_TYPE", "minio"),
			OrphanRetention:  getEnvDuration("ORPHAN_RETENTION", 24*time.Hour),
			GCInterval:       getEnv("GC_CRON", "@every 1h"),
			WorkerConcurrent: getEnvInt("WORKER_CONCURRENCY", 5),
			PolicyFile:       getEnv("UPLOAD_POLICY_FILE", ""),
			LogLevel:         getEnv("LOG_LEVEL", "info"),
		}
	})
	return serverConfig
}
