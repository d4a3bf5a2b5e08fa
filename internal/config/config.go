package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	// DB接続設定
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	SQLitePath string

	// サーバー設定
	ServerPort   string
	Env          string
	LogLevel     string
	WSSendBuffer int

	// CORS設定
	AllowedOrigins []string

	// 認証
	JWTSecret string

	// レート制限
	RateLimit        int
	RateWindow       time.Duration
	RateLimitBackend string
	RedisHost        string
	RedisPort        string

	// 消えるメッセージ
	DisappearTTL time.Duration
	ExpireRetry  time.Duration

	// イベントストリーム / トレース
	KafkaBrokers string
	KafkaTopic   string
	OTelEndpoint string
}

// Load loads configuration from environment variables
func Load() Config {
	cfg := Config{
		DBDriver:   getEnv("DB_DRIVER", "mysql"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		SQLitePath: getEnv("SQLITE_PATH", "tsubame.db"),

		ServerPort:   getEnv("SERVER_PORT", "8080"),
		Env:          getEnv("ENV", "development"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		WSSendBuffer: getInt("WS_SEND_BUFFER", 64),

		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000"), ","),

		JWTSecret: os.Getenv("JWT_SECRET"),

		RateLimit:        getInt("RATE_LIMIT", 20),
		RateWindow:       getDuration("RATE_WINDOW", time.Minute),
		RateLimitBackend: getEnv("RATE_LIMIT_BACKEND", "memory"),
		RedisHost:        getEnv("REDIS_HOST", "localhost"),
		RedisPort:        getEnv("REDIS_PORT", "6379"),

		DisappearTTL: getDuration("DISAPPEAR_TTL", 5*time.Minute),
		ExpireRetry:  getDuration("EXPIRE_RETRY", 30*time.Second),

		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "chat.events"),
		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	return cfg
}

// IsProduction reports whether ENV is production
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// 不正な値はデフォルトに戻す
func getInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
