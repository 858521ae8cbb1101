package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Audio     AudioConfig
	Separator SeparatorConfig
	Split     SplitConfig
	R2        R2Config
	Storage   StorageConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	UploadPerHour int
	SplitPerHour  int
}

type AudioConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

type SeparatorConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

type SplitConfig struct {
	Queue       string
	Concurrency int
	MaxRetry    int
	TaskTimeout int    // seconds a task may stay pending before it counts as failed
	Format      string // transport format for chunks and stems
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type StorageConfig struct {
	StaticDir string
	PublicURL string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("audio.service_url", "AUDIO_SERVICE_URL")
	_ = viper.BindEnv("audio.timeout", "AUDIO_SERVICE_TIMEOUT")
	_ = viper.BindEnv("separator.service_url", "SEPARATOR_SERVICE_URL")
	_ = viper.BindEnv("separator.timeout", "SEPARATOR_SERVICE_TIMEOUT")
	_ = viper.BindEnv("split.queue", "SPLIT_QUEUE")
	_ = viper.BindEnv("split.concurrency", "SPLIT_CONCURRENCY")
	_ = viper.BindEnv("split.max_retry", "SPLIT_MAX_RETRY")
	_ = viper.BindEnv("split.task_timeout", "SPLIT_TASK_TIMEOUT")
	_ = viper.BindEnv("split.format", "SPLIT_FORMAT")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("storage.static_dir", "STORAGE_STATIC_DIR")
	_ = viper.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("ratelimit.upload_per_hour", 50)
	viper.SetDefault("ratelimit.split_per_hour", 20)

	// Audio service defaults
	viper.SetDefault("audio.service_url", "http://localhost:8084")
	viper.SetDefault("audio.timeout", 120)

	// Separator service defaults
	viper.SetDefault("separator.service_url", "http://localhost:8085")
	viper.SetDefault("separator.timeout", 300)

	// Split pipeline defaults
	viper.SetDefault("split.queue", "separate")
	viper.SetDefault("split.concurrency", 10)
	viper.SetDefault("split.max_retry", 3)
	viper.SetDefault("split.task_timeout", 600)
	viper.SetDefault("split.format", "mp3")

	// Storage defaults
	viper.SetDefault("storage.static_dir", "static")
	viper.SetDefault("storage.public_url", "http://localhost:8000/static")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		RateLimit: RateLimitConfig{
			UploadPerHour: viper.GetInt("ratelimit.upload_per_hour"),
			SplitPerHour:  viper.GetInt("ratelimit.split_per_hour"),
		},
		Audio: AudioConfig{
			ServiceURL: viper.GetString("audio.service_url"),
			Timeout:    viper.GetInt("audio.timeout"),
		},
		Separator: SeparatorConfig{
			ServiceURL: viper.GetString("separator.service_url"),
			Timeout:    viper.GetInt("separator.timeout"),
		},
		Split: SplitConfig{
			Queue:       viper.GetString("split.queue"),
			Concurrency: viper.GetInt("split.concurrency"),
			MaxRetry:    viper.GetInt("split.max_retry"),
			TaskTimeout: viper.GetInt("split.task_timeout"),
			Format:      viper.GetString("split.format"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Storage: StorageConfig{
			StaticDir: viper.GetString("storage.static_dir"),
			PublicURL: viper.GetString("storage.public_url"),
		},
	}

	return cfg, nil
}
