// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the coordinator and its ambient/domain
// components need.
type Config struct {
	Port   string
	DataDir string

	DatabaseURL string // Audit Log; empty disables it
	RedisURL    string // Event Bus; empty disables it

	MinioEndpoint  string // Artifact Mirror; empty disables it
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioSecure    bool

	DownloadTokenSecret string
	DownloadTokenTTL    time.Duration

	MaxChunkSize  int64
	MaxProbeSize  int64
	RateLimitRPS  int
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	DowntimeThreshold time.Duration
}

// Load reads configuration from the environment, applying the same
// defaults the coordinator has always shipped with.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("minio_endpoint", "")
	v.SetDefault("minio_access_key", "")
	v.SetDefault("minio_secret_key", "")
	v.SetDefault("minio_bucket", "uploads")
	v.SetDefault("minio_secure", false)
	v.SetDefault("download_token_secret", "")
	v.SetDefault("download_token_ttl_seconds", 900)
	v.SetDefault("max_chunk_size", 80*1024*1024)
	v.SetDefault("max_probe_size", 5*1024*1024)
	v.SetDefault("rate_limit_rps", 100)
	v.SetDefault("allowed_origins", "*")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("downtime_threshold_seconds", 2.0)

	for _, key := range []string{
		"port", "data_dir", "database_url", "redis_url",
		"minio_endpoint", "minio_access_key", "minio_secret_key", "minio_bucket", "minio_secure",
		"download_token_secret", "download_token_ttl_seconds",
		"max_chunk_size", "max_probe_size", "rate_limit_rps", "allowed_origins",
		"log_level", "log_format", "downtime_threshold_seconds",
	} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	origins := strings.Split(v.GetString("allowed_origins"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	port := v.GetString("port")
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("config: invalid port %q: %w", port, err)
	}

	return &Config{
		Port:    port,
		DataDir: v.GetString("data_dir"),

		DatabaseURL: v.GetString("database_url"),
		RedisURL:    v.GetString("redis_url"),

		MinioEndpoint:  v.GetString("minio_endpoint"),
		MinioAccessKey: v.GetString("minio_access_key"),
		MinioSecretKey: v.GetString("minio_secret_key"),
		MinioBucket:    v.GetString("minio_bucket"),
		MinioSecure:    v.GetBool("minio_secure"),

		DownloadTokenSecret: v.GetString("download_token_secret"),
		DownloadTokenTTL:    time.Duration(v.GetInt64("download_token_ttl_seconds")) * time.Second,

		MaxChunkSize:   v.GetInt64("max_chunk_size"),
		MaxProbeSize:   v.GetInt64("max_probe_size"),
		RateLimitRPS:   v.GetInt("rate_limit_rps"),
		AllowedOrigins: origins,

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),

		DowntimeThreshold: time.Duration(v.GetFloat64("downtime_threshold_seconds") * float64(time.Second)),
	}, nil
}
