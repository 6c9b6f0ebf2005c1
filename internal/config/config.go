package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
	Pipeline PipelineConfig
	Detector DetectorConfig
	Webhook  WebhookConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	APIKeys         []string
	JWTSecret       string
	RateLimitRPS    int
	RateLimitBurst  int
}

// DatabaseConfig holds database configuration. An empty host disables run history.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the postgres connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// RedisConfig holds Redis configuration. An empty host disables the progress mirror.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
	LockTTL  time.Duration
}

// Addr returns host:port
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds object storage configuration. An empty endpoint
// disables publishing of output videos.
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
	URLExpiry       time.Duration
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
	Name     string
}

// URL returns the AMQP connection URL
func (c QueueConfig) URL() string {
	vhost := strings.TrimPrefix(c.Vhost, "/")
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, vhost)
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds Jaeger configuration. An empty endpoint installs a no-op tracer.
type TracingConfig struct {
	ServiceName string
	Endpoint    string
	SampleRate  float64
}

// PipelineConfig holds frame store, codec and stage settings
type PipelineConfig struct {
	FrameDir      string
	LabelDir      string
	OutputDir     string
	UploadDir     string
	ImageFormat   string
	JPEGQuality   int
	Backend       string
	Codec         string
	FFmpegPath    string
	FFprobePath   string
	DetectFailure string
	Reveal        string
}

// DetectorConfig describes the inference worker subprocess
type DetectorConfig struct {
	Command string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// WebhookConfig lists endpoints notified when a stage completes
type WebhookConfig struct {
	URLs       []string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
}

// Load reads configuration from file and environment variables. An empty
// path loads defaults and environment only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VEHICLEDETECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	switch c.Pipeline.ImageFormat {
	case "jpg", "png":
	default:
		return fmt.Errorf("invalid pipeline.imageFormat %q", c.Pipeline.ImageFormat)
	}
	switch c.Pipeline.DetectFailure {
	case "abort", "skip":
	default:
		return fmt.Errorf("invalid pipeline.detectFailure %q", c.Pipeline.DetectFailure)
	}
	if c.Pipeline.JPEGQuality < 1 || c.Pipeline.JPEGQuality > 100 {
		return fmt.Errorf("invalid pipeline.jpegQuality %d", c.Pipeline.JPEGQuality)
	}
	if c.Pipeline.FrameDir == "" || c.Pipeline.LabelDir == "" {
		return fmt.Errorf("pipeline.frameDir and pipeline.labelDir are required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.apiKeys", []string{})
	v.SetDefault("server.jwtSecret", "")
	v.SetDefault("server.rateLimitRPS", 10)
	v.SetDefault("server.rateLimitBurst", 20)

	// Database defaults
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "vehicledetect")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 1)

	// Redis defaults
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "24h")
	v.SetDefault("redis.lockTTL", "2h")

	// Storage defaults
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "detections")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)
	v.SetDefault("storage.urlExpiry", "24h")

	// Queue defaults
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")
	v.SetDefault("queue.name", "vehicledetect_runs")

	// Logging, metrics, tracing
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("tracing.serviceName", "vehicledetect")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampleRate", 1.0)

	// Pipeline defaults
	v.SetDefault("pipeline.frameDir", "data/images")
	v.SetDefault("pipeline.labelDir", "data/labels")
	v.SetDefault("pipeline.outputDir", "output")
	v.SetDefault("pipeline.uploadDir", "data/uploads")
	v.SetDefault("pipeline.imageFormat", "jpg")
	v.SetDefault("pipeline.jpegQuality", 95)
	v.SetDefault("pipeline.backend", "ffmpeg")
	v.SetDefault("pipeline.codec", "mp4v")
	v.SetDefault("pipeline.ffmpegPath", "ffmpeg")
	v.SetDefault("pipeline.ffprobePath", "ffprobe")
	v.SetDefault("pipeline.detectFailure", "abort")
	v.SetDefault("pipeline.reveal", "log")

	// Detector defaults
	v.SetDefault("detector.command", "python3")
	v.SetDefault("detector.args", []string{"detector_worker.py"})
	v.SetDefault("detector.timeout", "30s")

	// Webhook defaults
	v.SetDefault("webhook.urls", []string{})
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.maxRetries", 3)
}
