package config

import "time"

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen       string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins  []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit    RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	QueryTimeout time.Duration   `yaml:"query_timeout,omitempty" mapstructure:"query_timeout"`
	BaseURL      string          `yaml:"base_url,omitempty" mapstructure:"base_url"`

	// MaxUploadBytes caps artifact and ensemble table bodies.
	MaxUploadBytes int64 `yaml:"max_upload_bytes,omitempty" mapstructure:"max_upload_bytes"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Ingest  RateLimitTier `yaml:"ingest,omitempty" mapstructure:"ingest"`
	Data    RateLimitTier `yaml:"data,omitempty" mapstructure:"data"`
	Public  RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AuthConfig contains authentication settings for write endpoints.
type AuthConfig struct {
	APIKey string `yaml:"api_key,omitempty" mapstructure:"api_key"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	Mongo    MongoConfig          `yaml:"mongo,omitempty" mapstructure:"mongo"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// MongoConfig contains MongoDB connection settings.
type MongoConfig struct {
	URI      string `yaml:"uri" mapstructure:"uri"`
	Database string `yaml:"database" mapstructure:"database"`
	Username string `yaml:"username,omitempty" mapstructure:"username"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// StorageConfig contains object storage settings for run artifacts.
type StorageConfig struct {
	S3 *S3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3Config contains settings for the S3-compatible (MinIO) artifact store.
// EndpointURL is what the portal talks to; PublicURL is the base of the
// links handed back to users and defaults to EndpointURL.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	PublicURL       string `yaml:"public_url,omitempty" mapstructure:"public_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	PublicRead      bool   `yaml:"public_read" mapstructure:"public_read"`
}
