package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ipsframework/ipsportal/pkg/fsutil"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment variable overrides, e.g.
	// IPSPORTAL_DATABASE_DRIVER=sqlite.
	EnvPrefix = "IPSPORTAL"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":5000"

	// DefaultQueryTimeout caps list and aggregate queries.
	DefaultQueryTimeout = 30 * time.Second

	// DefaultMaxUploadBytes caps a single uploaded artifact.
	DefaultMaxUploadBytes = 512 << 20

	// DefaultRunTimeout is how long a Running run may stay idle before it
	// is listed as Timeout.
	DefaultRunTimeout = 3 * time.Hour

	// DefaultTracingTimeout bounds calls to the tracing backend.
	DefaultTracingTimeout = time.Second

	// DefaultMongoDatabase is the default MongoDB database name.
	DefaultMongoDatabase = "portal"
)

// Config is the root configuration for the portal.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Storage   StorageConfig   `yaml:"storage,omitempty" mapstructure:"storage"`
	Tracing   TracingConfig   `yaml:"tracing" mapstructure:"tracing"`
	Runs      RunsConfig      `yaml:"runs" mapstructure:"runs"`
	Ensembles EnsemblesConfig `yaml:"ensembles" mapstructure:"ensembles"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// TracingConfig points at the Jaeger deployment. Spans reported by the
// framework are forwarded to ZipkinURL; JaegerQueryURL and JaegerUIURL are
// used to look up and link to existing traces.
type TracingConfig struct {
	ZipkinURL      string            `yaml:"zipkin_url,omitempty" mapstructure:"zipkin_url"`
	JaegerQueryURL string            `yaml:"jaeger_query_url,omitempty" mapstructure:"jaeger_query_url"`
	JaegerUIURL    string            `yaml:"jaeger_ui_url,omitempty" mapstructure:"jaeger_ui_url"`
	Timeout        time.Duration     `yaml:"timeout,omitempty" mapstructure:"timeout"`
	Self           SelfTracingConfig `yaml:"self,omitempty" mapstructure:"self"`
}

// SelfTracingConfig enables tracing of the portal's own requests.
type SelfTracingConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string `yaml:"service_name,omitempty" mapstructure:"service_name"`
}

// RunsConfig tunes run listing.
type RunsConfig struct {
	TimeoutThreshold time.Duration `yaml:"timeout_threshold,omitempty" mapstructure:"timeout_threshold"`
}

// EnsemblesConfig locates ensemble CSV files and the Jupyter links written
// into them.
type EnsemblesConfig struct {
	Dir              string `yaml:"dir,omitempty" mapstructure:"dir"`
	JupyterURLPrefix string `yaml:"jupyter_url_prefix,omitempty" mapstructure:"jupyter_url_prefix"`

	// Owner is an optional "UID:GID" the written tables are handed to, so
	// notebook servers running as another user can read them.
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// Load reads one or more configuration files, later files overriding
// earlier ones, then applies IPSPORTAL_* environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every key viper should know about. Keys must be
// registered for AutomaticEnv to pick them up when the file omits them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.query_timeout", DefaultQueryTimeout.String())
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.max_upload_bytes", DefaultMaxUploadBytes)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.ingest.requests_per_minute", 6000)
	v.SetDefault("server.rate_limit.data.requests_per_minute", 600)
	v.SetDefault("server.rate_limit.public.requests_per_minute", 1200)

	v.SetDefault("auth.api_key", "")

	v.SetDefault("database.driver", "mongo")
	v.SetDefault("database.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("database.mongo.database", DefaultMongoDatabase)
	v.SetDefault("database.mongo.username", "")
	v.SetDefault("database.mongo.password", "")
	v.SetDefault("database.sqlite.path", "ipsportal.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "portal")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("tracing.zipkin_url", "")
	v.SetDefault("tracing.jaeger_query_url", "")
	v.SetDefault("tracing.jaeger_ui_url", "")
	v.SetDefault("tracing.timeout", DefaultTracingTimeout.String())
	v.SetDefault("tracing.self.enabled", false)
	v.SetDefault("tracing.self.service_name", "ipsportal")

	v.SetDefault("runs.timeout_threshold", DefaultRunTimeout.String())

	v.SetDefault("ensembles.dir", filepath.Join(os.TempDir(), "ipsportal-ensembles"))
	v.SetDefault("ensembles.jupyter_url_prefix", "")
	v.SetDefault("ensembles.owner", "")
}

// applyDefaults fills values that depend on other settings.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.QueryTimeout <= 0 {
		c.Server.QueryTimeout = DefaultQueryTimeout
	}

	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}

	if c.Runs.TimeoutThreshold <= 0 {
		c.Runs.TimeoutThreshold = DefaultRunTimeout
	}

	if c.Tracing.Timeout <= 0 {
		c.Tracing.Timeout = DefaultTracingTimeout
	}

	if s3 := c.Storage.S3; s3 != nil && s3.PublicURL == "" {
		s3.PublicURL = s3.EndpointURL
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	switch c.Database.Driver {
	case "mongo":
		if c.Database.Mongo.URI == "" {
			return fmt.Errorf("database.mongo.uri is required for the mongo driver")
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.host and database are required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q (mongo, sqlite, postgres)", c.Database.Driver)
	}

	if s3 := c.Storage.S3; s3 != nil && s3.Enabled {
		if s3.EndpointURL == "" {
			return fmt.Errorf("storage.s3.endpoint_url is required when s3 is enabled")
		}

		if !strings.HasPrefix(s3.EndpointURL, "http://") &&
			!strings.HasPrefix(s3.EndpointURL, "https://") {
			return fmt.Errorf("storage.s3.endpoint_url %q must include a scheme", s3.EndpointURL)
		}
	}

	if c.Server.RateLimit.Enabled {
		for name, tier := range map[string]RateLimitTier{
			"ingest": c.Server.RateLimit.Ingest,
			"data":   c.Server.RateLimit.Data,
			"public": c.Server.RateLimit.Public,
		} {
			if tier.RequestsPerMinute <= 0 {
				return fmt.Errorf("server.rate_limit.%s.requests_per_minute must be positive", name)
			}
		}
	}

	if c.Ensembles.Dir != "" && !filepath.IsAbs(c.Ensembles.Dir) {
		return fmt.Errorf("ensembles.dir %q must be an absolute path", c.Ensembles.Dir)
	}

	if _, err := fsutil.ParseOwner(c.Ensembles.Owner); err != nil {
		return fmt.Errorf("ensembles.owner: %w", err)
	}

	return nil
}
