package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfig_YAML(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Listen: ":5000", QueryTimeout: 30 * time.Second},
		Auth:   AuthConfig{APIKey: "hunter2"},
		Database: DatabaseConfig{
			Driver: "mongo",
			Mongo:  MongoConfig{URI: "mongodb://db:27017", Database: "portal", Password: "pw"},
		},
		Storage: StorageConfig{S3: &S3Config{
			Enabled:         true,
			EndpointURL:     "http://minio:9000",
			AccessKeyID:     "minio",
			SecretAccessKey: "minio123",
		}},
	}

	out, err := cfg.YAML()
	require.NoError(t, err)

	text := string(out)
	assert.NotContains(t, text, "hunter2")
	assert.NotContains(t, text, "minio123")
	assert.Contains(t, text, "query_timeout: 30s")

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, redacted, decoded["auth"].(map[string]any)["api_key"])

	s3 := decoded["storage"].(map[string]any)["s3"].(map[string]any)
	assert.Equal(t, "http://minio:9000", s3["endpoint_url"])
	assert.Equal(t, redacted, s3["secret_access_key"])

	// The original is left untouched.
	assert.Equal(t, "hunter2", cfg.Auth.APIKey)
	assert.Equal(t, "minio123", cfg.Storage.S3.SecretAccessKey)
}

func TestConfig_RedactedLeavesEmptyValues(t *testing.T) {
	cfg := &Config{}

	r := cfg.Redacted()
	assert.Empty(t, r.Auth.APIKey)
	assert.Nil(t, r.Storage.S3)
}
