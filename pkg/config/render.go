package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// Redacted returns a copy of c with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c

	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}

	mask(&out.Auth.APIKey)
	mask(&out.Database.Mongo.Password)
	mask(&out.Database.Postgres.Password)

	if c.Storage.S3 != nil {
		s3 := *c.Storage.S3
		mask(&s3.AccessKeyID)
		mask(&s3.SecretAccessKey)
		out.Storage.S3 = &s3
	}

	return &out
}

// YAML renders the effective configuration with credentials masked.
func (c *Config) YAML() ([]byte, error) {
	b, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return b, nil
}
