// Package storage exposes object-storage lookups (AWS S3 and S3-compatible
// stores) as registry capabilities.
package storage

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Config configures the S3 client behind a storage capability.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
//
// For S3-compatible stores (Wasabi, MinIO, moto), set Endpoint and typically
// ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `mapstructure:"bucket"`

	// Region is the AWS region. For AWS S3 it defaults to us-east-1 when
	// neither config nor environment set one.
	Region string `mapstructure:"region"`

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string `mapstructure:"endpoint"`

	// Profile is the AWS profile name to use from shared config.
	Profile string `mapstructure:"profile"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	ForcePathStyle bool `mapstructure:"force_path_style"`

	// MaxKeys caps list results. Zero uses DefaultMaxKeys.
	MaxKeys int `mapstructure:"max_keys"`
}

// DefaultMaxKeys is the default page size for list calls.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}

	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}

	if c.MaxKeys < 0 {
		return &ConfigError{Field: "MaxKeys", Message: "must be >= 0"}
	}

	return nil
}

// Merge returns c with empty fields filled from defaults.
func (c Config) Merge(defaults Config) Config {
	if c.Region == "" {
		c.Region = defaults.Region
	}
	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	if c.Profile == "" {
		c.Profile = defaults.Profile
	}
	if c.AccessKeyID == "" && c.SecretAccessKey == "" {
		c.AccessKeyID = defaults.AccessKeyID
		c.SecretAccessKey = defaults.SecretAccessKey
	}
	if !c.ForcePathStyle {
		c.ForcePathStyle = defaults.ForcePathStyle
	}
	if c.MaxKeys == 0 {
		c.MaxKeys = defaults.MaxKeys
	}
	return c
}

// DecodeConfig decodes a manifest config block. Unknown keys are rejected.
func DecodeConfig(raw map[string]any) (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("decode storage config: %w", err)
	}
	return cfg, nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
