// Package s3backend stores job records in AWS S3 or S3-compatible storage.
package s3backend

import (
	"fmt"
	"net/url"
	"strings"
)

// Config configures an S3 job-record backend.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are set:
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials/config files, optionally with Profile
//  4. EC2 instance metadata / ECS task role / EKS IRSA
//
// For S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Prefix is the key prefix under which job units are kept.
	// Records live at <prefix>/<job_id>/job.json.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`

	// Region is the AWS region. Defaults to us-east-1 for AWS when nothing
	// else resolves one; no default is applied when Endpoint is set.
	Region string `mapstructure:"region" yaml:"region"`

	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Profile  string `mapstructure:"profile" yaml:"profile"`

	AccessKeyID     string `mapstructure:"access_key_id" yaml:"-"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`

	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`
}

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
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 backend config: " + e.Field + ": " + e.Message
}

// ParseRoot splits an s3://bucket/prefix root into bucket and prefix.
func ParseRoot(root string) (bucket, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(root))
	if err != nil {
		return "", "", fmt.Errorf("parse s3 root: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3 root must use the s3:// scheme: %q", root)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("s3 root is missing a bucket: %q", root)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

// IsRoot reports whether root names an S3 location.
func IsRoot(root string) bool {
	return strings.HasPrefix(strings.TrimSpace(root), "s3://")
}

// resolveRegion applies the us-east-1 fallback for AWS S3 only.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
