// Package config loads storage backend settings from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Config holds the storage backend settings consumed by the service.
type Config struct {
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	KeyPrefix       string
}

// FromEnv reads the S3_* environment variables. Bucket, endpoint, and both
// credential halves are required; region defaults to "ru-1" and the key
// prefix is optional.
func FromEnv() (Config, error) {
	cfg := Config{
		Bucket:          os.Getenv("S3_BUCKET"),
		Endpoint:        os.Getenv("S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("S3_ACCESS_KEY"),
		SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		Region:          getenv("S3_REGION", "ru-1"),
		KeyPrefix:       os.Getenv("S3_KEY_PREFIX"),
	}

	var missing []string
	for _, v := range []struct{ name, value string }{
		{"S3_BUCKET", cfg.Bucket},
		{"S3_ENDPOINT", cfg.Endpoint},
		{"S3_ACCESS_KEY", cfg.AccessKeyID},
		{"S3_SECRET_ACCESS_KEY", cfg.SecretAccessKey},
	} {
		if v.value == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
