package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/orchon-labs/orchon-go/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketStateData string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("ORCHON_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("ORCHON_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("ORCHON_MINIO_ACCESS_KEY", "orchon"),
		SecretKey:       env.String("ORCHON_MINIO_SECRET_KEY", "orchonminio"),
		Region:          env.String("ORCHON_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketStateData: env.String("ORCHON_MINIO_BUCKET_STATE_DATA", "state-data"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketStateData) == "" {
		return errors.New("state data bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
