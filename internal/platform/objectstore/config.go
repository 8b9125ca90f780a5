package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
)

type Config struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Region      string
	UseSSL      bool
	BucketGraph string
}

// Enabled reports whether an endpoint was configured. Without one the
// service keeps graphs in the database only and never archives.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("ORCHESTRATOR_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:    env.String("ORCHESTRATOR_MINIO_ENDPOINT", ""),
		AccessKey:   env.String("ORCHESTRATOR_MINIO_ACCESS_KEY", ""),
		SecretKey:   env.String("ORCHESTRATOR_MINIO_SECRET_KEY", ""),
		Region:      env.String("ORCHESTRATOR_MINIO_REGION", "us-east-1"),
		UseSSL:      useSSL,
		BucketGraph: env.String("ORCHESTRATOR_MINIO_BUCKET_GRAPHS", "orchestration-graphs"),
	}
	if !cfg.Enabled() {
		return cfg, nil
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
	if strings.TrimSpace(c.BucketGraph) == "" {
		return errors.New("graph bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
