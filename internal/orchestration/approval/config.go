package approval

import (
	"errors"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
)

type Config struct {
	PollInterval   time.Duration
	PollBatch      int
	DefaultTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	interval, err := env.Duration("ORCHESTRATOR_APPROVAL_POLL_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	batch, err := env.Int("ORCHESTRATOR_APPROVAL_POLL_BATCH", 100)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("ORCHESTRATOR_APPROVAL_DEFAULT_TIMEOUT", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{PollInterval: interval, PollBatch: batch, DefaultTimeout: timeout}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("ORCHESTRATOR_APPROVAL_POLL_INTERVAL must be > 0")
	}
	if c.PollBatch <= 0 {
		return errors.New("ORCHESTRATOR_APPROVAL_POLL_BATCH must be > 0")
	}
	if c.DefaultTimeout <= 0 {
		return errors.New("ORCHESTRATOR_APPROVAL_DEFAULT_TIMEOUT must be > 0")
	}
	return nil
}
