package interrupt

import (
	"errors"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
)

type Config struct {
	// Owner identifies this engine instance in per-plan claims.
	Owner        string
	ClaimTTL     time.Duration
	ScanInterval time.Duration
	ScanBatch    int
	Workers      int
	QueueSize    int
}

func ConfigFromEnv() (Config, error) {
	ttl, err := env.Duration("ORCHESTRATOR_INTERRUPT_CLAIM_TTL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	scan, err := env.Duration("ORCHESTRATOR_INTERRUPT_SCAN_INTERVAL", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	batch, err := env.Int("ORCHESTRATOR_INTERRUPT_SCAN_BATCH", 50)
	if err != nil {
		return Config{}, err
	}
	workers, err := env.Int("ORCHESTRATOR_INTERRUPT_WORKERS", 4)
	if err != nil {
		return Config{}, err
	}
	queue, err := env.Int("ORCHESTRATOR_INTERRUPT_QUEUE_SIZE", 256)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Owner:        env.String("ORCHESTRATOR_INTERRUPT_OWNER", defaultOwner()),
		ClaimTTL:     ttl,
		ScanInterval: scan,
		ScanBatch:    batch,
		Workers:      workers,
		QueueSize:    queue,
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Owner == "" {
		return errors.New("ORCHESTRATOR_INTERRUPT_OWNER is required")
	}
	if c.ClaimTTL <= 0 {
		return errors.New("ORCHESTRATOR_INTERRUPT_CLAIM_TTL must be > 0")
	}
	if c.ScanInterval <= 0 {
		return errors.New("ORCHESTRATOR_INTERRUPT_SCAN_INTERVAL must be > 0")
	}
	if c.ScanBatch <= 0 || c.Workers <= 0 || c.QueueSize <= 0 {
		return errors.New("interrupt scan batch, workers and queue size must be > 0")
	}
	return nil
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "orchestrator"
	}
	return host + "-" + uuid.NewString()[:8]
}
