package objectstore

import (
	"context"
	"errors"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:    "localhost:9000",
		AccessKey:   "a",
		SecretKey:   "b",
		Region:      "us-east-1",
		BucketGraph: "orchestration-graphs",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}
}

func TestConfigFromEnvDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("ORCHESTRATOR_MINIO_ENDPOINT", "")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Enabled() {
		t.Fatalf("expected archive disabled")
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Get(missing) err=%v, want ErrObjectNotFound", err)
	}
	body := []byte(`{"a":1}`)
	if err := s.Put(ctx, "k", body, "application/json"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	body[0] = 'x'
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("Get=%q, stored bytes must not alias caller", got)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len=%d, want 0", s.Len())
	}
}
