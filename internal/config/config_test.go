package config

import (
	"testing"
	"time"
)

func TestDefaultLoader(t *testing.T) {
	cfg := DefaultLoader()
	if cfg.MaxBatchSize != 100 || cfg.MaxDepth != 10 || cfg.MaxConcurrency != 10 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.DeduplicateQueries || !cfg.EnableParallelism {
		t.Fatalf("dedup and parallelism default on: %+v", cfg)
	}
	if cfg.QueryTimeout() != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", cfg.QueryTimeout())
	}
}

func TestConnString(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, User: "app", Password: "pw", Name: "main"}
	want := "postgres://app:pw@db:5433/main?sslmode=disable"
	if got := d.ConnString(); got != want {
		t.Fatalf("conn string = %q, want %q", got, want)
	}
}
