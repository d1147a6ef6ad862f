package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeTemp(t, "end-time: 100\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SchedulerQueue != QueueThreeTier {
		t.Fatalf("expected default scheduler-queue, got %v", cfg.SchedulerQueue)
	}
	if cfg.LadderMaxRungs != 8 || cfg.LadderT2K != 32 {
		t.Fatalf("expected ladder defaults, got %+v", cfg)
	}
	if cfg.EndTime != 100 {
		t.Fatalf("expected end-time 100, got %v", cfg.EndTime)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTemp(t, "scheduler-queue: lock-free-skip\nthreads-per-rank: 4\nranks: 1\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SchedulerQueue != QueueLockFreeSkip || cfg.ThreadsPerRank != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateRejectsMultiThreadWithoutLockFreeQueue(t *testing.T) {
	cfg := Default()
	cfg.ThreadsPerRank = 2
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateRejectsMismatchedListenAddrs(t *testing.T) {
	cfg := Default()
	cfg.Ranks = 2
	cfg.ListenAddrs = []string{"127.0.0.1:9000"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for mismatched listen-addrs")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
