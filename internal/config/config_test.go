package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadClampsBadNumericValues(t *testing.T) {
	t.Setenv("SALE_TX_TIMEOUT_SECONDS", "-5")
	t.Setenv("BATCH_MERGE_WINDOW_HOURS", "abc")

	cfg := Load()
	if cfg.SaleTxTimeoutSeconds != 30 {
		t.Fatalf("expected sale timeout fallback 30, got %d", cfg.SaleTxTimeoutSeconds)
	}
	if cfg.BatchMergeWindowHours != 24 {
		t.Fatalf("expected merge window fallback 24, got %d", cfg.BatchMergeWindowHours)
	}
}
