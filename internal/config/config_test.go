package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnBadNumericValues(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "not-a-number")
	t.Setenv("CHECKOUT_TIMEOUT_SECONDS", "-3")

	cfg := Load()
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected default token TTL 480, got %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.CheckoutTimeoutSeconds != 10 {
		t.Fatalf("expected default checkout timeout 10, got %d", cfg.CheckoutTimeoutSeconds)
	}
}

func TestLoadUsesDefaultBranch(t *testing.T) {
	t.Setenv("DEFAULT_BRANCH_ID", "")

	cfg := Load()
	if cfg.DefaultBranchID != "br-pusat" {
		t.Fatalf("expected default branch br-pusat, got %q", cfg.DefaultBranchID)
	}
}
