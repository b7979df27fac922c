package main

import (
	"testing"
)

func TestResolveAuthConfigMissingClientID(t *testing.T) {
	cmd := tokenRefreshCmd()
	cmd.Flags().String("log-level", "info", "")
	logger := resolveLogger(cmd)

	if _, err := resolveAuthConfig(cmd, nil, logger); err == nil {
		t.Fatal("expected an error without a client id")
	}
}

func TestResolveAuthConfigEnvFallback(t *testing.T) {
	t.Setenv("TICKWIRE_CLIENT_ID", "env-app-id")
	t.Setenv("TICKWIRE_CLIENT_SECRET", "env-app-secret")

	cmd := tokenRefreshCmd()
	cmd.Flags().String("log-level", "info", "")
	logger := resolveLogger(cmd)

	cfg, err := resolveAuthConfig(cmd, nil, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ClientID != "env-app-id" || cfg.ClientSecret != "env-app-secret" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.RedirectURL == "" {
		t.Error("default redirect URL not applied")
	}
}

func TestResolveAuthConfigFlagBeatsEnv(t *testing.T) {
	t.Setenv("TICKWIRE_CLIENT_ID", "env-app-id")

	cmd := tokenRefreshCmd()
	cmd.Flags().String("log-level", "info", "")
	if err := cmd.Flags().Set("client-id", "flag-app-id"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	logger := resolveLogger(cmd)

	cfg, err := resolveAuthConfig(cmd, nil, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ClientID != "flag-app-id" {
		t.Errorf("client id = %q, want flag-app-id", cfg.ClientID)
	}
}
