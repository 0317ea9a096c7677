package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPremiumGrantAndShow(t *testing.T) {
	t.Setenv("FEELIX_DB_PATH", filepath.Join(t.TempDir(), "feelix.db"))

	out, err := execute(t, "premium", "grant", "42", "--days", "7")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !strings.HasPrefix(out, "User 42 is Premium until") {
		t.Errorf("grant output = %q", out)
	}

	out, err = execute(t, "premium", "show", "42")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "premium:        true") {
		t.Errorf("show output = %q", out)
	}
}

func TestPremiumGrant_BadID(t *testing.T) {
	t.Setenv("FEELIX_DB_PATH", filepath.Join(t.TempDir(), "feelix.db"))
	if _, err := execute(t, "premium", "grant", "abc"); err == nil {
		t.Error("expected error for a non-numeric id")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("FEELIX_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("FEELIX_LLM_API_KEYS", "k1, k2")
	t.Setenv("FEELIX_CF_ACCOUNT_ID", "acc")
	t.Setenv("FEELIX_CF_GATEWAY_ID", "gw")
	t.Setenv("FEELIX_MANAGER_IDS", "900")
	t.Setenv("FEELIX_MATRIX_HOMESERVER", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if len(cfg.LLM.APIKeys) != 2 {
		t.Errorf("keys = %v", cfg.LLM.APIKeys)
	}
	if want := "https://gateway.ai.cloudflare.com/v1/acc/gw/groq"; cfg.LLM.BaseURL != want {
		t.Errorf("base URL = %q, want %q", cfg.LLM.BaseURL, want)
	}
	if len(cfg.Bot.Managers) != 1 || cfg.Bot.Managers[0] != 900 {
		t.Errorf("managers = %v", cfg.Bot.Managers)
	}
	if cfg.Matrix != nil {
		t.Error("matrix configured without a homeserver")
	}
	if cfg.DailyBudget != 7000 {
		t.Errorf("budget = %d", cfg.DailyBudget)
	}
}

func TestLoadConfig_MissingToken(t *testing.T) {
	t.Setenv("FEELIX_TELEGRAM_TOKEN", "")
	if _, err := loadConfig(); err == nil {
		t.Error("expected error without a telegram token")
	}
}

func TestLoadConfig_BadMasterKey(t *testing.T) {
	t.Setenv("FEELIX_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("FEELIX_LLM_API_KEYS", "k1")
	t.Setenv("FEELIX_LLM_BASE_URL", "http://localhost/v1")
	t.Setenv("FEELIX_MASTER_KEY", "zz")
	if _, err := loadConfig(); err == nil {
		t.Error("expected error for a malformed master key")
	}
}
