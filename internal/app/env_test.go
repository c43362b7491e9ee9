package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEnvFiles_LoadsKeyValues(t *testing.T) {
	t.Setenv("FOO", "")
	t.Setenv("BAR", "")
	t.Setenv("BAZ", "")

	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "\n# sample dotenv file\nFOO=alpha\nexport BAR=\"beta gamma\"\nBAZ=delta # trailing\nmalformed\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	if err := LoadEnvFiles(envPath, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnvFiles error: %v", err)
	}
	for key, want := range map[string]string{"FOO": "alpha", "BAR": "beta gamma", "BAZ": "delta"} {
		if got := os.Getenv(key); got != want {
			t.Fatalf("%s=%q, want %q", key, got, want)
		}
	}
}

// Later files override earlier ones when loading multiple dotenv files.
func TestLoadEnvFiles_OverrideOrder(t *testing.T) {
	t.Setenv("K", "")
	dir := t.TempDir()
	a := filepath.Join(dir, ".env.a")
	b := filepath.Join(dir, ".env.b")
	if err := os.WriteFile(a, []byte("K=first\n"), 0o600); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := os.WriteFile(b, []byte("K=second\n"), 0o600); err != nil {
		t.Fatalf("write b: %v", err)
	}
	if err := LoadEnvFiles(a, b); err != nil {
		t.Fatalf("LoadEnvFiles error: %v", err)
	}
	if got := os.Getenv("K"); got != "second" {
		t.Fatalf("override order failed: got %q, want second", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SEC_USER_AGENT", "Desk desk@example.com")
	t.Setenv("SEC_REQUEST_DELAY", "0.25")
	t.Setenv("WORKERS", "8")
	t.Setenv("MAX_FILING_AGE_DAYS", "30")
	t.Setenv("DATABASE_PATH", "/tmp/f.db")
	t.Setenv("FORM_TYPE", "10-q")
	t.Setenv("INCLUDE_AMENDMENTS", "yes")
	t.Setenv("LLM_MODEL", "")

	cfg := DefaultConfig()
	cfg.LLMModel = "from-file"
	ApplyEnvOverrides(&cfg)
	if cfg.UserAgent != "Desk desk@example.com" || cfg.DatabasePath != "/tmp/f.db" {
		t.Fatalf("string settings not applied: %+v", cfg)
	}
	if cfg.RequestDelay != 250*time.Millisecond {
		t.Fatalf("RequestDelay=%v, want 250ms", cfg.RequestDelay)
	}
	if cfg.Workers != 8 || cfg.MaxFilingAge != 30*24*time.Hour || cfg.FormType != "10-Q" || !cfg.IncludeAmendments {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if cfg.LLMModel != "from-file" {
		t.Fatalf("empty env must not clear a configured value")
	}
}

func TestApplyEnvOverrides_IgnoresUnparsable(t *testing.T) {
	t.Setenv("WORKERS", "many")
	t.Setenv("SEC_REQUEST_DELAY", "-1")
	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if cfg.Workers != defaultWorkers || cfg.RequestDelay != defaultRequestDelay {
		t.Fatalf("bad values should be ignored: %+v", cfg)
	}
}
