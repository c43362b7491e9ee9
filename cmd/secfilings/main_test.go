package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperifyio/secfilings/internal/fetch"
	"github.com/hyperifyio/secfilings/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "secfilings ") {
		t.Fatalf("unexpected output %q", out)
	}
}

// Without an identity nothing is opened or fetched.
func TestMissingIdentityIsAConfigError(t *testing.T) {
	t.Setenv("SEC_USER_AGENT", "")
	dir := t.TempDir()
	_, err := execute(t, "sections", "0000320193-24-000123", "--env-file", filepath.Join(dir, "none.env"), "--data-dir", dir)
	if !errors.Is(err, fetch.ErrMissingIdentity) {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}
}

func TestEnvFileSuppliesIdentityAndFlagsWin(t *testing.T) {
	t.Setenv("SEC_USER_AGENT", "")
	t.Setenv("DATA_DIR", "")
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envFile, []byte("SEC_USER_AGENT=Desk desk@example.com\nDATA_DIR="+filepath.Join(dir, "ignored")+"\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	dataDir := filepath.Join(dir, "data")
	_, err := execute(t, "sections", "0000320193-24-000123", "--env-file", envFile, "--data-dir", dataDir)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an empty database, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "filings.db")); err != nil {
		t.Fatalf("flag data dir should win over env: %v", err)
	}
}

func TestAnalyzeRejectsUnknownKind(t *testing.T) {
	_, err := execute(t, "analyze", "0000320193-24-000123", "--kind", "sentiment")
	if err == nil || !strings.Contains(err.Error(), "unknown analysis kind") {
		t.Fatalf("expected kind error, got %v", err)
	}
}

func TestFinancialsUnknownFilingIsNotFound(t *testing.T) {
	t.Setenv("SEC_USER_AGENT", "Desk desk@example.com")
	dir := t.TempDir()
	_, err := execute(t, "financials", "0000320193-24-000123", "--env-file", filepath.Join(dir, "none.env"), "--data-dir", dir, "--facts")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
