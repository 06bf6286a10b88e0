package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadResolvesInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "store:\n  driver: postgres\n  dsn: postgres://x\n")
	top := writeFile(t, dir, "top.yaml", "$include: base.yaml\n")

	cfg, err := Load(top)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != "postgres" {
		t.Fatalf("expected the included file's driver to win, got %q", cfg.Store.Driver)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(a); err == nil {
		t.Fatal("expected an include cycle to be detected")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("ARBOR_TEST_DSN", "postgres://from-env")
	defer os.Unsetenv("ARBOR_TEST_DSN")
	path := writeFile(t, dir, "cfg.yaml", "store:\n  driver: postgres\n  dsn: ${ARBOR_TEST_DSN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.DSN != "postgres://from-env" {
		t.Fatalf("expected env var expansion, got %q", cfg.Store.DSN)
	}
}

func TestLoadFallsBackToDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cfg.yaml", "logging:\n  level: debug\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.MaxToolTurns != 25 {
		t.Fatalf("expected the default max tool turns to survive, got %d", cfg.Engine.MaxToolTurns)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected the file's logging level to override the default, got %q", cfg.Logging.Level)
	}
}
