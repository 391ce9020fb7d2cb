package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadJSONAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{
		"databases": {"sqlite3": {"path": "data/chat.db"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":8080" || cfg.BasicConfig.DefaultChannel != "general" {
		t.Fatalf("unexpected basic defaults: %#v", cfg.BasicConfig)
	}
	if cfg.Classifier.Backend != "heuristic" || cfg.Classifier.Timeout() != 10*time.Second {
		t.Fatalf("unexpected classifier defaults: %#v", cfg.Classifier)
	}
	if cfg.Sync.PollInterval() != 2*time.Second || cfg.Sync.WindowLimit != 50 {
		t.Fatalf("unexpected sync defaults: %#v", cfg.Sync)
	}
	driver, db := cfg.ActiveDatabase()
	if driver != "sqlite3" {
		t.Fatalf("expected sqlite3, got %s", driver)
	}
	if want := filepath.Join(dir, "data/chat.db"); db.Path != want {
		t.Fatalf("expected path %s, got %s", want, db.Path)
	}
}

func TestLoadYAMLExpandsSecretsFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "CHATGUARD_TEST_KEY=sk-from-env\n")
	t.Cleanup(func() { os.Unsetenv("CHATGUARD_TEST_KEY") })
	path := writeFile(t, dir, "config.yaml", `
basic_config:
  database: sqlite3
databases:
  sqlite3:
    path: ":memory:"
providers:
  openai:
    model: gpt-4o-mini
    api_key: ${CHATGUARD_TEST_KEY}
classifier:
  backend: llm
  provider: openai
  timeout_seconds: 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers["openai"].APIKey != "sk-from-env" {
		t.Fatalf("expected expanded api key, got %q", cfg.Providers["openai"].APIKey)
	}
	if cfg.Classifier.APIKey != "sk-from-env" || cfg.Classifier.Model != "gpt-4o-mini" {
		t.Fatalf("expected classifier to inherit provider settings: %#v", cfg.Classifier)
	}
	if cfg.Classifier.Timeout() != 3*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Classifier.Timeout())
	}
	if _, db := cfg.ActiveDatabase(); db.Path != ":memory:" {
		t.Fatalf("memory path should be kept as is, got %s", db.Path)
	}
}

func TestLoadRejectsUnconfiguredDatabase(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"basic_config": {"database": "mysql"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing mysql section")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvPath, "/etc/chatguard.yaml")
	if got := Path(); got != "/etc/chatguard.yaml" {
		t.Fatalf("unexpected path %s", got)
	}
	t.Setenv(EnvPath, "")
	if got := Path(); got != "config.json" {
		t.Fatalf("unexpected default path %s", got)
	}
}
