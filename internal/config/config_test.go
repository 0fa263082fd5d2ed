package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadJSONAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "polychat.json")
	writeFile(t, path, `{
  "server": {"address": ":9090"},
  "providers": {"grok": {"base_url": "http://localhost:1234/v1"}}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Fatalf("address not read: %q", cfg.Server.Address)
	}
	if cfg.Server.IdentityHeader != "X-User-ID" {
		t.Fatalf("identity header default missing: %q", cfg.Server.IdentityHeader)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage driver default missing: %q", cfg.Storage.Driver)
	}
	if cfg.Chat.HistoryLimit != 10 || cfg.Chat.TitleLength != 50 || cfg.Chat.PreambleExchanges != 5 {
		t.Fatalf("chat defaults missing: %+v", cfg.Chat)
	}
	if cfg.Chat.ChunkDelay().Milliseconds() != 50 {
		t.Fatalf("chunk delay default missing: %v", cfg.Chat.ChunkDelay())
	}

	grok := cfg.Providers["grok"]
	if grok.BaseURL != "http://localhost:1234/v1" {
		t.Fatalf("provider override lost: %+v", grok)
	}
	if grok.Shape != "stream" || grok.TimeoutSeconds != 60 {
		t.Fatalf("provider defaults not merged: %+v", grok)
	}
	if len(cfg.Providers) != len(DefaultProviders()) {
		t.Fatalf("expected every default provider, got %d", len(cfg.Providers))
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("data dir should be relative to config: %q", cfg.Runtime.DataDir)
	}
}

func TestLoadYAMLMatchesJSON(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "a.json")
	yamlPath := filepath.Join(dir, "b.yaml")
	writeFile(t, jsonPath, `{"storage": {"driver": "SQLite"}, "chat": {"history_limit": 4, "chunk_delay_ms": -1}}`)
	writeFile(t, yamlPath, "storage:\n  driver: SQLite\nchat:\n  history_limit: 4\n  chunk_delay_ms: -1\n")

	fromJSON, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("json load failed: %v", err)
	}
	fromYAML, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("yaml load failed: %v", err)
	}

	for name, cfg := range map[string]*Config{"json": fromJSON, "yaml": fromYAML} {
		if cfg.Storage.Driver != "sqlite" {
			t.Fatalf("%s: driver not normalised: %q", name, cfg.Storage.Driver)
		}
		if cfg.Storage.DSN != filepath.Join(dir, "data", "polychat.db") {
			t.Fatalf("%s: sqlite dsn default missing: %q", name, cfg.Storage.DSN)
		}
		if cfg.Chat.HistoryLimit != 4 {
			t.Fatalf("%s: history limit not read", name)
		}
		if cfg.Chat.ChunkDelay() != 0 {
			t.Fatalf("%s: negative delay should disable the pause", name)
		}
	}
}

func TestLoadReadsDotEnvForSharedKey(t *testing.T) {
	const envName = "POLYCHAT_CONFIG_TEST_SHARED"
	t.Cleanup(func() { _ = os.Unsetenv(envName) })

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env"), envName+"=from-dotenv\n")
	path := filepath.Join(dir, "polychat.json")
	writeFile(t, path, `{"credentials": {"shared_key_env": "`+envName+`"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := cfg.Credentials.ResolveSharedKey(); got != "from-dotenv" {
		t.Fatalf("shared key not resolved from .env: %q", got)
	}

	cfg.Credentials.SharedKey = "literal"
	if got := cfg.Credentials.ResolveSharedKey(); got != "literal" {
		t.Fatalf("literal shared key should win: %q", got)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "broken.json")
	writeFile(t, path, "{")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
