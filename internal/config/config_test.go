// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./ledger.db"

storage:
  limit: 250
  table_prefix: "myapp"

logging:
  level: "debug"
  format: "json"

debug: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "./ledger.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Storage.Limit != 250 || cfg.Storage.TablePrefix != "myapp" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Debug {
		t.Error("Debug not set")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./ledger.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Limit != 100 {
		t.Errorf("default Storage.Limit = %d, want 100", cfg.Storage.Limit)
	}
	if cfg.Storage.TablePrefix != "agent_ledger" {
		t.Errorf("default TablePrefix = %q", cfg.Storage.TablePrefix)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("default Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("LEDGER_TEST_DB_PATH", "/var/lib/ledger/ledger.db")

	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "${LEDGER_TEST_DB_PATH}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/var/lib/ledger/ledger.db" {
		t.Errorf("Database.Path = %q, want expanded env var", cfg.Database.Path)
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "${LEDGER_TEST_DEFINITELY_UNSET}"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation failure for empty database path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("err = %v, want database.path mention", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: valid")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{HTTPAddr: "localhost:8080"},
			Database: DatabaseConfig{Path: "./ledger.db"},
			Storage:  StorageConfig{Limit: 100, TablePrefix: "agent_ledger"},
			Logging:  LoggingConfig{Level: "info", Format: "text"},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "http_addr"},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"negative limit", func(c *Config) { c.Storage.Limit = -1 }, "storage.limit"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}
