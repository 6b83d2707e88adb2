package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ESIGN_PROVIDER_BASE_URL", "https://sign.example.com")
	t.Setenv("ESIGN_PROVIDER_ORG", "ORG1")
	t.Setenv("ESIGN_PROVIDER_HD", "hd-9")
	t.Setenv("ESIGN_STORAGE_BUCKET", "esign-artifacts")
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("ESIGN_SERVER_PORT", "9999")
	t.Setenv("ESIGN_PROVIDER_PASSWORD", "s3cret")
	t.Setenv("ESIGN_STORAGE_USE_PATH_STYLE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Fatalf("server.port = %d", cfg.Server.Port)
	}
	if cfg.Provider.Password != "s3cret" || cfg.Provider.HandlerID != "hd-9" {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
	if cfg.Provider.Timeout != 30*time.Second {
		t.Fatalf("provider.timeout = %s", cfg.Provider.Timeout)
	}
	if !cfg.Storage.UsePathStyle {
		t.Fatalf("storage.use_path_style not read from env")
	}
	if cfg.Service.Name != "be-esign-orchestrator" {
		t.Fatalf("service.name = %q", cfg.Service.Name)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "provider:\n  timeout: 5s\n  idcat: \"12\"\ndatabase:\n  host: db.internal\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Timeout != 5*time.Second || cfg.Provider.IDCat != "12" {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
	if !strings.Contains(cfg.Database.DSN(), "@db.internal:5432/esign") {
		t.Fatalf("dsn = %s", cfg.Database.DSN())
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("ESIGN_PROVIDER_BASE_URL", "")
	t.Setenv("ESIGN_STORAGE_BUCKET", "")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected an error without provider and storage settings")
	}
	if !strings.Contains(err.Error(), "provider.base_url") || !strings.Contains(err.Error(), "storage.bucket") {
		t.Fatalf("error = %v", err)
	}
}
