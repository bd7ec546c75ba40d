package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("KWARI_AUTH_SECRET", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty auth secret when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.StoreDriver != "sqlite" || cfg.RemoteDriver != "none" {
		t.Fatalf("unexpected drivers %s/%s", cfg.StoreDriver, cfg.RemoteDriver)
	}
	if cfg.SyncInterval() != time.Minute || cfg.SyncMaxAttempts != 10 || cfg.PullLimit != 5000 {
		t.Fatalf("unexpected sync defaults %+v", cfg)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %s", cfg.Address())
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kwari.yaml")
	body := "port: \"9090\"\nremote_database_id: from-file\nsales_collection_id: sales_2024\nreject_oversell: true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	t.Setenv("KWARI_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != "7070" {
		t.Fatalf("expected env to win, got port %s", cfg.Port)
	}
	if cfg.RemoteDatabaseID != "from-file" || cfg.SalesCollectionID != "sales_2024" || !cfg.RejectOversell {
		t.Fatalf("expected file values, got %+v", cfg)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("KWARI_REMOTE_DRIVER", "ftp")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected unknown remote driver to be rejected")
	}
}

func TestAppwriteNeedsEndpoint(t *testing.T) {
	t.Setenv("KWARI_REMOTE_DRIVER", "appwrite")
	t.Setenv("KWARI_REMOTE_ENDPOINT", "")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected appwrite without endpoint to be rejected")
	}
}
