package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewLoader(t *testing.T) {
	loader, err := NewLoader("")
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	if loader.globalPath == "" {
		t.Error("globalPath is empty")
	}
	if loader.projectPath == "" {
		t.Error("projectPath is empty")
	}
}

func TestNewLoaderWithProjectDir(t *testing.T) {
	tmpDir := t.TempDir()

	loader, err := NewLoader(tmpDir)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}

	want := filepath.Join(tmpDir, ".driftwatch", "config.yaml")
	if loader.projectPath != want {
		t.Errorf("got projectPath=%q, want %q", loader.projectPath, want)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	content := `version: "1"
settings:
  log_level: debug
  proxy:
    enabled: true
    port: 9100
  sync:
    enabled: true
    team_id: team-1
    access_token: tok
  store:
    retention_ttl: 72h
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	loader, err := NewLoader(tmpDir)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}

	cfg, err := loader.LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Settings.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.Settings.LogLevel)
	}
	if !cfg.Settings.Proxy.Enabled || cfg.Settings.Proxy.Port != 9100 {
		t.Errorf("Proxy = %+v", cfg.Settings.Proxy)
	}
	if cfg.Settings.Sync.TeamID != "team-1" || cfg.Settings.Sync.AccessToken != "tok" {
		t.Errorf("Sync = %+v", cfg.Settings.Sync)
	}
	if cfg.Settings.Store.RetentionTTL != "72h" {
		t.Errorf("RetentionTTL = %q", cfg.Settings.Store.RetentionTTL)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	loader, err := NewLoader(t.TempDir())
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	if _, err := loader.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestMergeProjectOverridesGlobal(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Settings: Settings{
			LogLevel: "warn",
			Proxy: ProxySettings{
				Enabled:      true,
				Port:         9200,
				InjectMemory: false,
				InternalTool: true,
			},
			Store: StoreSettings{
				RetentionTTL:       "96h",
				CleanupProbability: 0.5,
			},
		},
	}

	merged := mergeConfigs(base, override)

	if merged.Settings.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", merged.Settings.LogLevel)
	}
	if merged.Settings.Proxy.Port != 9200 {
		t.Errorf("Port = %d", merged.Settings.Proxy.Port)
	}
	if !merged.Settings.Proxy.Enabled {
		t.Error("Expected proxy enabled from override")
	}
	// Bool fields follow the override once any proxy setting is configured.
	if merged.Settings.Proxy.InjectMemory {
		t.Error("Expected memory injection disabled by override")
	}
	if merged.Settings.Store.RetentionTTL != "96h" {
		t.Errorf("RetentionTTL = %q", merged.Settings.Store.RetentionTTL)
	}
	if merged.Settings.Store.CleanupProbability != 0.5 {
		t.Errorf("CleanupProbability = %v", merged.Settings.Store.CleanupProbability)
	}
	// Untouched sections keep defaults.
	if merged.Settings.Proxy.AnthropicUpstream != "https://api.anthropic.com" {
		t.Errorf("AnthropicUpstream = %q", merged.Settings.Proxy.AnthropicUpstream)
	}
	if merged.Settings.Hook.SettleDelay != "3s" {
		t.Errorf("SettleDelay = %q", merged.Settings.Hook.SettleDelay)
	}
}

func TestAccessTokenFromEnv(t *testing.T) {
	t.Setenv("DRIFTWATCH_ACCESS_TOKEN", "env-token")

	cfg := DefaultConfig()
	applyEnv(cfg)
	if cfg.Settings.Sync.AccessToken != "env-token" {
		t.Errorf("AccessToken = %q, want env-token", cfg.Settings.Sync.AccessToken)
	}

	// A configured token wins over the environment.
	cfg = DefaultConfig()
	cfg.Settings.Sync.AccessToken = "file-token"
	applyEnv(cfg)
	if cfg.Settings.Sync.AccessToken != "file-token" {
		t.Errorf("AccessToken = %q, want file-token", cfg.Settings.Sync.AccessToken)
	}
}

func TestExists(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	if Exists(path) {
		t.Error("Exists returned true for missing file")
	}
	if err := os.WriteFile(path, []byte("version: \"1\"\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if !Exists(path) {
		t.Error("Exists returned false for present file")
	}
}
