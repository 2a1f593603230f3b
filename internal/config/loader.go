package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	globalConfigDir  = ".driftwatch"
	projectConfigDir = ".driftwatch"
	configFileName   = "config.yaml"

	accessTokenEnv = "DRIFTWATCH_ACCESS_TOKEN"
)

// Loader handles loading and merging configuration files
type Loader struct {
	globalPath  string
	projectPath string
}

// NewLoader creates a new configuration loader
func NewLoader(projectDir string) (*Loader, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	if projectDir == "" {
		projectDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	return &Loader{
		globalPath:  filepath.Join(homeDir, globalConfigDir, configFileName),
		projectPath: filepath.Join(projectDir, projectConfigDir, configFileName),
	}, nil
}

// Load loads and merges configuration from all sources
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	globalCfg, err := l.loadFile(l.globalPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load global config: %w", err)
	}
	if globalCfg != nil {
		cfg = mergeConfigs(cfg, globalCfg)
	}

	projectCfg, err := l.loadFile(l.projectPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load project config: %w", err)
	}
	if projectCfg != nil {
		cfg = mergeConfigs(cfg, projectCfg)
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadGlobalOnly loads configuration from the global config only, ignoring
// project config. Used by the proxy server where project-specific config
// should not apply.
func (l *Loader) LoadGlobalOnly() (*Config, error) {
	cfg := DefaultConfig()

	globalCfg, err := l.loadFile(l.globalPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load global config: %w", err)
	}
	if globalCfg != nil {
		cfg = mergeConfigs(cfg, globalCfg)
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	cfg, err := l.loadFile(path)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func (l *Loader) loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if cfg.Settings.Sync.AccessToken == "" {
		cfg.Settings.Sync.AccessToken = os.Getenv(accessTokenEnv)
	}
}

// mergeConfigs merges two configurations, with override taking precedence
func mergeConfigs(base, override *Config) *Config {
	result := &Config{
		Version: coalesce(override.Version, base.Version),
		Settings: Settings{
			LogLevel: coalesce(override.Settings.LogLevel, base.Settings.LogLevel),
			LogFile:  coalesce(override.Settings.LogFile, base.Settings.LogFile),
			Proxy:    mergeProxySettings(base.Settings.Proxy, override.Settings.Proxy),
			Sync:     mergeSyncSettings(base.Settings.Sync, override.Settings.Sync),
			Store:    mergeStoreSettings(base.Settings.Store, override.Settings.Store),
			Drift:    mergeDriftSettings(base.Settings.Drift, override.Settings.Drift),
			Hook:     mergeHookSettings(base.Settings.Hook, override.Settings.Hook),
			Scanner:  mergeScannerSettings(base.Settings.Scanner, override.Settings.Scanner),
		},
	}
	return result
}

// mergeProxySettings merges proxy settings, with override taking precedence
// for set values. Since we can't distinguish "not set" from "set to false"
// for bools, the bool fields flip only when any proxy setting is configured
// in the override.
func mergeProxySettings(base, override ProxySettings) ProxySettings {
	result := base

	if override.Enabled || override.Port != 0 || override.AnthropicUpstream != "" ||
		override.OpenAIUpstream != "" || override.DefaultUpstream != "" {
		result.Enabled = override.Enabled
		result.InjectMemory = override.InjectMemory
		result.InternalTool = override.InternalTool
	}

	if override.Port != 0 {
		result.Port = override.Port
	}
	result.AnthropicUpstream = coalesce(override.AnthropicUpstream, base.AnthropicUpstream)
	result.OpenAIUpstream = coalesce(override.OpenAIUpstream, base.OpenAIUpstream)
	result.DefaultUpstream = coalesce(override.DefaultUpstream, base.DefaultUpstream)
	if override.TokenWarnThreshold != 0 {
		result.TokenWarnThreshold = override.TokenWarnThreshold
	}
	if len(override.StripHeaders) > 0 {
		result.StripHeaders = override.StripHeaders
	}

	return result
}

func mergeSyncSettings(base, override SyncSettings) SyncSettings {
	result := base

	if override.Enabled || override.TeamID != "" || override.AccessToken != "" ||
		override.APIBaseURL != "" || override.BatchSize != 0 {
		result.Enabled = override.Enabled
	}

	result.TeamID = coalesce(override.TeamID, base.TeamID)
	result.AccessToken = coalesce(override.AccessToken, base.AccessToken)
	result.APIBaseURL = coalesce(override.APIBaseURL, base.APIBaseURL)
	if override.BatchSize != 0 {
		result.BatchSize = override.BatchSize
	}

	return result
}

func mergeStoreSettings(base, override StoreSettings) StoreSettings {
	result := StoreSettings{
		SessionDBPath:      coalesce(override.SessionDBPath, base.SessionDBPath),
		TaskDBPath:         coalesce(override.TaskDBPath, base.TaskDBPath),
		RetentionTTL:       coalesce(override.RetentionTTL, base.RetentionTTL),
		StalenessWindow:    coalesce(override.StalenessWindow, base.StalenessWindow),
		CleanupProbability: base.CleanupProbability,
	}
	if override.CleanupProbability != 0 {
		result.CleanupProbability = override.CleanupProbability
	}
	return result
}

func mergeDriftSettings(base, override DriftSettings) DriftSettings {
	result := base
	if override.Enabled || override.ScorerURL != "" {
		result.Enabled = override.Enabled
	}
	result.ScorerURL = coalesce(override.ScorerURL, base.ScorerURL)
	return result
}

func mergeHookSettings(base, override HookSettings) HookSettings {
	return HookSettings{
		SettleDelay:       coalesce(override.SettleDelay, base.SettleDelay),
		PlanBufferTimeout: coalesce(override.PlanBufferTimeout, base.PlanBufferTimeout),
		IDEStorePath:      coalesce(override.IDEStorePath, base.IDEStorePath),
	}
}

func mergeScannerSettings(base, override ScannerSettings) ScannerSettings {
	return ScannerSettings{
		Interval: coalesce(override.Interval, base.Interval),
		Dir:      coalesce(override.Dir, base.Dir),
	}
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// GlobalConfigPath returns the path to the global config file
func (l *Loader) GlobalConfigPath() string {
	return l.globalPath
}

// ProjectConfigPath returns the path to the project config file
func (l *Loader) ProjectConfigPath() string {
	return l.projectPath
}

// Exists checks if a config file exists at the given path
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
