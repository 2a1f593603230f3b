package config

import "time"

// Config represents the complete driftwatch configuration
type Config struct {
	Version  string   `yaml:"version"`
	Settings Settings `yaml:"settings"`
}

// Settings contains global configuration settings
type Settings struct {
	LogLevel string          `yaml:"log_level"`
	LogFile  string          `yaml:"log_file,omitempty"`
	Proxy    ProxySettings   `yaml:"proxy"`
	Sync     SyncSettings    `yaml:"sync"`
	Store    StoreSettings   `yaml:"store"`
	Drift    DriftSettings   `yaml:"drift"`
	Hook     HookSettings    `yaml:"hook"`
	Scanner  ScannerSettings `yaml:"scanner"`
}

// ProxySettings configures the local forwarding proxy.
type ProxySettings struct {
	Enabled            bool     `yaml:"enabled"`
	Port               int      `yaml:"port"`
	AnthropicUpstream  string   `yaml:"anthropic_upstream,omitempty"`
	OpenAIUpstream     string   `yaml:"openai_upstream,omitempty"`
	DefaultUpstream    string   `yaml:"default_upstream,omitempty"`
	InjectMemory       bool     `yaml:"inject_memory"`
	InternalTool       bool     `yaml:"internal_tool"`
	TokenWarnThreshold int      `yaml:"token_warn_threshold,omitempty"`
	StripHeaders       []string `yaml:"strip_headers,omitempty"`
}

// SyncSettings configures the cloud sync engine. AccessToken falls back to
// the DRIFTWATCH_ACCESS_TOKEN environment variable when empty.
type SyncSettings struct {
	Enabled     bool   `yaml:"enabled"`
	TeamID      string `yaml:"team_id,omitempty"`
	AccessToken string `yaml:"access_token,omitempty"`
	APIBaseURL  string `yaml:"api_base_url,omitempty"`
	BatchSize   int    `yaml:"batch_size,omitempty"`
}

// StoreSettings configures the local SQLite stores.
type StoreSettings struct {
	SessionDBPath      string  `yaml:"session_db_path,omitempty"`
	TaskDBPath         string  `yaml:"task_db_path,omitempty"`
	RetentionTTL       string  `yaml:"retention_ttl,omitempty"`    // purge terminal sessions after this
	StalenessWindow    string  `yaml:"staleness_window,omitempty"` // active -> abandoned after this idle time
	CleanupProbability float64 `yaml:"cleanup_probability,omitempty"`
}

// DriftSettings configures the external drift scoring collaborator.
type DriftSettings struct {
	Enabled   bool   `yaml:"enabled"`
	ScorerURL string `yaml:"scorer_url,omitempty"`
}

// HookSettings configures the IDE hook driver.
type HookSettings struct {
	SettleDelay       string `yaml:"settle_delay,omitempty"`
	PlanBufferTimeout string `yaml:"plan_buffer_timeout,omitempty"`
	IDEStorePath      string `yaml:"ide_store_path,omitempty"`
}

// ScannerSettings configures the periodic directory scanner.
type ScannerSettings struct {
	Interval string `yaml:"interval,omitempty"`
	Dir      string `yaml:"dir,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Settings: Settings{
			LogLevel: "info",
			Proxy: ProxySettings{
				Enabled:            true,
				Port:               8976,
				AnthropicUpstream:  "https://api.anthropic.com",
				OpenAIUpstream:     "https://api.openai.com",
				InjectMemory:       true,
				InternalTool:       true,
				TokenWarnThreshold: 150000,
			},
			Sync: SyncSettings{
				Enabled:   true,
				BatchSize: 10,
			},
			Store: StoreSettings{
				RetentionTTL:       "24h",
				StalenessWindow:    "1h",
				CleanupProbability: 0.1,
			},
			Drift: DriftSettings{
				Enabled: true,
			},
			Hook: HookSettings{
				SettleDelay:       "3s",
				PlanBufferTimeout: "5m",
			},
			Scanner: ScannerSettings{
				Interval: "3m",
			},
		},
	}
}

// RetentionTTL parses the retention window, falling back to 24 hours.
func (s StoreSettings) RetentionTTLDuration() time.Duration {
	d, err := time.ParseDuration(s.RetentionTTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// StalenessWindowDuration parses the staleness window, falling back to 1 hour.
func (s StoreSettings) StalenessWindowDuration() time.Duration {
	d, err := time.ParseDuration(s.StalenessWindow)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// SettleDelayDuration parses the hook settle delay, falling back to 3 seconds.
func (h HookSettings) SettleDelayDuration() time.Duration {
	d, err := time.ParseDuration(h.SettleDelay)
	if err != nil || d < 0 {
		return 3 * time.Second
	}
	return d
}

// PlanBufferTimeoutDuration parses the plan buffer idle timeout, falling back
// to 5 minutes.
func (h HookSettings) PlanBufferTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(h.PlanBufferTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// IntervalDuration parses the scanner interval, falling back to 3 minutes.
func (s ScannerSettings) IntervalDuration() time.Duration {
	d, err := time.ParseDuration(s.Interval)
	if err != nil || d <= 0 {
		return 3 * time.Minute
	}
	return d
}
