package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"browsernerd/internal/browser"
	"browsernerd/internal/domain"
	"browsernerd/internal/secrets"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "browsernerd.yaml"

// Config holds all browserNERD configuration.
type Config struct {
	Browser      BrowserConfig      `yaml:"browser"`
	Secrets      SecretsConfig      `yaml:"secrets"`
	StorageState StorageStateConfig `yaml:"storage_state"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// BrowserConfig configures the Chrome connection.
type BrowserConfig struct {
	DebuggerURL       string   `yaml:"debugger_url"`
	Launch            []string `yaml:"launch"` // binary followed by flags
	Headless          bool     `yaml:"headless"`
	ViewportWidth     int      `yaml:"viewport_width"`
	ViewportHeight    int      `yaml:"viewport_height"`
	NavigationTimeout string   `yaml:"navigation_timeout"`
	// AllowedDomains locks navigation down. Scoped secrets should be covered.
	AllowedDomains []string `yaml:"allowed_domains"`
}

// SecretsConfig locates the secrets file and, for *.age files, the identity.
type SecretsConfig struct {
	File            string `yaml:"file"`
	AgeIdentity     string `yaml:"-"` // env only
	AgeIdentityFile string `yaml:"age_identity_file"`
	KeyringService  string `yaml:"keyring_service"`
	KeyringUser     string `yaml:"keyring_user"`
}

// StorageStateConfig configures session persistence.
type StorageStateConfig struct {
	// Path is the storage state JSON file. Empty disables persistence.
	Path             string `yaml:"path"`
	AutoSaveInterval string `yaml:"auto_save_interval"`
	CaptureTimeout   string `yaml:"capture_timeout"`
	SkipUnchanged    bool   `yaml:"skip_unchanged"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			Headless:          true,
			ViewportWidth:     1920,
			ViewportHeight:    1080,
			NavigationTimeout: "30s",
		},
		Secrets: SecretsConfig{
			KeyringService: "browsernerd",
			KeyringUser:    "age-identity",
		},
		StorageState: StorageStateConfig{
			AutoSaveInterval: "30s",
			CaptureTimeout:   "10s",
			SkipUnchanged:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Dir:    ".browsernerd/logs",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("BROWSERNERD_STORAGE_STATE"); path != "" {
		c.StorageState.Path = path
	}
	if path := os.Getenv("BROWSERNERD_SECRETS_FILE"); path != "" {
		c.Secrets.File = path
	}
	if url := os.Getenv("BROWSERNERD_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
	if id := os.Getenv("BROWSERNERD_AGE_IDENTITY"); id != "" {
		c.Secrets.AgeIdentity = id
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetNavigationTimeout returns the navigation timeout as a duration.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 30*time.Second)
}

// GetAutoSaveInterval returns the checkpoint interval as a duration.
func (c *Config) GetAutoSaveInterval() time.Duration {
	return parseDuration(c.StorageState.AutoSaveInterval, 30*time.Second)
}

// GetCaptureTimeout returns the capture timeout as a duration.
func (c *Config) GetCaptureTimeout() time.Duration {
	return parseDuration(c.StorageState.CaptureTimeout, 10*time.Second)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var problems []string

	for name, v := range map[string]string{
		"browser.navigation_timeout":       c.Browser.NavigationTimeout,
		"storage_state.auto_save_interval": c.StorageState.AutoSaveInterval,
		"storage_state.capture_timeout":    c.StorageState.CaptureTimeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("%s: invalid duration %q", name, v))
		}
	}

	for _, pattern := range c.Browser.AllowedDomains {
		if _, err := domain.Classify(pattern); err != nil {
			problems = append(problems, fmt.Sprintf("browser.allowed_domains: %v", err))
		}
	}

	if c.StorageState.Path != "" && strings.HasSuffix(c.StorageState.Path, string(filepath.Separator)) {
		problems = append(problems, "storage_state.path must be a file, not a directory")
	}

	if c.Logging.DebugMode && c.Logging.Dir == "" {
		problems = append(problems, "logging.logs_dir is required when debug_mode is on")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// BrowserSettings converts the browser section for the browser package.
func (c *Config) BrowserSettings() browser.Config {
	return browser.Config{
		DebuggerURL:         c.Browser.DebuggerURL,
		Launch:              c.Browser.Launch,
		Headless:            c.Browser.Headless,
		ViewportWidth:       c.Browser.ViewportWidth,
		ViewportHeight:      c.Browser.ViewportHeight,
		NavigationTimeoutMs: int(c.GetNavigationTimeout() / time.Millisecond),
		AllowedDomains:      c.Browser.AllowedDomains,
	}
}

// SecretsLoadOptions converts the secrets section for secrets.Load.
func (c *Config) SecretsLoadOptions() secrets.LoadOptions {
	return secrets.LoadOptions{
		Identity:       c.Secrets.AgeIdentity,
		IdentityFile:   c.Secrets.AgeIdentityFile,
		KeyringService: c.Secrets.KeyringService,
		KeyringUser:    c.Secrets.KeyringUser,
	}
}
