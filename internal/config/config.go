package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file looked up from the working directory
const LocalConfigName = ".veritas.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	LLM           LLMConfig           `toml:"llm"`
	Runner        RunnerConfig        `toml:"runner"`
	Coverage      CoverageConfig      `toml:"coverage"`
	PR            PRConfig            `toml:"pr"`
	Retention     RetentionConfig     `toml:"retention"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Logging       LoggingConfig       `toml:"logging"`
	Tracing       TracingConfig       `toml:"tracing"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectRoot  string `toml:"project_root"`
	ArtifactsDir string `toml:"artifacts_dir"`
	// DatabasePath selects the SQLite store; empty keeps runs in memory
	DatabasePath    string `toml:"database_path"`
	MaxParallelRuns int    `toml:"max_parallel_runs"`
}

// LLMConfig holds completion service settings
type LLMConfig struct {
	Model             string   `toml:"model"`
	APIKeyEnv         string   `toml:"api_key_env"`
	BaseURL           string   `toml:"base_url"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	Timeout           Duration `toml:"timeout"`
}

// RunnerConfig holds test execution settings
type RunnerConfig struct {
	Command []string `toml:"command"`
	Args    []string `toml:"args"`
	Timeout Duration `toml:"timeout"`
}

// CoverageConfig holds coverage measurement settings
type CoverageConfig struct {
	Command     []string `toml:"command"`
	Timeout     Duration `toml:"timeout"`
	PatchPrefix string   `toml:"patch_prefix"`
}

// PRConfig holds pull request settings
type PRConfig struct {
	TokenEnv    string `toml:"token_env"`
	Git         string `toml:"git"`
	GH          string `toml:"gh"`
	AuthorName  string `toml:"author_name"`
	AuthorEmail string `toml:"author_email"`
}

// RetentionConfig holds finished-run eviction settings
type RetentionConfig struct {
	Enabled  bool     `toml:"enabled"`
	TTL      Duration `toml:"ttl"`
	Schedule string   `toml:"schedule"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port           int      `toml:"port"`
	Host           string   `toml:"host"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled bool `toml:"enabled"`
}

// Duration is a time.Duration written as a string such as "30s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			ProjectRoot:     "",
			ArtifactsDir:    filepath.Join(home, ".veritas", "runs"),
			DatabasePath:    filepath.Join(home, ".veritas", "veritas.db"),
			MaxParallelRuns: 4,
		},
		LLM: LLMConfig{
			Model:             "gpt-4o-mini",
			APIKeyEnv:         "OPENAI_API_KEY",
			RequestsPerSecond: 2,
			Burst:             4,
			Timeout:           Duration{60 * time.Second},
		},
		Runner: RunnerConfig{
			Command: []string{"python3", "-m", "pytest"},
			Args:    []string{"-v", "--tb=short"},
			Timeout: Duration{30 * time.Second},
		},
		Coverage: CoverageConfig{
			Command:     []string{"python3", "-m", "pytest"},
			Timeout:     Duration{30 * time.Second},
			PatchPrefix: "experiments",
		},
		PR: PRConfig{
			TokenEnv:    "GITHUB_TOKEN",
			Git:         "git",
			GH:          "gh",
			AuthorName:  "veritas",
			AuthorEmail: "veritas@localhost",
		},
		Retention: RetentionConfig{
			Enabled:  true,
			TTL:      Duration{7 * 24 * time.Hour},
			Schedule: "@hourly",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port:           8000,
			Host:           "127.0.0.1",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.ProjectRoot = ExpandPath(cfg.General.ProjectRoot)
	cfg.General.ArtifactsDir = ExpandPath(cfg.General.ArtifactsDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	cfg.applyEnv()
	return cfg, nil
}

// LoadWithLocalFallback loads path if given, else the nearest local config,
// else the user config
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("VERITAS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// APIKey returns the completion service key from the configured env var
func (c *Config) APIKey() string {
	return os.Getenv(c.LLM.APIKeyEnv)
}

// Addr returns the API listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "veritas", "config.toml")
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
