// Package config resolves where the audit engine lives and where the
// export root sits, from the environment plus an optional
// <export-root>/config.yaml written with commented defaults on first
// run.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configFileName = "config.yaml"

	// EnvHome points at the engine checkout (batch.py and its venv).
	EnvHome = "ASTRA_HOME"
	// EnvExportRoot overrides where campaigns, logs and the run
	// history live.
	EnvExportRoot = "ASTRA_EXPORT_ROOT"
	// EnvDefaultLang and EnvDefaultCampaign preselect the console's
	// run form.
	EnvDefaultLang     = "ASTRA_DEFAULT_LANG"
	EnvDefaultCampaign = "ASTRA_DEFAULT_CAMPAIGN"

	defaultCampaignName = "Default"
	defaultLang         = "en"
	defaultExportDir    = "AstraExports"
)

var (
	// ErrEngineMissing reports that no runnable engine entry point was
	// found under ASTRA_HOME.
	ErrEngineMissing = errors.New("config: audit engine not found under " + EnvHome)
	// ErrExportRootInvalid reports an export root that exists but is
	// not a writable directory.
	ErrExportRootInvalid = errors.New("config: export root is not a usable directory")
)

const defaultConfigYAML = `# astra console configuration
version: 1

# Language preselected in the run form: ro, en or both.
default_lang: en

# Campaign preselected in the run form.
default_campaign: Default

# Minutes before a single audit invocation is forcibly terminated.
timeout_minutes: 8

# Engine overrides. Leave empty to use <ASTRA_HOME>/.venv/bin/python3
# and <ASTRA_HOME>/batch.py.
engine:
  python: ""
  script: ""
`

// EngineConfig overrides the engine interpreter and entry point.
type EngineConfig struct {
	Python string `yaml:"python"`
	Script string `yaml:"script"`
}

// FileConfig models <export-root>/config.yaml.
type FileConfig struct {
	Version         int          `yaml:"version"`
	DefaultLang     string       `yaml:"default_lang"`
	DefaultCampaign string       `yaml:"default_campaign"`
	TimeoutMinutes  int          `yaml:"timeout_minutes"`
	Engine          EngineConfig `yaml:"engine"`
}

// Config holds the resolved runtime configuration.
type Config struct {
	// Home is the engine checkout, from ASTRA_HOME.
	Home string
	// ExportRoot holds campaigns/, logs/, run_history.json.
	ExportRoot string

	File FileConfig
}

// New resolves configuration from the environment, creates the export
// root layout, and loads config.yaml (writing the commented default
// file when absent). ASTRA_HOME must be set; the engine entry point is
// verified to exist.
func New() (*Config, error) {
	home := strings.TrimSpace(os.Getenv(EnvHome))
	if home == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrEngineMissing, EnvHome)
	}

	exportRoot := strings.TrimSpace(os.Getenv(EnvExportRoot))
	if exportRoot == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: resolve home directory: %w", err)
		}
		exportRoot = filepath.Join(userHome, defaultExportDir)
	}

	cfg := &Config{
		Home:       home,
		ExportRoot: exportRoot,
		File:       defaultFileConfig(),
	}
	if err := cfg.initExportRoot(); err != nil {
		return nil, err
	}
	if err := cfg.loadFile(); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()

	if _, err := os.Stat(cfg.EngineScript()); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEngineMissing, cfg.EngineScript())
	}
	return cfg, nil
}

// CampaignsDir is the root the registry manages.
func (c *Config) CampaignsDir() string {
	return filepath.Join(c.ExportRoot, "campaigns")
}

// LogsDir holds the console log and per-run engine logs.
func (c *Config) LogsDir() string {
	return filepath.Join(c.ExportRoot, "logs")
}

// LedgerPath is the run history location.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.ExportRoot, "run_history.json")
}

// LegacyRunsDir is the pre-campaign flat layout the migrator drains.
func (c *Config) LegacyRunsDir() string {
	return filepath.Join(c.ExportRoot, "runs")
}

// ConfigPath is the on-disk location of config.yaml.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.ExportRoot, configFileName)
}

// EnginePython is the interpreter used to launch the engine.
func (c *Config) EnginePython() string {
	if p := strings.TrimSpace(c.File.Engine.Python); p != "" {
		return resolvePath(c.Home, p)
	}
	return filepath.Join(c.Home, ".venv", "bin", "python3")
}

// EngineScript is the engine entry point.
func (c *Config) EngineScript() string {
	if s := strings.TrimSpace(c.File.Engine.Script); s != "" {
		return resolvePath(c.Home, s)
	}
	return filepath.Join(c.Home, "batch.py")
}

// EngineArgs builds the full argv for one invocation. The targets file
// holds the single URL for the run.
func (c *Config) EngineArgs(lang, campaignSlug, targetsFile string) []string {
	return []string{
		c.EnginePython(),
		c.EngineScript(),
		"--lang", lang,
		"--campaign", campaignSlug,
		"--targets", targetsFile,
	}
}

// Timeout is the per-invocation deadline.
func (c *Config) Timeout() time.Duration {
	if c.File.TimeoutMinutes > 0 {
		return time.Duration(c.File.TimeoutMinutes) * time.Minute
	}
	return 8 * time.Minute
}

// DefaultLang is the language preselected in the run form.
func (c *Config) DefaultLang() string {
	return c.File.DefaultLang
}

// DefaultCampaign is the campaign preselected in the run form.
func (c *Config) DefaultCampaign() string {
	return c.File.DefaultCampaign
}

func (c *Config) initExportRoot() error {
	info, err := os.Stat(c.ExportRoot)
	if err == nil && !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrExportRootInvalid, c.ExportRoot)
	}
	for _, dir := range []string{c.ExportRoot, c.CampaignsDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrExportRootInvalid, dir, err)
		}
	}
	return ensureConfigFile(c.ConfigPath())
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.ConfigPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", c.ConfigPath(), err)
	}
	var parsed FileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", c.ConfigPath(), err)
	}
	parsed.applyDefaults()
	c.File = parsed
	return nil
}

func (c *Config) applyEnvOverrides() {
	if lang := strings.TrimSpace(os.Getenv(EnvDefaultLang)); lang != "" {
		c.File.DefaultLang = strings.ToLower(lang)
	}
	if campaign := strings.TrimSpace(os.Getenv(EnvDefaultCampaign)); campaign != "" {
		c.File.DefaultCampaign = campaign
	}
}

func defaultFileConfig() FileConfig {
	return FileConfig{
		Version:         1,
		DefaultLang:     defaultLang,
		DefaultCampaign: defaultCampaignName,
		TimeoutMinutes:  8,
	}
}

func (fc *FileConfig) applyDefaults() {
	if fc.Version == 0 {
		fc.Version = 1
	}
	if strings.TrimSpace(fc.DefaultLang) == "" {
		fc.DefaultLang = defaultLang
	}
	if strings.TrimSpace(fc.DefaultCampaign) == "" {
		fc.DefaultCampaign = defaultCampaignName
	}
	if fc.TimeoutMinutes <= 0 {
		fc.TimeoutMinutes = 8
	}
}

func ensureConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

func resolvePath(base, candidate string) string {
	if filepath.IsAbs(candidate) {
		return filepath.Clean(candidate)
	}
	return filepath.Clean(filepath.Join(base, candidate))
}
