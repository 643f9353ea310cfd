// Package settings loads and serves the language-server user settings:
// which server binary to run, which interpreter it analyzes, and the
// feature toggles the session proxy consults.
package settings

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/Cetlan/vscode-python/internal/langserver"
)

// Config is the on-disk settings file layout.
type Config struct {
	// Command is the analysis-server executable.
	Command string `toml:"command"`

	// Args are additional server arguments.
	Args []string `toml:"args"`

	// ServerRoot is the directory holding versioned server installs.
	ServerRoot string `toml:"server_root"`

	// InterpreterPath is the configured interpreter executable.
	InterpreterPath string `toml:"interpreter_path"`

	// InterpreterPathFile, when set, is watched for out-of-band
	// interpreter-path changes.
	InterpreterPathFile string `toml:"interpreter_path_file"`

	// DownloadLanguageServer mirrors the host setting gating the
	// telemetry relay.
	DownloadLanguageServer bool `toml:"download_language_server"`

	// ExperimentsFile points at the experiments configuration.
	ExperimentsFile string `toml:"experiments_file"`

	// LogLevel is the process log level (debug, info, warn, error).
	LogLevel string `toml:"log_level"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Command:                "pylance-server",
		DownloadLanguageServer: true,
		LogLevel:               "info",
	}
}

// Load reads a TOML settings file, layered over the defaults. A missing
// file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return config, fmt.Errorf("read settings file: %w", err)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	return config, nil
}

// envPrefix namespaces the environment overrides.
const envPrefix = "PYLSPROXY_"

// ApplyEnv overlays environment overrides onto a config. Only a small set
// of deployment-relevant keys is supported.
func ApplyEnv(config Config) Config {
	if v := os.Getenv(envPrefix + "COMMAND"); v != "" {
		config.Command = v
	}
	if v := os.Getenv(envPrefix + "SERVER_ROOT"); v != "" {
		config.ServerRoot = v
	}
	if v := os.Getenv(envPrefix + "INTERPRETER_PATH"); v != "" {
		config.InterpreterPath = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "DOWNLOAD_LANGUAGE_SERVER"); v != "" {
		config.DownloadLanguageServer = strings.EqualFold(v, "true") || v == "1"
	}
	return config
}

// Provider serves settings snapshots to the session proxy. It is safe for
// concurrent use; Update swaps the whole config atomically.
type Provider struct {
	mu     sync.RWMutex
	config Config
}

// NewProvider creates a provider around an initial config.
func NewProvider(config Config) *Provider {
	return &Provider{config: config}
}

// Settings implements langserver.SettingsProvider. The resource argument is
// accepted for interface parity; this provider serves one workspace.
func (p *Provider) Settings(resource string) langserver.Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return langserver.Settings{
		DownloadLanguageServer: p.config.DownloadLanguageServer,
		InterpreterPath:        p.config.InterpreterPath,
	}
}

// Config returns the current full configuration.
func (p *Provider) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// Update replaces the current configuration.
func (p *Provider) Update(config Config) {
	p.mu.Lock()
	p.config = config
	p.mu.Unlock()
}
