// Package config loads and saves the host application's configuration: VM
// construction options, default instrumented ranges, and output settings
// for the inspector and event API, in the same platform-path/TOML shape
// the teacher's config package uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config holds everything a cmd/tinybdi invocation needs beyond the target
// binary itself.
type Config struct {
	// VM settings: how the engine is constructed (spec.md §4.7).
	VM struct {
		RecordTraceLog    bool   `toml:"record_trace_log"`
		DisableFPR        bool   `toml:"disable_fpr"`
		BlockArenaSize    uint   `toml:"block_arena_size"`
		BrokerHookAddr    string `toml:"broker_hook_addr"`
		InstrumentAllCode bool   `toml:"instrument_all_code"`
	} `toml:"vm"`

	// Inspector settings: the interactive TUI (spec.md §6's debug-session
	// surface, generalised from the teacher's debugger settings).
	Inspector struct {
		HistorySize   int  `toml:"history_size"`
		ShowSource    bool `toml:"show_source"`
		ShowRegisters bool `toml:"show_registers"`
	} `toml:"inspector"`

	// Display settings shared by the inspector and any trace dump.
	Display struct {
		ColorOutput   bool   `toml:"color_output"`
		BytesPerLine  int    `toml:"bytes_per_line"`
		DisasmContext int    `toml:"disasm_context"`
		NumberFormat  string `toml:"number_format"` // hex, dec, both
	} `toml:"display"`

	// EventAPI settings: the websocket broadcaster (spec.md §6's VM-event
	// surface exposed over the network).
	EventAPI struct {
		ListenAddr  string `toml:"listen_addr"`
		MaxClients  int    `toml:"max_clients"`
		EventBuffer int    `toml:"event_buffer"`
	} `toml:"event_api"`

	// Trace settings for a headless run.
	Trace struct {
		OutputFile   string `toml:"output_file"`
		IncludeTimes bool   `toml:"include_times"`
		MaxEntries   int    `toml:"max_entries"`
	} `toml:"trace"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.VM.RecordTraceLog = false
	cfg.VM.DisableFPR = false
	cfg.VM.BlockArenaSize = 65536
	cfg.VM.BrokerHookAddr = "0xFFFFFFFFFFFFFFFF"
	cfg.VM.InstrumentAllCode = false

	cfg.Inspector.HistorySize = 1000
	cfg.Inspector.ShowSource = true
	cfg.Inspector.ShowRegisters = true

	cfg.Display.ColorOutput = true
	cfg.Display.BytesPerLine = 16
	cfg.Display.DisasmContext = 5
	cfg.Display.NumberFormat = "hex"

	cfg.EventAPI.ListenAddr = "127.0.0.1:9229"
	cfg.EventAPI.MaxClients = 8
	cfg.EventAPI.EventBuffer = 256

	cfg.Trace.OutputFile = "trace.log"
	cfg.Trace.IncludeTimes = false
	cfg.Trace.MaxEntries = 100000

	return cfg
}

// appName names the per-platform config/log directory.
const appName = "tinybdi"

// GetConfigPath returns the platform-specific config file path.
func GetConfigPath() string {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		configDir = filepath.Join(configDir, appName)

	case "darwin", "linux":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.toml"
		}
		configDir = filepath.Join(homeDir, ".config", appName)

	default:
		return "config.toml"
	}

	if err := os.MkdirAll(configDir, 0750); err != nil {
		return "config.toml"
	}

	return filepath.Join(configDir, "config.toml")
}

// GetLogPath returns the platform-specific log directory path.
func GetLogPath() string {
	var logDir string

	switch runtime.GOOS {
	case "windows":
		logDir = os.Getenv("APPDATA")
		if logDir == "" {
			logDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		logDir = filepath.Join(logDir, appName, "logs")

	case "darwin", "linux":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "logs"
		}
		logDir = filepath.Join(homeDir, ".local", "share", appName, "logs")

	default:
		return "logs"
	}

	if err := os.MkdirAll(logDir, 0750); err != nil {
		return "logs"
	}

	return logDir
}

// Load loads configuration from the default config file.
func Load() (*Config, error) {
	return LoadFrom(GetConfigPath())
}

// LoadFrom loads configuration from the specified file.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to the default config file.
func (c *Config) Save() error {
	return c.SaveTo(GetConfigPath())
}

// SaveTo saves configuration to the specified file.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path) // #nosec G304 -- user config file path
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close config file: %w", closeErr)
		}
	}()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
