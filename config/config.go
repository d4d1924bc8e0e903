// Package config handles application configuration: the runtime settings
// of this router instance. Values come from defaults, then the TOML config
// file, then command-line flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Config holds the router's runtime configuration.
type Config struct {
	DataDir string `toml:"datadir"`

	// Bitcoin is the L1 upstream node.
	Bitcoin ChainConfig `toml:"bitcoin"`
	// Stacks is the L2 upstream node.
	Stacks ChainConfig `toml:"stacks"`

	API APIConfig `toml:"api"`
	Log LogConfig `toml:"log"`

	Engine EngineConfig `toml:"engine"`
}

// ChainConfig holds one chain's upstream connection and network.
type ChainConfig struct {
	Enabled bool   `toml:"enabled"`
	Network string `toml:"network"`
	// SubscribeURL is the push notification endpoint (Bitcoin: the node's
	// websocket feed).
	SubscribeURL string `toml:"subscribe_url"`
	// FetchURL is the block/header fetch endpoint.
	FetchURL string `toml:"fetch_url"`
	// ObserverAddr is the local listen address for the Stacks event
	// observer receiver.
	ObserverAddr string `toml:"observer_addr"`
}

// APIConfig holds control API settings.
type APIConfig struct {
	Addr        string   `toml:"addr"`
	AuthToken   string   `toml:"auth_token"`
	CORSOrigins []string `toml:"cors"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
	JSON  bool   `toml:"json"`
}

// EngineConfig holds evaluation engine tuning.
type EngineConfig struct {
	// Workers bounds concurrent matcher/scanner work (0 = core count).
	Workers int `toml:"workers"`
	// ForkWindow is the per-chain retained header window.
	ForkWindow int `toml:"fork_window"`
	// Handoff is the scanner-to-stream handoff distance from tip.
	Handoff uint64 `toml:"handoff"`
	// ScanBatch is the backfill dispatch batch size in blocks.
	ScanBatch uint64 `toml:"scan_batch"`
	// StartupGraceSeconds bounds how long the upstream may be unreachable
	// at startup before the process exits.
	StartupGraceSeconds int `toml:"startup_grace_seconds"`
	// ShutdownGraceSeconds bounds the in-flight dispatch drain on shutdown.
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.chainhookd
//	macOS:   ~/Library/Application Support/Chainhookd
//	Windows: %APPDATA%\Chainhookd
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainhookd"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Chainhookd")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Chainhookd")
		}
		return filepath.Join(home, "AppData", "Roaming", "Chainhookd")
	default:
		return filepath.Join(home, ".chainhookd")
	}
}

// DBDir returns the embedded database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.DataDir, "db")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}
