// Package config loads horadrim's process configuration: a small set of
// defaults overridable by an optional TOML file, in the same
// flag-plus-file style the teacher lineage uses for its server config.
package config

import (
	"github.com/pelletier/go-toml"
)

// Config is the full set of knobs horadrim's entrypoint needs.
type Config struct {
	// LogFile is the append-only operation log (§6). Default horadrimLog.csv.
	LogFile string `toml:"log_file"`
	// LogLevel controls the structured logger's verbosity. Default info.
	LogLevel string `toml:"log_level"`
	// HeapDir is the directory heap and index files are created under.
	// Default ".".
	HeapDir string `toml:"heap_dir"`
}

// Default returns the built-in configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		LogFile:  "horadrimLog.csv",
		LogLevel: "info",
		HeapDir:  ".",
	}
}

// Load starts from Default and, if path is non-empty, overrides fields
// present in the TOML file at path. A missing path is not an error; an
// unreadable or malformed file at a non-empty path is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
