package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ConfigFile is the project file looked up from the working directory
// upwards.
const ConfigFile = "qjsbind.toml"

// Config represents a qjsbind.toml project configuration.
type Config struct {
	// Engine is "goja" or "wasm".
	Engine string `toml:"engine"`
	// Wasm is the QuickJS build the wasm engine runs.
	Wasm        string `toml:"wasm"`
	MemoryLimit uint64 `toml:"memory_limit"`
	// ModuleRoot is the directory imports are resolved in.
	ModuleRoot string `toml:"module_root"`
	LogLevel   string `toml:"log_level"`
	// Console is "stdout", "verbose", "log" or "off".
	Console string `toml:"console"`

	// Dir is the directory containing the qjsbind.toml file, or the
	// working directory without one.
	Dir string `toml:"-"`
}

func DefaultConfig(dir string) *Config {
	return &Config{
		Engine:     "goja",
		ModuleRoot: ".",
		LogLevel:   "warn",
		Console:    "stdout",
		Dir:        dir,
	}
}

// LoadConfig parses a config file. Unset keys keep their defaults.
func LoadConfig(path string) (*Config, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := DefaultConfig(filepath.Dir(path))
	meta, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
	}
	return c, c.Validate()
}

// FindConfig walks up from startDir to find a qjsbind.toml file. Without
// one the defaults apply, relative to startDir.
func FindConfig(startDir string) (*Config, error) {
	start, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for dir := start; ; {
		path := filepath.Join(dir, ConfigFile)
		if _, err := os.Stat(path); err == nil {
			return LoadConfig(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return DefaultConfig(start), nil
		}
		dir = parent
	}
}

func (c *Config) Validate() error {
	switch c.Engine {
	case "goja":
	case "wasm":
		if c.Wasm == "" {
			return fmt.Errorf("engine wasm needs the wasm key")
		}
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}

	switch c.Console {
	case "stdout", "verbose", "log", "off":
	default:
		return fmt.Errorf("unknown console %q", c.Console)
	}
	return nil
}

// Path resolves p relative to the config directory.
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}
