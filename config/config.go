// Package config handles hotswap.toml session configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/pboyd/hotswap/patch"
	"github.com/pboyd/hotswap/resolve"
)

// FileName is the name Find looks for.
const FileName = "hotswap.toml"

// Config is a hotswap.toml file.
type Config struct {
	Session Session  `toml:"session"`
	Modules []Module `toml:"module"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-"`
}

// Session configures the patching session.
type Session struct {
	// Suffix is appended to the identity of rebuilt images.
	Suffix string `toml:"suffix"`

	// Mode is "auto", "slot" or "direct".
	Mode string `toml:"mode"`

	Verbosity int    `toml:"verbosity"`
	LogFile   string `toml:"log-file"`

	// Journal is the path of the patch journal. Empty disables it.
	Journal string `toml:"journal"`
}

// Module describes one patchable module and how to rebuild it.
type Module struct {
	Name  string `toml:"name"`
	Image string `toml:"image"`

	// Build is the command that rebuilds the module, run in the config
	// directory. Output is the image it writes.
	Build  []string `toml:"build"`
	Output string   `toml:"output"`

	// Sources are checked for modifications before rebuilding.
	Sources []string `toml:"sources"`

	// Instrument runs the instrumentation pass over Image before it is
	// loaded.
	Instrument bool `toml:"instrument"`
}

// Load parses the file at path, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	// Defaults
	if c.Session.Suffix == "" {
		c.Session.Suffix = resolve.DefaultSuffix
	}
	if c.Session.Mode == "" {
		c.Session.Mode = patch.ModeAuto.String()
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// Find walks up from dir looking for hotswap.toml and loads it. It
// returns nil if there is none.
func Find(dir string) (*Config, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks the configuration for mistakes Load cannot default.
func (c *Config) Validate() error {
	var errs []error
	if _, err := patch.ParseMode(c.Session.Mode); err != nil {
		errs = append(errs, err)
	}

	seen := map[string]bool{}
	for i, m := range c.Modules {
		switch {
		case m.Name == "":
			errs = append(errs, fmt.Errorf("module %d: missing name", i))
		case seen[m.Name]:
			errs = append(errs, fmt.Errorf("module %s: declared twice", m.Name))
		}
		seen[m.Name] = true

		if m.Image == "" {
			errs = append(errs, fmt.Errorf("module %s: missing image", m.Name))
		}
		if len(m.Build) > 0 && m.Output == "" {
			errs = append(errs, fmt.Errorf("module %s: build needs an output", m.Name))
		}
	}
	return errors.Join(errs...)
}

// PatchMode returns the session mode.
func (c *Config) PatchMode() patch.Mode {
	m, _ := patch.ParseMode(c.Session.Mode)
	return m
}

// Path resolves p relative to the config directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Module returns the module called name, or nil.
func (c *Config) Module(name string) *Module {
	for i := range c.Modules {
		if c.Modules[i].Name == name {
			return &c.Modules[i]
		}
	}
	return nil
}
