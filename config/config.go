// Package config handles bindgen.toml project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/NZXTCorp/km-wrappers/pkg/codegen"
	"github.com/NZXTCorp/km-wrappers/pkg/target"
)

// FileName is the configuration file bindgen looks for.
const FileName = "bindgen.toml"

// Config represents a bindgen.toml generation configuration.
type Config struct {
	Target Target `toml:"target"`
	Input  Input  `toml:"input"`
	Output Output `toml:"output"`
	Policy Policy `toml:"policy"`
	Enums  Enums  `toml:"enums"`

	// Dir is the directory containing the bindgen.toml file (set at load time).
	Dir string `toml:"-"`
}

// Target selects the architecture and OS floor bindings are generated for.
type Target struct {
	Arch    string `toml:"arch"`
	OSFloor string `toml:"os-floor"`
}

// Input configures the configuration header and the header search path.
type Input struct {
	Header       string            `toml:"header"`
	IncludeDirs  []string          `toml:"include-dirs"`
	Defines      map[string]string `toml:"defines"`
	StrictMacros bool              `toml:"strict-macros"`
}

// Output configures where generated artifacts are written.
type Output struct {
	Package  string `toml:"package"`
	Bindings string `toml:"bindings"`
	Manifest string `toml:"manifest"`
}

// Policy configures which declarations reach the output.
type Policy struct {
	AllowFunctions []string `toml:"allow-functions"`
	AllowTypes     []string `toml:"allow-types"`
	AllowVars      []string `toml:"allow-vars"`
	DenyNames      []string `toml:"deny-names"`
	DenyHeaders    []string `toml:"deny-headers"`
	OpaqueTypes    []string `toml:"opaque-types"`
}

// Enums assigns non-default emission styles to named enums.
type Enums struct {
	Bitfield   []string `toml:"bitfield"`
	Constified []string `toml:"constified"`
	Newtype    []string `toml:"newtype"`
}

// Load parses a bindgen.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if c.Target.Arch == "" {
		c.Target.Arch = "amd64"
	}
	if c.Target.OSFloor == "" {
		c.Target.OSFloor = "win10"
	}
	if c.Input.Header == "" {
		c.Input.Header = "bindgen.h"
	}
	if c.Output.Package == "" {
		c.Output.Package = "km"
	}
	if c.Output.Bindings == "" {
		c.Output.Bindings = "bindings.go"
	}
	if c.Output.Manifest == "" {
		c.Output.Manifest = "bindings.manifest.cbor"
	}

	return &c, nil
}

// FindAndLoad walks up from startDir to find a bindgen.toml file, then loads
// and returns the configuration. Returns nil if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Profile resolves the [target] section into a generation profile.
func (c *Config) Profile() (target.Profile, error) {
	arch, err := target.ParseArch(c.Target.Arch)
	if err != nil {
		return target.Profile{}, err
	}
	floor, err := target.ParseOSVersion(c.Target.OSFloor)
	if err != nil {
		return target.Profile{}, err
	}
	return target.Profile{Arch: arch, OSFloor: floor}, nil
}

// HeaderPath returns the absolute path of the configuration header.
func (c *Config) HeaderPath() string {
	if filepath.IsAbs(c.Input.Header) {
		return c.Input.Header
	}
	return filepath.Join(c.Dir, c.Input.Header)
}

// IncludeDirPaths returns absolute paths for the configured include directories.
func (c *Config) IncludeDirPaths() []string {
	var paths []string
	for _, d := range c.Input.IncludeDirs {
		if filepath.IsAbs(d) {
			paths = append(paths, d)
			continue
		}
		paths = append(paths, filepath.Join(c.Dir, d))
	}
	return paths
}

// BindingsPath returns the absolute path the generated source is written to.
func (c *Config) BindingsPath() string {
	if filepath.IsAbs(c.Output.Bindings) {
		return c.Output.Bindings
	}
	return filepath.Join(c.Dir, c.Output.Bindings)
}

// ManifestPath returns the absolute path the audit manifest is written to.
func (c *Config) ManifestPath() string {
	if filepath.IsAbs(c.Output.Manifest) {
		return c.Output.Manifest
	}
	return filepath.Join(c.Dir, c.Output.Manifest)
}

// EmitPolicy assembles the [policy] and [enums] sections into the form the
// emitter consumes.
func (c *Config) EmitPolicy() codegen.Policy {
	return codegen.Policy{
		AllowFunctions:  c.Policy.AllowFunctions,
		AllowTypes:      c.Policy.AllowTypes,
		AllowVars:       c.Policy.AllowVars,
		DenyNames:       c.Policy.DenyNames,
		DenyHeaders:     c.Policy.DenyHeaders,
		OpaqueTypes:     c.Policy.OpaqueTypes,
		BitfieldEnums:   c.Enums.Bitfield,
		ConstifiedEnums: c.Enums.Constified,
		NewtypeEnums:    c.Enums.Newtype,
	}
}
