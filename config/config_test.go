package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/NZXTCorp/km-wrappers/pkg/target"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[target]
arch = "amd64"
os-floor = "win10"

[input]
header = "bindgen.h"
include-dirs = ["wdk/shared", "wdk/km"]
strict-macros = true

[input.defines]
WDF_VERSION_MAJOR = "1"

[output]
package = "km"
bindings = "zz_bindings.go"
manifest = "zz_bindings.manifest.cbor"

[policy]
allow-functions = ["Wdf.*", "Zw.*"]
allow-types = [".*_CONTEXT"]
deny-names = ["ZwTerminateProcess"]
deny-headers = ["ntifs.h"]
opaque-types = ["_KDPC"]

[enums]
bitfield = ["_WDF_FLAGS"]
constified = ["_POOL_TYPE"]
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.Target.Arch != "amd64" || c.Target.OSFloor != "win10" {
		t.Errorf("target = %+v", c.Target)
	}
	if len(c.Input.IncludeDirs) != 2 {
		t.Errorf("include dirs = %v, want 2", c.Input.IncludeDirs)
	}
	if !c.Input.StrictMacros {
		t.Error("strict-macros = false, want true")
	}
	if c.Input.Defines["WDF_VERSION_MAJOR"] != "1" {
		t.Errorf("defines = %v", c.Input.Defines)
	}
	if c.Output.Bindings != "zz_bindings.go" {
		t.Errorf("bindings = %q", c.Output.Bindings)
	}
	if len(c.Policy.AllowFunctions) != 2 || c.Policy.AllowFunctions[0] != "Wdf.*" {
		t.Errorf("allow-functions = %v", c.Policy.AllowFunctions)
	}
	if len(c.Policy.OpaqueTypes) != 1 || c.Policy.OpaqueTypes[0] != "_KDPC" {
		t.Errorf("opaque-types = %v", c.Policy.OpaqueTypes)
	}
	if len(c.Enums.Bitfield) != 1 || c.Enums.Bitfield[0] != "_WDF_FLAGS" {
		t.Errorf("enums.bitfield = %v", c.Enums.Bitfield)
	}

	p, err := c.Profile()
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if p.Arch != target.AMD64 || p.OSFloor != target.Win10 {
		t.Errorf("profile = %+v", p)
	}

	ep := c.EmitPolicy()
	if len(ep.AllowFunctions) != 2 || len(ep.ConstifiedEnums) != 1 {
		t.Errorf("emit policy = %+v", ep)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Target.Arch != "amd64" || c.Target.OSFloor != "win10" {
		t.Errorf("target defaults = %+v", c.Target)
	}
	if c.Input.Header != "bindgen.h" {
		t.Errorf("header default = %q", c.Input.Header)
	}
	if c.Output.Package != "km" || c.Output.Bindings != "bindings.go" {
		t.Errorf("output defaults = %+v", c.Output)
	}
	if c.Output.Manifest != "bindings.manifest.cbor" {
		t.Errorf("manifest default = %q", c.Output.Manifest)
	}
}

func TestPathsResolveAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[input]
header = "cfg/bindgen.h"
include-dirs = ["wdk/shared"]
`)
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got, want := c.HeaderPath(), filepath.Join(c.Dir, "cfg", "bindgen.h"); got != want {
		t.Errorf("HeaderPath = %q, want %q", got, want)
	}
	if got, want := c.IncludeDirPaths()[0], filepath.Join(c.Dir, "wdk", "shared"); got != want {
		t.Errorf("IncludeDirPaths[0] = %q, want %q", got, want)
	}
	if got, want := c.BindingsPath(), filepath.Join(c.Dir, "bindings.go"); got != want {
		t.Errorf("BindingsPath = %q, want %q", got, want)
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, root, "[target]\narch = \"arm64\"\n")

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil {
		t.Fatal("config not found from nested dir")
	}
	if c.Target.Arch != "arm64" {
		t.Errorf("arch = %q, want arm64", c.Target.Arch)
	}
}

func TestFindAndLoadMissing(t *testing.T) {
	dir := t.TempDir()
	c, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad errored: %v", err)
	}
	if c != nil {
		t.Errorf("expected nil for missing config, got %+v", c)
	}
}

func TestBadProfileTags(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[target]\narch = \"mips\"\n")
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := c.Profile(); err == nil {
		t.Fatal("expected error for unknown architecture tag")
	}
}
