// Package target describes the (architecture, OS version) profile a
// generation run is pinned to. A profile is immutable once built; every
// pipeline stage receives it explicitly.
package target

import "fmt"

// Arch identifies a processor architecture family.
type Arch int

const (
	AMD64 Arch = iota
	ARM64
	X86
)

// String returns the WDK-style architecture tag.
func (a Arch) String() string {
	switch a {
	case AMD64:
		return "amd64"
	case ARM64:
		return "arm64"
	case X86:
		return "x86"
	}
	return fmt.Sprintf("Arch(%d)", int(a))
}

// ParseArch maps a configuration tag to an Arch.
func ParseArch(tag string) (Arch, error) {
	switch tag {
	case "amd64", "x64":
		return AMD64, nil
	case "arm64":
		return ARM64, nil
	case "x86":
		return X86, nil
	}
	return 0, fmt.Errorf("unknown architecture tag %q", tag)
}

// OSVersion is an NTDDI-style kernel ABI revision.
type OSVersion uint32

// Known kernel ABI revisions, NTDDI encoding.
const (
	Win7  OSVersion = 0x06010000
	Win8  OSVersion = 0x06020000
	Win81 OSVersion = 0x06030000
	Win10 OSVersion = 0x0A000000
	Win11 OSVersion = 0x0A00000B
)

var osVersionNames = map[string]OSVersion{
	"win7":  Win7,
	"win8":  Win8,
	"win81": Win81,
	"win10": Win10,
	"win11": Win11,
}

// ParseOSVersion maps a configuration tag to an OSVersion.
func ParseOSVersion(tag string) (OSVersion, error) {
	if v, ok := osVersionNames[tag]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown OS version tag %q", tag)
}

func (v OSVersion) String() string {
	for name, val := range osVersionNames {
		if val == v {
			return name
		}
	}
	return fmt.Sprintf("0x%08X", uint32(v))
}

// Profile pins one generation run to a single architecture and OS-version
// floor. PointerSize and the default calling convention follow from the
// architecture and never vary independently.
type Profile struct {
	Arch    Arch
	OSFloor OSVersion
}

// PointerSize returns the size in bytes of a data or function pointer.
func (p Profile) PointerSize() int {
	if p.Arch == X86 {
		return 4
	}
	return 8
}

// GOARCH returns the Go architecture name matching the profile, for
// sizing generated bindings the way the Go compiler will.
func (p Profile) GOARCH() string {
	switch p.Arch {
	case ARM64:
		return "arm64"
	case X86:
		return "386"
	}
	return "amd64"
}

// ArchDefine returns the architecture selector macro the WDK headers key
// their conditional regions on.
func (p Profile) ArchDefine() string {
	switch p.Arch {
	case AMD64:
		return "_AMD64_"
	case ARM64:
		return "_ARM64_"
	default:
		return "_X86_"
	}
}

// BuiltinMacros returns the object-like macros every run predefines before
// the configuration header is read. Values are macro replacement text.
func (p Profile) BuiltinMacros() map[string]string {
	m := map[string]string{
		p.ArchDefine():  "1",
		"NTDDI_VERSION": fmt.Sprintf("0x%08X", uint32(p.OSFloor)),
	}
	if p.PointerSize() == 8 {
		m["_WIN64"] = "1"
	}
	return m
}
