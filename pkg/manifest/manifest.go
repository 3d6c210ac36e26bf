// Package manifest builds the audit manifest that ships next to the
// generated bindings: what was emitted, what was suppressed and by which
// rule, and which conditional branches the preprocessor took. Packaging
// tooling diffs two manifests to review a binding regeneration without
// rereading the generated source.
package manifest

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/NZXTCorp/km-wrappers/pkg/codegen"
	"github.com/NZXTCorp/km-wrappers/pkg/preprocessor"
	"github.com/NZXTCorp/km-wrappers/pkg/target"
)

// FormatVersion is bumped whenever the manifest schema changes shape.
const FormatVersion = 1

// Target records the profile the bindings were generated for.
type Target struct {
	Arch    string `cbor:"arch"`
	OSFloor uint32 `cbor:"os_floor"`
}

// Entry is one emitted declaration.
type Entry struct {
	Name       string `cbor:"name"`
	Kind       string `cbor:"kind"`
	Header     string `cbor:"header,omitempty"`
	Convention string `cbor:"convention,omitempty"`
	Size       int64  `cbor:"size,omitempty"`
	Align      int    `cbor:"align,omitempty"`
}

// Suppression is one declaration a policy rule kept out of the output.
type Suppression struct {
	Name   string `cbor:"name"`
	Kind   string `cbor:"kind"`
	Header string `cbor:"header,omitempty"`
	Rule   string `cbor:"rule"`
}

// Branch is one preprocessor conditional and the direction it took.
type Branch struct {
	File      string `cbor:"file"`
	Line      int    `cbor:"line"`
	Condition string `cbor:"condition"`
	Taken     bool   `cbor:"taken"`
}

// Manifest is the complete audit record for one generation run.
type Manifest struct {
	Version    int           `cbor:"version"`
	Target     Target        `cbor:"target"`
	Headers    []string      `cbor:"headers"`
	Emitted    []Entry       `cbor:"emitted"`
	Suppressed []Suppression `cbor:"suppressed"`
	Branches   []Branch      `cbor:"branches"`
	Warnings   []string      `cbor:"warnings,omitempty"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("manifest: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Build assembles a manifest from a generation run. Every list is sorted so
// the encoded bytes are identical across reruns over the same inputs.
func Build(profile target.Profile, pre *preprocessor.Result, out *codegen.Output) *Manifest {
	m := &Manifest{
		Version: FormatVersion,
		Target: Target{
			Arch:    profile.Arch.String(),
			OSFloor: uint32(profile.OSFloor),
		},
	}

	m.Headers = append(m.Headers, pre.Headers...)
	sort.Strings(m.Headers)

	for _, e := range out.Emitted {
		m.Emitted = append(m.Emitted, Entry{
			Name:       e.Name,
			Kind:       e.Kind,
			Header:     e.Header,
			Convention: e.Convention,
			Size:       e.Size,
			Align:      e.Align,
		})
	}
	sort.Slice(m.Emitted, func(i, j int) bool {
		if m.Emitted[i].Kind != m.Emitted[j].Kind {
			return m.Emitted[i].Kind < m.Emitted[j].Kind
		}
		return m.Emitted[i].Name < m.Emitted[j].Name
	})

	for _, s := range out.Suppressed {
		m.Suppressed = append(m.Suppressed, Suppression{
			Name:   s.Name,
			Kind:   s.Kind,
			Header: s.Header,
			Rule:   s.Rule,
		})
	}
	sort.Slice(m.Suppressed, func(i, j int) bool {
		if m.Suppressed[i].Kind != m.Suppressed[j].Kind {
			return m.Suppressed[i].Kind < m.Suppressed[j].Kind
		}
		return m.Suppressed[i].Name < m.Suppressed[j].Name
	})

	for _, b := range pre.Branches {
		m.Branches = append(m.Branches, Branch{
			File:      b.Pos.File,
			Line:      b.Pos.Line,
			Condition: b.Condition,
			Taken:     b.Taken,
		})
	}
	sort.Slice(m.Branches, func(i, j int) bool {
		if m.Branches[i].File != m.Branches[j].File {
			return m.Branches[i].File < m.Branches[j].File
		}
		if m.Branches[i].Line != m.Branches[j].Line {
			return m.Branches[i].Line < m.Branches[j].Line
		}
		return m.Branches[i].Condition < m.Branches[j].Condition
	})

	m.Warnings = append(m.Warnings, pre.Warnings...)
	sort.Strings(m.Warnings)

	return m
}

// Marshal serializes a Manifest to canonical CBOR bytes.
func Marshal(m *Manifest) ([]byte, error) {
	return encMode.Marshal(m)
}

// Unmarshal deserializes a Manifest from CBOR bytes.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: unmarshal: %w", err)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("manifest: unsupported format version %d", m.Version)
	}
	return &m, nil
}
