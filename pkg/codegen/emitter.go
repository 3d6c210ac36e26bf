// Package codegen emits Go declarations that are bit-identical in layout
// and calling behavior to the resolved native declarations, filtered by an
// allow/deny policy. Generated source carries static layout assertions so
// any drift between the computed plan and the Go compiler's own layout
// fails the build instead of corrupting kernel memory at runtime.
package codegen

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/dave/jennifer/jen"

	"github.com/NZXTCorp/km-wrappers/pkg/ast"
	"github.com/NZXTCorp/km-wrappers/pkg/layout"
)

const generatedHeader = "Code generated by km-bindgen. DO NOT EDIT."

// Options configures one emission run.
type Options struct {
	// Package is the Go package name of the generated file.
	Package string
	Policy  Policy
}

// EmittedDecl is one manifest record for a declaration that made it into
// the binding surface.
type EmittedDecl struct {
	Name       string
	Kind       string
	Header     string
	Convention string // functions and function-pointer types only
	Size       int64  // sized types only
	Align      int
}

// SuppressedDecl records a declaration the policy kept out, and why.
type SuppressedDecl struct {
	Name   string
	Kind   string
	Header string
	Rule   string
}

// Output is the rendered binding source plus the audit records.
type Output struct {
	Source     []byte
	Emitted    []EmittedDecl
	Suppressed []SuppressedDecl
}

type emitter struct {
	res     *layout.Resolved
	cp      *compiledPolicy
	ptrSize int

	structs  map[string]*ast.StructDecl
	enums    map[string]*ast.EnumDecl
	typedefs map[string]*ast.TypedefDecl
	funcs    map[string]*ast.FuncDecl
	consts   map[string]*ast.ConstDecl

	selected map[string]bool // selection key -> chosen for emission
	opaque   map[string]bool // struct tags emitted sized-but-hidden
}

// Emit renders the allowed subset of the resolved declaration set. A
// PolicyConflict aborts before anything is generated; declarations pulled
// in only as dependencies of allowed ones are emitted too, since a binding
// that references a missing type is not loadable.
func Emit(decls []ast.Decl, res *layout.Resolved, opts Options) (*Output, error) {
	cp, err := opts.Policy.compile()
	if err != nil {
		return nil, err
	}
	e := &emitter{
		res:      res,
		cp:       cp,
		ptrSize:  res.Profile().PointerSize(),
		structs:  make(map[string]*ast.StructDecl),
		enums:    make(map[string]*ast.EnumDecl),
		typedefs: make(map[string]*ast.TypedefDecl),
		funcs:    make(map[string]*ast.FuncDecl),
		consts:   make(map[string]*ast.ConstDecl),
		selected: make(map[string]bool),
		opaque:   make(map[string]bool),
	}

	var names []string
	for _, d := range decls {
		names = append(names, d.DeclName())
		switch d := d.(type) {
		case *ast.StructDecl:
			e.structs[d.Name] = d
		case *ast.EnumDecl:
			e.enums[d.Name] = d
		case *ast.TypedefDecl:
			e.typedefs[d.Name] = d
		case *ast.FuncDecl:
			e.funcs[d.Name] = d
		case *ast.ConstDecl:
			e.consts[d.Name] = d
		}
	}
	if err := cp.checkConflicts(names); err != nil {
		return nil, err
	}
	for _, n := range cp.sortedOpaque() {
		e.opaque[n] = true
	}

	suppressed := e.selectDecls(decls)

	f := jen.NewFile(opts.Package)
	f.HeaderComment(generatedHeader)
	f.PackageComment("Bindings are layout- and convention-exact; do not reorder or edit fields.")

	emitted, err := e.render(f)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Render(&buf); err != nil {
		return nil, fmt.Errorf("rendering bindings: %w", err)
	}

	// The generated file must satisfy the Go compiler's own layout rules
	// for the target architecture; validation failure here means an
	// emitter bug, never bad input.
	if verrs := NewCodeValidator("bindings.go", res.Profile().GOARCH()).Validate(buf.String()); len(verrs) > 0 {
		return nil, fmt.Errorf("generated bindings failed validation: %s at line %d",
			verrs[0].Message, verrs[0].Line)
	}

	return &Output{Source: buf.Bytes(), Emitted: emitted, Suppressed: suppressed}, nil
}

func (cp *compiledPolicy) sortedOpaque() []string {
	var names []string
	for n := range cp.opaque {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// selectDecls seeds the selection from the allow lists and closes it over
// type dependencies. Returns the suppression records for the manifest.
func (e *emitter) selectDecls(decls []ast.Decl) []SuppressedDecl {
	allowAll := e.cp.allowFuncs.empty() && e.cp.allowTypes.empty() && e.cp.allowVars.empty()

	var work []ast.Decl
	var suppressed []SuppressedDecl
	for _, d := range decls {
		kind := declKind(d)
		name := d.DeclName()

		if rule := e.cp.denyNames.match(name); rule != "" {
			suppressed = append(suppressed, SuppressedDecl{
				Name: name, Kind: kind, Header: d.Header(), Rule: "deny " + rule,
			})
			continue
		}
		if e.cp.deniedHeader(d.Header()) {
			suppressed = append(suppressed, SuppressedDecl{
				Name: name, Kind: kind, Header: d.Header(), Rule: "deny header " + d.Header(),
			})
			continue
		}

		allowed := allowAll
		if !allowed {
			switch d.(type) {
			case *ast.FuncDecl:
				allowed = e.cp.allowFuncs.match(name) != ""
			case *ast.ConstDecl:
				allowed = e.cp.allowVars.match(name) != ""
			default:
				allowed = e.cp.allowTypes.match(name) != ""
			}
		}
		if !allowed {
			suppressed = append(suppressed, SuppressedDecl{
				Name: name, Kind: kind, Header: d.Header(), Rule: "not allowlisted",
			})
			continue
		}
		e.selected[selKey(d)] = true
		work = append(work, d)
	}

	// Dependency closure. A dependency denied by name is pulled in opaque
	// rather than dropped: omitting it would break every allowed signature
	// that mentions it.
	for len(work) > 0 {
		d := work[0]
		work = work[1:]
		for _, dep := range e.deps(d) {
			key := selKey(dep)
			if e.selected[key] {
				continue
			}
			e.selected[key] = true
			if sd, ok := dep.(*ast.StructDecl); ok {
				if e.cp.denyNames.match(sd.Name) != "" || e.cp.deniedHeader(sd.Header()) {
					e.opaque[sd.Name] = true
				}
			}
			work = append(work, dep)
		}
	}

	// Drop suppression records for declarations the closure forced back in.
	var kept []SuppressedDecl
	for _, s := range suppressed {
		d := e.lookup(s.Name, s.Kind)
		if d != nil && e.selected[selKey(d)] {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

func declKind(d ast.Decl) string {
	switch d := d.(type) {
	case *ast.StructDecl:
		if d.IsUnion {
			return "union"
		}
		return "struct"
	case *ast.EnumDecl:
		return "enum"
	case *ast.TypedefDecl:
		return "typedef"
	case *ast.FuncDecl:
		return "function"
	case *ast.ConstDecl:
		return "const"
	}
	return "unknown"
}

func selKey(d ast.Decl) string {
	switch d.(type) {
	case *ast.StructDecl, *ast.EnumDecl:
		return "tag " + d.DeclName()
	default:
		return "name " + d.DeclName()
	}
}

func (e *emitter) lookup(name, kind string) ast.Decl {
	switch kind {
	case "struct", "union":
		if d, ok := e.structs[name]; ok {
			return d
		}
	case "enum":
		if d, ok := e.enums[name]; ok {
			return d
		}
	case "typedef":
		if d, ok := e.typedefs[name]; ok {
			return d
		}
	case "function":
		if d, ok := e.funcs[name]; ok {
			return d
		}
	case "const":
		if d, ok := e.consts[name]; ok {
			return d
		}
	}
	return nil
}

// deps lists the declarations a declaration's emitted form references.
func (e *emitter) deps(d ast.Decl) []ast.Decl {
	var out []ast.Decl
	add := func(t ast.TypeDesc) {
		e.walkNamed(t, func(name string) {
			if td, ok := e.typedefs[name]; ok {
				out = append(out, td)
				return
			}
			if sd, ok := e.structs[name]; ok {
				if !sd.Incomplete {
					out = append(out, sd)
				}
				return
			}
			if ed, ok := e.enums[name]; ok {
				out = append(out, ed)
			}
		})
	}
	switch d := d.(type) {
	case *ast.StructDecl:
		if !e.opaque[d.Name] {
			for _, f := range d.Fields {
				add(f.Type)
			}
		}
	case *ast.TypedefDecl:
		add(d.Type)
	case *ast.FuncDecl:
		add(d.Sig.Ret)
		for _, p := range d.Sig.Params {
			add(p.Type)
		}
	}
	return out
}

// walkNamed visits every type name referenced by a descriptor, including
// through pointers and function-pointer signatures.
func (e *emitter) walkNamed(t ast.TypeDesc, visit func(string)) {
	switch t := t.(type) {
	case ast.Named:
		visit(t.Name)
	case ast.Pointer:
		// Pointers to incomplete types erase to uintptr; following the
		// name would pull an unneeded forward declaration.
		if !e.pointsToIncomplete(t.To) {
			e.walkNamed(t.To, visit)
		}
	case ast.Array:
		e.walkNamed(t.Elem, visit)
	case ast.Bitfield:
		e.walkNamed(t.Base, visit)
	case ast.FuncPtr:
		e.walkNamed(t.Sig.Ret, visit)
		for _, p := range t.Sig.Params {
			e.walkNamed(p.Type, visit)
		}
	}
}
