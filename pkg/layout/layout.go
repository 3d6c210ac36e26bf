// Package layout computes concrete field offsets, sizes, and alignments
// for every struct and union, and resolves function signatures to explicit
// calling conventions, all for one fixed target profile. Resolution is the
// arena-and-index scheme: every named type registers up front, then layout
// passes run to a fixpoint so self- and mutually-referential types resolve
// in dependency order.
package layout

import (
	"fmt"
	"sort"

	"github.com/NZXTCorp/km-wrappers/pkg/ast"
	"github.com/NZXTCorp/km-wrappers/pkg/target"
	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

// FieldLayout is one resolved field: byte offset, concrete size and
// alignment, plus bit-field placement when Bits is nonzero.
type FieldLayout struct {
	Name   string
	Offset int64
	Size   int64
	Align  int
	Type   ast.TypeDesc

	Bits      int
	BitOffset int
}

// Plan is the resolved layout of one struct or union. Offsets are
// monotonically non-decreasing for structs; union members all sit at 0.
type Plan struct {
	Name    string
	IsUnion bool
	Size    int64
	Align   int
	Pack    int
	Fields  []FieldLayout
}

// Resolved is the full output of layout resolution.
type Resolved struct {
	// Plans maps struct/union tag to its layout. Incomplete types have no
	// plan; they are only legal behind pointers.
	Plans map[string]*Plan

	// Funcs maps function name to its resolved signature.
	Funcs map[string]*ast.Signature

	// Order preserves declaration order for deterministic emission.
	Order []string

	Errors []error

	r *resolver
}

// Failed reports whether resolution accumulated any error.
func (r *Resolved) Failed() bool { return len(r.Errors) > 0 }

// Profile returns the target profile the layouts were computed for.
func (r *Resolved) Profile() target.Profile { return r.r.profile }

const maxPasses = 64

type resolver struct {
	profile target.Profile

	structs  map[string]*ast.StructDecl
	enums    map[string]*ast.EnumDecl
	typedefs map[string]ast.TypeDesc

	plans map[string]*Plan
	errs  []error
}

// Resolve computes layouts and signatures for the declaration set.
// Resolution of independent types continues past per-type failures so one
// run reports everything wrong.
func Resolve(decls []ast.Decl, profile target.Profile) *Resolved {
	r := &resolver{
		profile:  profile,
		structs:  make(map[string]*ast.StructDecl),
		enums:    make(map[string]*ast.EnumDecl),
		typedefs: make(map[string]ast.TypeDesc),
		plans:    make(map[string]*Plan),
	}

	// First pass: register every type name with placeholder status.
	var structOrder []string
	for _, d := range decls {
		switch d := d.(type) {
		case *ast.StructDecl:
			r.structs[d.Name] = d
			if !d.Incomplete {
				structOrder = append(structOrder, d.Name)
			}
		case *ast.EnumDecl:
			r.enums[d.Name] = d
		case *ast.TypedefDecl:
			r.typedefs[d.Name] = d.Type
		}
	}

	// Second pass, iterated: lay out every struct whose members are all
	// already sized. Bounded so a by-value cycle cannot loop forever.
	pending := structOrder
	for pass := 0; pass < maxPasses && len(pending) > 0; pass++ {
		var still []string
		progressed := false
		for _, name := range pending {
			plan, err := r.layoutStruct(r.structs[name])
			if err != nil {
				if _, defer2 := err.(*deferred); defer2 {
					still = append(still, name)
					continue
				}
				r.errs = append(r.errs, err)
				progressed = true
				continue
			}
			r.plans[name] = plan
			progressed = true
		}
		pending = still
		if !progressed {
			break
		}
	}
	if len(pending) > 0 {
		r.reportUnresolved(pending)
	}

	res := &Resolved{
		Plans: r.plans,
		Funcs: make(map[string]*ast.Signature),
		r:     r,
	}
	for _, d := range decls {
		if sd, ok := d.(*ast.StructDecl); ok && !sd.Incomplete {
			if _, ok := r.plans[sd.Name]; ok {
				res.Order = append(res.Order, sd.Name)
			}
		}
		if fd, ok := d.(*ast.FuncDecl); ok {
			if err := r.checkSignature(fd.Name, fd.Sig, fd.Pos); err != nil {
				r.errs = append(r.errs, err)
				continue
			}
			res.Funcs[fd.Name] = fd.Sig
		}
	}
	res.Errors = r.errs
	return res
}

// deferred marks "not resolvable yet, try next pass".
type deferred struct {
	waitingOn string
}

func (d *deferred) Error() string { return "deferred on " + d.waitingOn }

// SizeAlign resolves any descriptor to a concrete size and alignment using
// the already-computed plans. It is the post-resolution query interface
// the emitter uses.
func (res *Resolved) SizeAlign(t ast.TypeDesc) (int64, int, error) {
	return res.r.sizeAlign(t, token.Pos{}, "emission")
}

// Underlying follows typedef chains to the first non-typedef descriptor.
func (res *Resolved) Underlying(t ast.TypeDesc) ast.TypeDesc {
	for {
		n, ok := t.(ast.Named)
		if !ok {
			return t
		}
		td, ok := res.r.typedefs[n.Name]
		if !ok {
			return t
		}
		t = td
	}
}

// sizeAlign computes (size, alignment) for a descriptor, or defers when a
// referenced struct has no plan yet.
func (r *resolver) sizeAlign(t ast.TypeDesc, at token.Pos, use string) (int64, int, error) {
	switch t := t.(type) {
	case ast.Primitive:
		return r.primitive(t.Kind)
	case ast.Pointer, ast.FuncPtr:
		n := int64(r.profile.PointerSize())
		return n, int(n), nil
	case ast.Array:
		size, align, err := r.sizeAlign(t.Elem, at, use)
		if err != nil {
			return 0, 0, err
		}
		return size * t.Len, align, nil
	case ast.Bitfield:
		return r.sizeAlign(t.Base, at, use)
	case ast.Named:
		return r.named(t.Name, at, use)
	case ast.FuncType:
		return 0, 0, &SignatureError{Function: use, Pos: at,
			Reason: "bare function type has no object layout"}
	}
	return 0, 0, fmt.Errorf("%s: unknown type descriptor %T", at, t)
}

func (r *resolver) named(name string, at token.Pos, use string) (int64, int, error) {
	if td, ok := r.typedefs[name]; ok {
		return r.sizeAlign(td, at, use)
	}
	if _, ok := r.enums[name]; ok {
		return 4, 4, nil // enums are int-sized on every supported target
	}
	if plan, ok := r.plans[name]; ok {
		return plan.Size, plan.Align, nil
	}
	if sd, ok := r.structs[name]; ok {
		if sd.Incomplete {
			return 0, 0, &UnresolvedType{Name: name, Pos: at, Use: use}
		}
		return 0, 0, &deferred{waitingOn: name}
	}
	return 0, 0, &UnresolvedType{Name: name, Pos: at, Use: use}
}

// primitive returns the target's width and alignment for a builtin type.
// LLP64 rules: long stays 4 bytes on 64-bit Windows.
func (r *resolver) primitive(k ast.PrimKind) (int64, int, error) {
	switch k {
	case ast.Void:
		return 0, 0, fmt.Errorf("void has no object layout")
	case ast.Bool, ast.Char, ast.SChar, ast.UChar:
		return 1, 1, nil
	case ast.Short, ast.UShort:
		return 2, 2, nil
	case ast.Int, ast.UInt, ast.Long, ast.ULong, ast.Float:
		return 4, 4, nil
	case ast.LongLong, ast.ULongLong, ast.Double:
		return 8, 8, nil
	}
	return 0, 0, fmt.Errorf("unknown primitive kind %d", int(k))
}

// layoutStruct computes the plan for one complete struct or union,
// honoring the pack value captured at its definition site.
func (r *resolver) layoutStruct(sd *ast.StructDecl) (*Plan, error) {
	plan := &Plan{Name: sd.Name, IsUnion: sd.IsUnion, Pack: sd.Pack, Align: 1}

	var off int64
	// Bit-field run state: the current storage unit's offset, size, and
	// the next free bit.
	var bitUnitOff, bitUnitSize int64 = -1, 0
	bitPos := 0

	for _, f := range sd.Fields {
		fsize, falign, err := r.sizeAlign(f.Type, f.Pos, fmt.Sprintf("field %s.%s", sd.Name, f.Name))
		if err != nil {
			return nil, err
		}
		eff := falign
		if sd.Pack > 0 && eff > sd.Pack {
			eff = sd.Pack
		}
		if eff > plan.Align {
			plan.Align = eff
		}

		if bf, isBF := f.Type.(ast.Bitfield); isBF && !sd.IsUnion {
			// Continue the current run when the unit matches and the bits
			// fit; otherwise open a new storage unit.
			if bitUnitOff < 0 || bitUnitSize != fsize || bf.Bits == 0 ||
				int64(bitPos+bf.Bits) > fsize*8 {
				off = roundUp(off, int64(eff))
				bitUnitOff = off
				bitUnitSize = fsize
				bitPos = 0
				off += fsize
			}
			if bf.Bits > 0 {
				plan.Fields = append(plan.Fields, FieldLayout{
					Name: f.Name, Offset: bitUnitOff, Size: fsize, Align: eff,
					Type: f.Type, Bits: bf.Bits, BitOffset: bitPos,
				})
				bitPos += bf.Bits
			}
			continue
		}
		bitUnitOff = -1
		bitPos = 0

		if sd.IsUnion {
			plan.Fields = append(plan.Fields, FieldLayout{
				Name: f.Name, Offset: 0, Size: fsize, Align: eff, Type: f.Type,
			})
			if fsize > plan.Size {
				plan.Size = fsize
			}
			continue
		}

		off = roundUp(off, int64(eff))
		plan.Fields = append(plan.Fields, FieldLayout{
			Name: f.Name, Offset: off, Size: fsize, Align: eff, Type: f.Type,
		})
		off += fsize
	}

	if !sd.IsUnion {
		plan.Size = off
	}
	plan.Size = roundUp(plan.Size, int64(plan.Align))
	if plan.Size == 0 {
		// Zero-field structs still occupy storage in MSVC layout.
		plan.Size = int64(plan.Align)
	}
	return plan, nil
}

func roundUp(n, align int64) int64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// checkSignature verifies every parameter and return type of a function
// resolves to a finite layout. Pointer-typed parameters only need pointer
// size, so signatures referencing opaque handles resolve eagerly.
func (r *resolver) checkSignature(name string, sig *ast.Signature, pos token.Pos) error {
	if !isVoidType(sig.Ret) {
		if _, _, err := r.sizeAlign(sig.Ret, pos, "return of "+name); err != nil {
			return &SignatureError{Function: name, Pos: pos,
				Reason: fmt.Sprintf("return type: %v", err)}
		}
	}
	for _, p := range sig.Params {
		if _, _, err := r.sizeAlign(p.Type, pos, "parameter of "+name); err != nil {
			return &SignatureError{Function: name, Pos: pos,
				Reason: fmt.Sprintf("parameter %q: %v", p.Name, err)}
		}
	}
	return nil
}

func isVoidType(t ast.TypeDesc) bool {
	p, ok := t.(ast.Primitive)
	return ok && p.Kind == ast.Void
}

// reportUnresolved turns the post-fixpoint pending set into cycle errors
// with explicit chains, walking by-value dependencies among the still
// unresolved types.
func (r *resolver) reportUnresolved(pending []string) {
	pendingSet := make(map[string]bool, len(pending))
	for _, n := range pending {
		pendingSet[n] = true
	}
	sort.Strings(pending)

	reported := make(map[string]bool)
	for _, name := range pending {
		if reported[name] {
			continue
		}
		chain := r.findCycle(name, pendingSet)
		if chain == nil {
			// Not a cycle: blocked on something that itself failed, which
			// already produced its own error.
			continue
		}
		for _, n := range chain {
			reported[n] = true
		}
		r.errs = append(r.errs, &UnresolvableCycle{
			Chain: append(chain, chain[0]),
			Pos:   r.structs[name].Pos,
		})
	}
}

// findCycle walks by-value member references restricted to the pending
// set and returns the first cycle through start, or nil.
func (r *resolver) findCycle(start string, pending map[string]bool) []string {
	var path []string
	onPath := make(map[string]bool)

	var walk func(name string) []string
	walk = func(name string) []string {
		if onPath[name] {
			// Trim the path to the cycle itself.
			for i, n := range path {
				if n == name {
					return append([]string(nil), path[i:]...)
				}
			}
			return append([]string(nil), path...)
		}
		if !pending[name] {
			return nil
		}
		onPath[name] = true
		path = append(path, name)
		for _, dep := range r.byValueDeps(r.structs[name]) {
			if c := walk(dep); c != nil {
				return c
			}
		}
		path = path[:len(path)-1]
		onPath[name] = false
		return nil
	}
	return walk(start)
}

// byValueDeps lists struct names a definition embeds by value (arrays
// included, pointers excluded).
func (r *resolver) byValueDeps(sd *ast.StructDecl) []string {
	var deps []string
	var visit func(t ast.TypeDesc)
	visit = func(t ast.TypeDesc) {
		switch t := t.(type) {
		case ast.Array:
			visit(t.Elem)
		case ast.Bitfield:
			visit(t.Base)
		case ast.Named:
			if td, ok := r.typedefs[t.Name]; ok {
				visit(td)
				return
			}
			if _, ok := r.structs[t.Name]; ok {
				deps = append(deps, t.Name)
			}
		}
	}
	for _, f := range sd.Fields {
		visit(f.Type)
	}
	return deps
}
