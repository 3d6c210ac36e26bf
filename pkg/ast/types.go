// Package ast is the declaration model extracted from the canonicalized
// header surface: structs, unions, enums, typedefs, function signatures,
// and constants, plus the recursive type descriptors beneath them.
package ast

import (
	"fmt"
	"strings"
)

// TypeDesc describes a type recursively. Every descriptor must resolve to
// a finite size and alignment during layout resolution before anything is
// emitted.
type TypeDesc interface {
	typeNode()
	String() string
}

// PrimKind enumerates the C primitive types the header surface uses.
// Widths are fixed by the target profile, not by the kind itself.
type PrimKind int

const (
	Void PrimKind = iota
	Bool
	Char
	SChar
	UChar
	Short
	UShort
	Int
	UInt
	Long
	ULong
	LongLong
	ULongLong
	Float
	Double
)

var primNames = map[PrimKind]string{
	Void: "void", Bool: "bool", Char: "char", SChar: "signed char",
	UChar: "unsigned char", Short: "short", UShort: "unsigned short",
	Int: "int", UInt: "unsigned int", Long: "long", ULong: "unsigned long",
	LongLong: "long long", ULongLong: "unsigned long long",
	Float: "float", Double: "double",
}

// Primitive is a builtin C type.
type Primitive struct {
	Kind PrimKind
}

func (Primitive) typeNode() {}
func (p Primitive) String() string {
	if n, ok := primNames[p.Kind]; ok {
		return n
	}
	return fmt.Sprintf("PrimKind(%d)", int(p.Kind))
}

// Unsigned reports whether the primitive is an unsigned integer.
func (p Primitive) Unsigned() bool {
	switch p.Kind {
	case Bool, UChar, UShort, UInt, ULong, ULongLong:
		return true
	}
	return false
}

// Pointer is pointer-to-To. Const records the pointee's mutability intent;
// Optional records nullability intent where SAL-style annotations supplied
// one. Neither affects layout; Optional surfaces in the generated function
// documentation.
type Pointer struct {
	To       TypeDesc
	Const    bool
	Optional bool
}

func (Pointer) typeNode() {}
func (p Pointer) String() string {
	s := p.To.String() + " *"
	if p.Const {
		s = "const " + s
	}
	return s
}

// Array is a fixed-length array of Elem.
type Array struct {
	Elem TypeDesc
	Len  int64
}

func (Array) typeNode() {}
func (a Array) String() string {
	return fmt.Sprintf("%s[%d]", a.Elem, a.Len)
}

// Named references a struct, union, enum, or typedef by name. Resolution
// to a concrete layout happens in pkg/layout; an unresolved Named at the
// end of resolution is an error.
type Named struct {
	Name string
}

func (Named) typeNode()        {}
func (n Named) String() string { return n.Name }

// FuncPtr is a pointer to a function with the given signature. Its layout
// is always pointer-sized; the signature is resolved eagerly since it
// never needs the target's full layout.
type FuncPtr struct {
	Sig *Signature
}

func (FuncPtr) typeNode() {}
func (f FuncPtr) String() string {
	return f.Sig.String() + " (*)"
}

// Bitfield is a field declared with an explicit bit width. Layout collapses
// adjacent bit-field runs into their base type's storage unit.
type Bitfield struct {
	Base TypeDesc
	Bits int
}

func (Bitfield) typeNode() {}
func (b Bitfield) String() string {
	return fmt.Sprintf("%s : %d", b.Base, b.Bits)
}

// FuncType is a bare function type as it appears mid-declarator. It never
// survives into a finished declaration: a declarator whose whole type is a
// FuncType becomes a FuncDecl, and pointer-to-FuncType becomes FuncPtr.
type FuncType struct {
	Sig *Signature
}

func (FuncType) typeNode()        {}
func (f FuncType) String() string { return f.Sig.String() }

// CallConv tags a function's calling convention. The tag is explicit
// everywhere; no stage may infer or normalize it.
type CallConv int

const (
	Stdcall CallConv = iota // NTAPI / WINAPI family
	Cdecl
	Fastcall
)

func (c CallConv) String() string {
	switch c {
	case Stdcall:
		return "stdcall"
	case Cdecl:
		return "cdecl"
	case Fastcall:
		return "fastcall"
	}
	return fmt.Sprintf("CallConv(%d)", int(c))
}

// Param is one function parameter. Optional records SAL-style nullability
// annotations; it applies whether the pointer is spelled directly or
// through a typedef like PVOID.
type Param struct {
	Name     string
	Type     TypeDesc
	Optional bool
}

// Signature is the shape of a function or function-pointer type.
type Signature struct {
	Ret      TypeDesc
	Params   []Param
	Conv     CallConv
	Variadic bool
}

func (s *Signature) String() string {
	parts := make([]string, len(s.Params))
	for i, p := range s.Params {
		parts[i] = p.Type.String()
	}
	if s.Variadic {
		parts = append(parts, "...")
	}
	return fmt.Sprintf("%s %s(%s)", s.Ret, s.Conv, strings.Join(parts, ", "))
}
