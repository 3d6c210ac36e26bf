package ast

import "github.com/NZXTCorp/km-wrappers/pkg/token"

// Decl is one top-level declaration extracted from a header.
type Decl interface {
	declNode()
	DeclName() string
	DeclPos() token.Pos
	// Header is the originating header, for policy filtering and the
	// audit manifest.
	Header() string
}

// Base carries the fields every declaration shares.
type Base struct {
	Name string
	Pos  token.Pos
}

func (b Base) DeclName() string   { return b.Name }
func (b Base) DeclPos() token.Pos { return b.Pos }
func (b Base) Header() string     { return b.Pos.File }

// Field is one member of a struct or union.
type Field struct {
	Name string
	Type TypeDesc
	Pos  token.Pos
}

// StructDecl is a struct or union definition. Pack is the pragma pack
// value in force at the definition site, 0 meaning natural alignment.
// Anonymous nested structs/unions get deterministic synthetic names and
// appear as separate StructDecls referenced by a Named field type.
type StructDecl struct {
	Base
	Fields  []Field
	IsUnion bool
	Pack    int

	// Incomplete marks a forward declaration with no definition seen.
	// Such a type is legal behind a pointer and an error by value.
	Incomplete bool
}

func (*StructDecl) declNode() {}

// EnumMember is one enumerator with its resolved constant value.
type EnumMember struct {
	Name  string
	Value int64
	Pos   token.Pos
}

// EnumDecl is an enum definition.
type EnumDecl struct {
	Base
	Members []EnumMember
}

func (*EnumDecl) declNode() {}

// TypedefDecl aliases Name to Type.
type TypedefDecl struct {
	Base
	Type TypeDesc
}

func (*TypedefDecl) declNode() {}

// FuncDecl is an extern function declaration.
type FuncDecl struct {
	Base
	Sig *Signature
}

func (*FuncDecl) declNode() {}

// ConstDecl is a named integer constant, from an enumerator used at top
// level or an exported numeric macro.
type ConstDecl struct {
	Base
	Value int64
}

func (*ConstDecl) declNode() {}
