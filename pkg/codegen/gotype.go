package codegen

import (
	"fmt"
	"strconv"

	"github.com/dave/jennifer/jen"

	"github.com/NZXTCorp/km-wrappers/pkg/ast"
)

// goPrimitive maps C primitives to the fixed-width Go types with identical
// size and alignment on every supported target (LLP64: long is 32-bit).
func goPrimitive(k ast.PrimKind) (*jen.Statement, error) {
	switch k {
	case ast.Bool, ast.UChar:
		return jen.Uint8(), nil
	case ast.Char, ast.SChar:
		return jen.Int8(), nil
	case ast.Short:
		return jen.Int16(), nil
	case ast.UShort:
		return jen.Uint16(), nil
	case ast.Int, ast.Long:
		return jen.Int32(), nil
	case ast.UInt, ast.ULong:
		return jen.Uint32(), nil
	case ast.LongLong:
		return jen.Int64(), nil
	case ast.ULongLong:
		return jen.Uint64(), nil
	case ast.Float:
		return jen.Float32(), nil
	case ast.Double:
		return jen.Float64(), nil
	}
	return nil, fmt.Errorf("primitive %v has no Go object representation", ast.Primitive{Kind: k})
}

// goType renders a resolved descriptor as the Go type with the same bit
// layout. Pointers to incomplete (opaque-handle) types become uintptr so
// the pointee can never be dereferenced from the binding side.
func (e *emitter) goType(t ast.TypeDesc) (*jen.Statement, error) {
	switch t := t.(type) {
	case ast.Primitive:
		return goPrimitive(t.Kind)
	case ast.Pointer:
		if isVoid(t.To) {
			return jen.Qual("unsafe", "Pointer"), nil
		}
		if e.pointsToIncomplete(t.To) {
			return jen.Uintptr(), nil
		}
		inner, err := e.goType(t.To)
		if err != nil {
			return nil, err
		}
		return jen.Op("*").Add(inner), nil
	case ast.Array:
		elem, err := e.goType(t.Elem)
		if err != nil {
			return nil, err
		}
		return jen.Index(jen.Lit(int(t.Len))).Add(elem), nil
	case ast.FuncPtr:
		return jen.Uintptr(), nil
	case ast.Named:
		return jen.Id(t.Name), nil
	case ast.Bitfield:
		return e.goType(t.Base)
	}
	return nil, fmt.Errorf("type %s has no Go representation", t)
}

func isVoid(t ast.TypeDesc) bool {
	p, ok := t.(ast.Primitive)
	return ok && p.Kind == ast.Void
}

// pointsToIncomplete reports whether the pointee never acquires a layout,
// which is the WDF opaque-handle pattern.
func (e *emitter) pointsToIncomplete(t ast.TypeDesc) bool {
	n, ok := e.res.Underlying(t).(ast.Named)
	if !ok {
		return false
	}
	sd, ok := e.structs[n.Name]
	return ok && sd.Incomplete
}

// alignCarrier returns the zero-size field type that forces a given
// alignment on raw-storage emissions.
func alignCarrier(align int) *jen.Statement {
	switch {
	case align >= 8:
		return jen.Uint64()
	case align >= 4:
		return jen.Uint32()
	case align >= 2:
		return jen.Uint16()
	}
	return jen.Uint8()
}

// formatConst renders an integer the way the headers spell it: hex for
// flag-like magnitudes, decimal for small values.
func formatConst(v int64) string {
	if v >= 0x10 {
		return fmt.Sprintf("0x%X", uint64(v))
	}
	return strconv.FormatInt(v, 10)
}

// paramName sanitizes a C parameter name into a legal Go identifier.
func paramName(name string, i int) string {
	if name == "" {
		return fmt.Sprintf("arg%d", i)
	}
	switch name {
	case "type", "func", "range", "map", "chan", "var", "const", "go",
		"defer", "select", "interface", "package", "return", "len", "cap":
		return name + "_"
	}
	return name
}
