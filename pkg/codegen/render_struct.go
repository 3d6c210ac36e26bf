package codegen

import (
	"fmt"

	"github.com/dave/jennifer/jen"

	"github.com/NZXTCorp/km-wrappers/pkg/ast"
	"github.com/NZXTCorp/km-wrappers/pkg/layout"
)

// renderStruct emits one struct or union with its layout assertions.
// Unions, policy-opaque types, and packed layouts the Go compiler cannot
// reproduce field-by-field all take the raw-storage form; everything else
// is emitted field-faithful with explicit padding.
func (e *emitter) renderStruct(f *jen.File, sd *ast.StructDecl) (EmittedDecl, error) {
	plan, ok := e.res.Plans[sd.Name]
	if !ok {
		return EmittedDecl{}, fmt.Errorf("struct %s has no layout plan", sd.Name)
	}
	kind := "struct"
	if sd.IsUnion {
		kind = "union"
	}
	rec := EmittedDecl{
		Name: sd.Name, Kind: kind, Header: sd.Header(),
		Size: plan.Size, Align: plan.Align,
	}

	switch {
	case e.opaque[sd.Name]:
		rec.Kind = kind + " (opaque)"
		f.Commentf("%s is deliberately opaque: the kernel owns its contents and any", sd.Name)
		f.Comment("assumption about its internals is undefined behavior. Size and")
		f.Comment("alignment are preserved; field access is structurally impossible.")
		e.rawStorage(f, sd.Name, plan.Size, plan.Align)
	case sd.IsUnion:
		f.Commentf("%s is a native union; Go exposes its storage only. Members:", sd.Name)
		for _, fl := range plan.Fields {
			f.Commentf("  %s %s (size %d)", fl.Name, fl.Type, fl.Size)
		}
		e.rawStorage(f, sd.Name, plan.Size, plan.Align)
	case e.packedBeyondGo(plan):
		f.Commentf("%s uses packing the Go compiler cannot express field-by-field;", sd.Name)
		f.Comment("raw storage plus offset constants preserve the exact native layout.")
		e.rawStorage(f, sd.Name, plan.Size, plan.Align)
		defs := make([]jen.Code, 0, len(plan.Fields))
		for _, fl := range plan.Fields {
			defs = append(defs, jen.Id(fmt.Sprintf("Off_%s_%s", sd.Name, fl.Name)).
				Op("=").Lit(int(fl.Offset)))
		}
		f.Const().Defs(defs...)
	default:
		if err := e.fieldFaithful(f, sd.Name, plan); err != nil {
			return rec, err
		}
	}

	e.sizeAssert(f, sd.Name, plan.Size)
	return rec, nil
}

// rawStorage emits a sized, aligned, field-free representation.
func (e *emitter) rawStorage(f *jen.File, name string, size int64, align int) {
	f.Type().Id(name).Struct(
		jen.Id("_").Index(jen.Lit(0)).Add(alignCarrier(align)),
		jen.Id("raw").Index(jen.Lit(int(size))).Byte(),
	)
}

// packedBeyondGo reports whether any field sits at an offset Go's natural
// alignment rules cannot reproduce, or the total size disagrees with what
// the Go compiler would round to.
func (e *emitter) packedBeyondGo(plan *layout.Plan) bool {
	maxAlign := int64(1)
	var end int64
	for _, fl := range plan.Fields {
		_, natural, err := e.res.SizeAlign(fl.Type)
		if err != nil {
			return true
		}
		if fl.Offset%int64(natural) != 0 {
			return true
		}
		if int64(natural) > maxAlign {
			maxAlign = int64(natural)
		}
		if fl.Offset+fl.Size > end {
			end = fl.Offset + fl.Size
		}
	}
	rounded := (end + maxAlign - 1) / maxAlign * maxAlign
	if rounded == 0 {
		rounded = maxAlign
	}
	return rounded != plan.Size
}

// fieldFaithful emits a struct whose Go fields land on exactly the native
// offsets, with explicit padding and an offset assertion per field.
func (e *emitter) fieldFaithful(f *jen.File, name string, plan *layout.Plan) error {
	var fields []jen.Code
	var asserts []jen.Code
	var cur int64
	bitUnit := int64(-1)
	bitIdx := 0

	for _, fl := range plan.Fields {
		if fl.Bits > 0 {
			// One storage field per bit-field unit.
			if fl.Offset == bitUnit {
				continue
			}
			bitUnit = fl.Offset
			if fl.Offset > cur {
				fields = append(fields, jen.Id("_").Index(jen.Lit(int(fl.Offset-cur))).Byte())
			}
			fieldName := fmt.Sprintf("Bitfield%d", bitIdx)
			bitIdx++
			ty, err := unsignedOfSize(fl.Size)
			if err != nil {
				return fmt.Errorf("struct %s bit-field unit: %w", name, err)
			}
			fields = append(fields, jen.Id(fieldName).Add(ty))
			asserts = append(asserts, offsetAssert(name, fieldName, fl.Offset)...)
			cur = fl.Offset + fl.Size
			continue
		}
		bitUnit = -1

		if fl.Offset > cur {
			fields = append(fields, jen.Id("_").Index(jen.Lit(int(fl.Offset-cur))).Byte())
		}
		ty, err := e.goType(fl.Type)
		if err != nil {
			return fmt.Errorf("struct %s field %s: %w", name, fl.Name, err)
		}
		fields = append(fields, jen.Id(fl.Name).Add(ty))
		asserts = append(asserts, offsetAssert(name, fl.Name, fl.Offset)...)
		cur = fl.Offset + fl.Size
	}
	if plan.Size > cur {
		fields = append(fields, jen.Id("_").Index(jen.Lit(int(plan.Size-cur))).Byte())
	}

	f.Type().Id(name).Struct(fields...)
	for _, a := range asserts {
		f.Add(a)
	}
	return nil
}

// sizeAssert pins sizeof(emitted) == sizeof(native) at compile time: a
// negative array length in either direction fails the build.
func (e *emitter) sizeAssert(f *jen.File, name string, size int64) {
	probe := probeVar(name)
	f.Var().Id(probe).Id(name)
	f.Var().Id("_").Index(jen.Qual("unsafe", "Sizeof").Call(jen.Id(probe)).Op("-").Lit(int(size))).Byte()
	f.Var().Id("_").Index(jen.Lit(int(size)).Op("-").Qual("unsafe", "Sizeof").Call(jen.Id(probe))).Byte()
}

func offsetAssert(structName, fieldName string, offset int64) []jen.Code {
	probe := probeVar(structName)
	sel := jen.Qual("unsafe", "Offsetof").Call(jen.Id(probe).Dot(fieldName))
	return []jen.Code{
		jen.Var().Id("_").Index(sel.Clone().Op("-").Lit(int(offset))).Byte(),
		jen.Var().Id("_").Index(jen.Lit(int(offset)).Op("-").Add(sel.Clone())).Byte(),
	}
}

func probeVar(name string) string {
	return "_layout_" + name
}

func unsignedOfSize(size int64) (*jen.Statement, error) {
	switch size {
	case 1:
		return jen.Uint8(), nil
	case 2:
		return jen.Uint16(), nil
	case 4:
		return jen.Uint32(), nil
	case 8:
		return jen.Uint64(), nil
	}
	return nil, fmt.Errorf("no unsigned carrier of size %d", size)
}
