package codegen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dave/jennifer/jen"

	"github.com/NZXTCorp/km-wrappers/pkg/ast"
)

// render writes every selected declaration into the file in a fixed order:
// scaffolding, constants, enums, typedefs, structs, functions, each block
// sorted by name so re-runs are byte-identical.
func (e *emitter) render(f *jen.File) ([]EmittedDecl, error) {
	var emitted []EmittedDecl

	funcNames := selectedNames(e.funcs, e.selected, "name ")
	constNames := selectedNames(e.consts, e.selected, "name ")
	enumNames := selectedNames(e.enums, e.selected, "tag ")
	typedefNames := selectedNames(e.typedefs, e.selected, "name ")
	var structNames []string
	for n, sd := range e.structs {
		if !sd.Incomplete && e.selected["tag "+n] {
			structNames = append(structNames, n)
		}
	}
	sort.Strings(structNames)

	if len(funcNames) > 0 {
		e.renderScaffold(f)
	}

	if len(constNames) > 0 {
		defs := make([]jen.Code, 0, len(constNames))
		for _, name := range constNames {
			c := e.consts[name]
			defs = append(defs, jen.Id(name).Op("=").Id(formatConst(c.Value)))
			emitted = append(emitted, EmittedDecl{Name: name, Kind: "const", Header: c.Header()})
		}
		f.Const().Defs(defs...)
	}

	for _, name := range enumNames {
		rec, err := e.renderEnum(f, e.enums[name])
		if err != nil {
			return nil, err
		}
		emitted = append(emitted, rec)
	}

	for _, name := range typedefNames {
		rec, err := e.renderTypedef(f, e.typedefs[name])
		if err != nil {
			return nil, err
		}
		emitted = append(emitted, rec)
	}

	for _, name := range structNames {
		rec, err := e.renderStruct(f, e.structs[name])
		if err != nil {
			return nil, err
		}
		emitted = append(emitted, rec)
	}

	if len(funcNames) > 0 {
		recs, err := e.renderFuncs(f, funcNames)
		if err != nil {
			return nil, err
		}
		emitted = append(emitted, recs...)
	}

	sort.Slice(emitted, func(i, j int) bool {
		if emitted[i].Kind != emitted[j].Kind {
			return emitted[i].Kind < emitted[j].Kind
		}
		return emitted[i].Name < emitted[j].Name
	})
	return emitted, nil
}

func selectedNames[T any](decls map[string]T, selected map[string]bool, prefix string) []string {
	var names []string
	for n := range decls {
		if selected[prefix+n] {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// renderScaffold emits the fixed support declarations the extern function
// table needs: the convention tag type and the registration record.
func (e *emitter) renderScaffold(f *jen.File) {
	f.Comment("CallingConvention tags how an extern function expects its arguments")
	f.Comment("passed and its stack cleaned up. Tags come straight from the native")
	f.Comment("declarations and must never be remapped.")
	f.Type().Id("CallingConvention").String()

	f.Const().Defs(
		jen.Id("CallStdcall").Id("CallingConvention").Op("=").Lit("stdcall"),
		jen.Id("CallCdecl").Id("CallingConvention").Op("=").Lit("cdecl"),
		jen.Id("CallFastcall").Id("CallingConvention").Op("=").Lit("fastcall"),
	)

	f.Comment("ExternFunc describes one native entry point. The loader resolves Fn")
	f.Comment("(a pointer to the package-level function variable) before first use.")
	f.Type().Id("ExternFunc").Struct(
		jen.Id("Name").String(),
		jen.Id("Convention").Id("CallingConvention"),
		jen.Id("Fn").Any(),
	)
}

func (e *emitter) renderEnum(f *jen.File, ed *ast.EnumDecl) (EmittedDecl, error) {
	rec := EmittedDecl{Name: ed.Name, Kind: "enum", Header: ed.Header(), Size: 4, Align: 4}

	style := "newtype"
	switch {
	case e.cp.bitfield[ed.Name]:
		style = "bitfield"
	case e.cp.constified[ed.Name]:
		style = "constified"
	}

	if style == "constified" {
		f.Commentf("%s: constified enum.", ed.Name)
		f.Type().Id(ed.Name).Op("=").Int32()
		defs := make([]jen.Code, 0, len(ed.Members))
		for _, m := range ed.Members {
			defs = append(defs, jen.Id(m.Name).Op("=").Id(formatConst(m.Value)))
		}
		f.Const().Defs(defs...)
		return rec, nil
	}

	if style == "bitfield" {
		f.Commentf("%s: bit flags, values combine with |.", ed.Name)
	}
	f.Type().Id(ed.Name).Int32()
	defs := make([]jen.Code, 0, len(ed.Members))
	for _, m := range ed.Members {
		defs = append(defs, jen.Id(m.Name).Id(ed.Name).Op("=").Id(formatConst(m.Value)))
	}
	f.Const().Defs(defs...)
	return rec, nil
}

func (e *emitter) renderTypedef(f *jen.File, td *ast.TypedefDecl) (EmittedDecl, error) {
	rec := EmittedDecl{Name: td.Name, Kind: "typedef", Header: td.Header()}

	// Opaque kernel handle: pointer to a struct that never gets a layout.
	// A distinct uintptr type preserves identity, permits pass-through,
	// and makes field access structurally impossible.
	if ptr, ok := td.Type.(ast.Pointer); ok && e.pointsToIncomplete(ptr.To) {
		rec.Kind = "handle"
		rec.Size = int64(e.ptrSize)
		rec.Align = e.ptrSize
		f.Commentf("%s is an opaque kernel handle. The framework owns its contents;", td.Name)
		f.Comment("only identity and pass-through-by-pointer semantics are exposed.")
		f.Type().Id(td.Name).Uintptr()
		return rec, nil
	}

	if fp, ok := td.Type.(ast.FuncPtr); ok {
		rec.Kind = "funcptr"
		rec.Convention = fp.Sig.Conv.String()
		rec.Size = int64(e.ptrSize)
		rec.Align = e.ptrSize
		f.Commentf("%s: %s.", td.Name, fp.Sig)
		f.Type().Id(td.Name).Uintptr()
		return rec, nil
	}

	goTy, err := e.goType(td.Type)
	if err != nil {
		return rec, fmt.Errorf("typedef %s: %w", td.Name, err)
	}
	if size, align, err := e.res.SizeAlign(td.Type); err == nil {
		rec.Size, rec.Align = size, align
	}
	f.Type().Id(td.Name).Op("=").Add(goTy)
	return rec, nil
}

func (e *emitter) renderFuncs(f *jen.File, names []string) ([]EmittedDecl, error) {
	var emitted []EmittedDecl
	var table []jen.Code

	for _, name := range names {
		fd := e.funcs[name]
		sig := fd.Sig

		params := make([]jen.Code, 0, len(sig.Params))
		for i, p := range sig.Params {
			ty, err := e.goType(p.Type)
			if err != nil {
				return nil, fmt.Errorf("function %s: %w", name, err)
			}
			params = append(params, jen.Id(paramName(p.Name, i)).Add(ty))
		}
		if sig.Variadic {
			params = append(params, jen.Id("args").Op("...").Uintptr())
		}

		decl := jen.Var().Id(name).Func().Params(params...)
		if !isVoid(sig.Ret) {
			ret, err := e.goType(sig.Ret)
			if err != nil {
				return nil, fmt.Errorf("function %s return: %w", name, err)
			}
			decl.Add(ret)
		}
		f.Commentf("%s is %s; the driver loader resolves it before first use.", name, sig.Conv)
		if opt := optionalParams(sig); opt != "" {
			f.Commentf("Nullable arguments: %s.", opt)
		}
		f.Add(decl)

		table = append(table, jen.Values(jen.Dict{
			jen.Id("Name"):       jen.Lit(name),
			jen.Id("Convention"): jen.Id(convConst(sig.Conv)),
			jen.Id("Fn"):         jen.Op("&").Id(name),
		}))
		emitted = append(emitted, EmittedDecl{
			Name: name, Kind: "function", Header: fd.Header(),
			Convention: sig.Conv.String(),
		})
	}

	f.Comment("ExternFuncs is the loader's registration table, in emission order.")
	f.Var().Id("ExternFuncs").Op("=").Index().Id("ExternFunc").Values(table...)
	return emitted, nil
}

// optionalParams lists the parameters whose native declaration marked them
// nullable, for the generated function's documentation.
func optionalParams(sig *ast.Signature) string {
	var names []string
	for i, p := range sig.Params {
		if p.Optional {
			names = append(names, paramName(p.Name, i))
		}
	}
	return strings.Join(names, ", ")
}

func convConst(c ast.CallConv) string {
	switch c {
	case ast.Cdecl:
		return "CallCdecl"
	case ast.Fastcall:
		return "CallFastcall"
	default:
		return "CallStdcall"
	}
}
