package parser

import (
	"fmt"
	"strings"

	"github.com/NZXTCorp/km-wrappers/pkg/ast"
	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

// conv keywords as they survive macro expansion (NTAPI and WDFAPI expand
// to __stdcall in the headers).
var convKeywords = map[string]ast.CallConv{
	"__stdcall":  ast.Stdcall,
	"__cdecl":    ast.Cdecl,
	"__fastcall": ast.Fastcall,
}

// declSpec parses the declaration-specifier part of a declaration: type
// qualifiers plus one base type, which may be a primitive combination, a
// typedef name, or a struct/union/enum (with optional inline definition).
func (p *parser) declSpec() (ast.TypeDesc, error) {
	for p.skipIgnorableSpecifier() {
	}

	switch {
	case p.peek().IsIdent("struct") || p.peek().IsIdent("union"):
		return p.structOrUnion("")
	case p.peek().IsIdent("enum"):
		return p.enumSpec()
	}

	if prim, ok, err := p.primitiveSpec(); err != nil {
		return nil, err
	} else if ok {
		return prim, nil
	}

	t := p.peek()
	if t.Kind == token.Ident && p.typedefs[t.Text] {
		p.pos++
		p.skipQualifiers()
		return ast.Named{Name: t.Text}, nil
	}
	return nil, p.errExpected("type name")
}

// skipIgnorableSpecifier consumes storage classes, qualifiers, inline
// markers, and SAL annotations that do not affect the binding.
func (p *parser) skipIgnorableSpecifier() bool {
	t := p.peek()
	if t.Kind != token.Ident {
		return false
	}
	switch t.Text {
	case "const", "volatile", "extern", "static", "inline", "__inline",
		"__forceinline", "register":
		p.pos++
		return true
	case "__declspec":
		p.pos++
		if p.accept("(") {
			p.skipBalancedParens()
		}
		return true
	}
	if isSALAnnotation(t.Text) {
		p.pos++
		if p.accept("(") {
			p.skipBalancedParens()
		}
		return true
	}
	return false
}

func (p *parser) skipQualifiers() {
	for p.peek().IsIdent("const") || p.peek().IsIdent("volatile") {
		p.pos++
	}
}

// skipBalancedParens is entered just past an opening paren.
func (p *parser) skipBalancedParens() {
	depth := 1
	for depth > 0 {
		t := p.next()
		switch {
		case t.Kind == token.EOF:
			return
		case t.Is("("):
			depth++
		case t.Is(")"):
			depth--
		}
	}
}

// isSALAnnotation recognizes the source-annotation identifiers that leak
// through when the SAL macros are not defined away.
func isSALAnnotation(name string) bool {
	for _, prefix := range []string{"_In_", "_Out_", "_Inout_", "_Ret_",
		"_Field_", "_Reserved_", "_Must_inspect_result_", "_IRQL_"} {
		if name == strings.TrimSuffix(prefix, "_") || strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return name == "_In_opt_" || name == "OPTIONAL"
}

// salOptional reports whether a parameter annotation marks the argument
// nullable.
func salOptional(name string) bool {
	return strings.Contains(name, "_opt_") || name == "OPTIONAL"
}

// primitiveSpec parses multi-word primitive types ('unsigned long long',
// 'signed char', ...). Returns ok=false without consuming anything when
// the next token does not start a primitive.
func (p *parser) primitiveSpec() (ast.TypeDesc, bool, error) {
	start := p.pos
	var words []string
	for {
		t := p.peek()
		if t.Kind != token.Ident {
			break
		}
		switch t.Text {
		case "void", "char", "short", "int", "long", "float", "double",
			"signed", "unsigned", "__int64", "_Bool":
			words = append(words, t.Text)
			p.pos++
			continue
		}
		break
	}
	if len(words) == 0 {
		return nil, false, nil
	}
	kind, ok := primFromWords(words)
	if !ok {
		p.pos = start
		return nil, false, &ParseError{
			Pos:      p.peek().Pos,
			Expected: "primitive type",
			Found:    strings.Join(words, " "),
		}
	}
	p.skipQualifiers()
	return ast.Primitive{Kind: kind}, true, nil
}

func primFromWords(words []string) (ast.PrimKind, bool) {
	unsigned := false
	signed := false
	var core []string
	for _, w := range words {
		switch w {
		case "unsigned":
			unsigned = true
		case "signed":
			signed = true
		case "__int64":
			core = append(core, "long", "long")
		case "_Bool":
			core = append(core, "bool")
		default:
			core = append(core, w)
		}
	}
	key := strings.Join(core, " ")
	switch key {
	case "void":
		return ast.Void, !unsigned && !signed
	case "bool":
		return ast.Bool, true
	case "char":
		if unsigned {
			return ast.UChar, true
		}
		if signed {
			return ast.SChar, true
		}
		return ast.Char, true
	case "short", "short int":
		if unsigned {
			return ast.UShort, true
		}
		return ast.Short, true
	case "", "int":
		if unsigned {
			return ast.UInt, true
		}
		return ast.Int, true
	case "long", "long int":
		if unsigned {
			return ast.ULong, true
		}
		return ast.Long, true
	case "long long", "long long int":
		if unsigned {
			return ast.ULongLong, true
		}
		return ast.LongLong, true
	case "float":
		return ast.Float, !unsigned && !signed
	case "double", "long double":
		return ast.Double, !unsigned && !signed
	}
	return 0, false
}

// declarator parses one declarator against a base type, returning the
// declared name (empty for abstract declarators), its position, the full
// type, and any calling-convention keyword seen. Pointer, array, grouping,
// and parameter-list forms compose per C precedence.
func (p *parser) declarator(base ast.TypeDesc) (string, ast.TypeDesc, *ast.CallConv, error) {
	typ := base
	var conv *ast.CallConv

	// Pointer prefix, possibly interleaved with qualifiers and a calling
	// convention for function pointers.
	for {
		t := p.peek()
		if t.Is("*") {
			p.pos++
			ptr := ast.Pointer{To: typ}
			for {
				if p.acceptIdent("const") {
					ptr.Const = true
					continue
				}
				if p.peek().IsIdent("volatile") {
					p.pos++
					continue
				}
				break
			}
			typ = ptr
			continue
		}
		if t.Kind == token.Ident {
			if c, ok := convKeywords[t.Text]; ok {
				p.pos++
				conv = &c
				continue
			}
			if t.Text == "const" || t.Text == "volatile" {
				p.pos++
				continue
			}
		}
		break
	}

	var name string
	var inner func(ast.TypeDesc) (string, ast.TypeDesc, *ast.CallConv, error)

	switch {
	case p.peek().Is("(") && p.startsGroupedDeclarator():
		p.pos++
		save := p.pos
		// Parse the grouped declarator lazily: remember where it starts,
		// skip it, parse suffixes, then come back.
		p.skipGroupedDeclarator()
		end := p.pos
		if err := p.expectAt(end-1, ")"); err != nil {
			return "", nil, nil, err
		}
		inner = func(outer ast.TypeDesc) (string, ast.TypeDesc, *ast.CallConv, error) {
			sub := &parser{
				toks:     p.toks[save : end-1],
				typedefs: p.typedefs,
				enums:    p.enums,
				byName:   p.byName,
				anonSeq:  p.anonSeq,
			}
			n, t, c, err := sub.declarator(outer)
			p.decls = append(p.decls, sub.decls...)
			return n, t, c, err
		}
	case p.peek().Kind == token.Ident && !isReservedWord(p.peek().Text):
		name = p.next().Text
	}

	// Suffixes bind tighter than the pointer prefix.
	typ, sufConv, err := p.declaratorSuffixes(typ, conv)
	if err != nil {
		return "", nil, nil, err
	}
	if sufConv != nil {
		conv = sufConv
	}

	if inner != nil {
		n, t, c, err := inner(typ)
		if err != nil {
			return "", nil, nil, err
		}
		name = n
		typ = t
		if c != nil {
			conv = c
		}
	}
	return name, typ, conv, nil
}

// foldFuncPointers rewrites a declarator result whose core is a function
// type into FuncPtr, applying any calling-convention keyword the declarator
// carried. Covers both the bare callback-typedef form and the grouped
// '(conv *name)(params)' form, which parses as pointer-to-function.
func foldFuncPointers(typ ast.TypeDesc, conv *ast.CallConv) ast.TypeDesc {
	switch t := typ.(type) {
	case ast.FuncType:
		if conv != nil {
			t.Sig.Conv = *conv
		}
		return ast.FuncPtr{Sig: t.Sig}
	case ast.Pointer:
		if ft, ok := t.To.(ast.FuncType); ok {
			if conv != nil {
				ft.Sig.Conv = *conv
			}
			return ast.FuncPtr{Sig: ft.Sig}
		}
	}
	return typ
}

// startsGroupedDeclarator distinguishes '(*name)' grouping from a
// parameter list, which begins a function suffix instead.
func (p *parser) startsGroupedDeclarator() bool {
	t := p.peekAt(1)
	if t.Is("*") {
		return true
	}
	if t.Kind == token.Ident {
		if _, ok := convKeywords[t.Text]; ok {
			return true
		}
	}
	return false
}

func (p *parser) skipGroupedDeclarator() {
	depth := 1
	for depth > 0 && p.peek().Kind != token.EOF {
		t := p.next()
		if t.Is("(") {
			depth++
		} else if t.Is(")") {
			depth--
		}
	}
}

func (p *parser) expectAt(idx int, punct string) error {
	if idx < len(p.toks) && p.toks[idx].Is(punct) {
		return nil
	}
	return p.errExpected(fmt.Sprintf("%q", punct))
}

// declaratorSuffixes applies array and parameter-list suffixes.
func (p *parser) declaratorSuffixes(typ ast.TypeDesc, conv *ast.CallConv) (ast.TypeDesc, *ast.CallConv, error) {
	// Arrays collect dimensions outside-in.
	var dims []int64
	for p.accept("[") {
		if p.accept("]") {
			// Unsized trailing array: treated as length 1, the usual
			// variable-length trailer convention in the NT headers.
			dims = append(dims, 1)
			continue
		}
		n, err := p.constExpr()
		if err != nil {
			return nil, nil, err
		}
		if err := p.expect("]"); err != nil {
			return nil, nil, err
		}
		dims = append(dims, n)
	}
	for i := len(dims) - 1; i >= 0; i-- {
		typ = ast.Array{Elem: typ, Len: dims[i]}
	}
	if len(dims) > 0 {
		return typ, conv, nil
	}

	if p.peek().Is("(") && !p.startsGroupedDeclarator() {
		p.pos++
		params, variadic, err := p.paramList()
		if err != nil {
			return nil, nil, err
		}
		sig := &ast.Signature{Ret: typ, Params: params, Variadic: variadic, Conv: ast.Cdecl}
		if conv != nil {
			sig.Conv = *conv
		}
		return ast.FuncType{Sig: sig}, conv, nil
	}
	return typ, conv, nil
}

// paramList is entered just past '('.
func (p *parser) paramList() ([]ast.Param, bool, error) {
	if p.accept(")") {
		return nil, false, nil
	}
	// '(void)' means no parameters.
	if p.peek().IsIdent("void") && p.peekAt(1).Is(")") {
		p.pos += 2
		return nil, false, nil
	}

	var params []ast.Param
	variadic := false
	for {
		if p.accept("...") {
			variadic = true
			break
		}
		optional := false
		for p.peek().Kind == token.Ident && isSALAnnotation(p.peek().Text) {
			if salOptional(p.peek().Text) {
				optional = true
			}
			p.pos++
			if p.accept("(") {
				p.skipBalancedParens()
			}
		}
		base, err := p.declSpec()
		if err != nil {
			return nil, false, err
		}
		name, typ, conv, err := p.declarator(base)
		if err != nil {
			return nil, false, err
		}
		typ = foldFuncPointers(typ, conv)
		// Parameter type adjustment: array of T decays to pointer to T.
		if arr, ok := typ.(ast.Array); ok {
			typ = ast.Pointer{To: arr.Elem}
		}
		// A trailing OPTIONAL annotation also marks nullability.
		if p.peek().IsIdent("OPTIONAL") {
			p.pos++
			optional = true
		}
		if ptr, ok := typ.(ast.Pointer); ok && optional {
			ptr.Optional = true
			typ = ptr
		}
		params = append(params, ast.Param{Name: name, Type: typ, Optional: optional})
		if !p.accept(",") {
			break
		}
	}
	return params, variadic, p.expect(")")
}

func isReservedWord(s string) bool {
	switch s {
	case "struct", "union", "enum", "typedef", "const", "volatile",
		"void", "char", "short", "int", "long", "float", "double",
		"signed", "unsigned", "extern", "static", "inline":
		return true
	}
	_, isConv := convKeywords[s]
	return isConv
}

// structOrUnion parses 'struct|union [tag] [{ fields }]'. enclosing names
// the surrounding declaration when this is an anonymous nested definition.
func (p *parser) structOrUnion(enclosing string) (ast.TypeDesc, error) {
	kw := p.next() // struct | union
	isUnion := kw.Text == "union"

	tag := ""
	if t := p.peek(); t.Kind == token.Ident && !t.Is("{") {
		tag = t.Text
		p.pos++
	}

	if !p.peek().Is("{") {
		if tag == "" {
			return nil, p.errExpected("struct tag or body")
		}
		// Reference or forward declaration.
		if _, seen := p.byName["tag "+tag]; !seen {
			fwd := &ast.StructDecl{
				Base:       ast.Base{Name: tag, Pos: kw.Pos},
				IsUnion:    isUnion,
				Incomplete: true,
			}
			if err := p.register(fwd); err != nil {
				return nil, err
			}
		}
		return ast.Named{Name: tag}, nil
	}

	if tag == "" {
		if enclosing == "" {
			enclosing = "toplevel"
		}
		tag = syntheticName(enclosing, p.anonSeq, isUnion)
	}

	p.pos++ // '{'
	fields, err := p.fieldList(tag)
	if err != nil {
		return nil, err
	}
	sd := &ast.StructDecl{
		Base:    ast.Base{Name: tag, Pos: kw.Pos},
		Fields:  fields,
		IsUnion: isUnion,
		Pack:    p.pack,
	}
	if err := p.register(sd); err != nil {
		return nil, err
	}
	return ast.Named{Name: tag}, nil
}

// syntheticName derives a stable name for an anonymous nested definition
// from its enclosing declaration and ordinal position, so re-runs emit
// byte-identical output.
func syntheticName(enclosing string, seq map[string]int, isUnion bool) string {
	kind := "struct"
	if isUnion {
		kind = "union"
	}
	n := seq[enclosing]
	seq[enclosing] = n + 1
	return fmt.Sprintf("%s__anon_%s_%d", enclosing, kind, n)
}

// fieldList is entered just past '{' of a struct or union body.
func (p *parser) fieldList(enclosing string) ([]ast.Field, error) {
	var fields []ast.Field
	anonFields := 0
	for !p.accept("}") {
		if p.peek().Kind == token.EOF {
			return nil, p.errExpected("'}'")
		}
		if p.peek().Kind == token.Hash {
			if err := p.pragmaPack(); err != nil {
				return nil, err
			}
			continue
		}
		for p.skipIgnorableSpecifier() {
		}

		var base ast.TypeDesc
		var err error
		if p.peek().IsIdent("struct") || p.peek().IsIdent("union") {
			base, err = p.structOrUnion(enclosing)
		} else if p.peek().IsIdent("enum") {
			base, err = p.enumSpec()
		} else {
			base, err = p.declSpec()
		}
		if err != nil {
			return nil, err
		}

		if p.accept(";") {
			// Anonymous member: C11 anonymous struct/union. Keep a
			// deterministic synthetic field name.
			fields = append(fields, ast.Field{
				Name: fmt.Sprintf("anon%d", anonFields),
				Type: base,
				Pos:  p.prevPos(),
			})
			anonFields++
			continue
		}

		for {
			name, typ, conv, err := p.declarator(base)
			if err != nil {
				return nil, err
			}
			typ = foldFuncPointers(typ, conv)
			if name == "" {
				return nil, p.errExpected("field name")
			}
			if p.accept(":") {
				// Bit-fields collapse to their declared base type width;
				// the resolver checks the packed run fits.
				width, err := p.constExpr()
				if err != nil {
					return nil, err
				}
				typ = ast.Bitfield{Base: typ, Bits: int(width)}
			}
			fields = append(fields, ast.Field{Name: name, Type: typ, Pos: p.prevPos()})
			if !p.accept(",") {
				break
			}
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

// enumSpec parses 'enum [tag] [{ members }]'.
func (p *parser) enumSpec() (ast.TypeDesc, error) {
	kw := p.next() // 'enum'
	tag := ""
	if t := p.peek(); t.Kind == token.Ident {
		tag = t.Text
		p.pos++
	}
	if !p.peek().Is("{") {
		if tag == "" {
			return nil, p.errExpected("enum tag or body")
		}
		return ast.Named{Name: tag}, nil
	}
	if tag == "" {
		tag = syntheticName("enum", p.anonSeq, false)
	}
	p.pos++

	var members []ast.EnumMember
	next := int64(0)
	for !p.accept("}") {
		t := p.peek()
		if t.Kind != token.Ident {
			return nil, p.errExpected("enumerator name")
		}
		p.pos++
		val := next
		if p.accept("=") {
			v, err := p.constExpr()
			if err != nil {
				return nil, err
			}
			val = v
		}
		members = append(members, ast.EnumMember{Name: t.Text, Value: val, Pos: t.Pos})
		p.enums[t.Text] = val
		next = val + 1
		if !p.accept(",") {
			if err := p.expect("}"); err != nil {
				return nil, err
			}
			break
		}
	}
	ed := &ast.EnumDecl{Base: ast.Base{Name: tag, Pos: kw.Pos}, Members: members}
	if err := p.register(ed); err != nil {
		return nil, err
	}
	return ast.Named{Name: tag}, nil
}
