// Package parser turns the preprocessor's canonical token stream into the
// declaration set: structs, unions, enums, typedefs, and extern function
// signatures. A symbol-kind table built incrementally in stream order
// disambiguates typedef names from object names, matching single-pass C
// semantics.
package parser

import (
	"fmt"

	"github.com/NZXTCorp/km-wrappers/pkg/ast"
	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

// Result is the outcome of parsing one canonical stream. Decls preserves
// declaration order; Errors holds every recoverable failure.
type Result struct {
	Decls  []ast.Decl
	Errors []error
}

// Failed reports whether any error was accumulated.
func (r *Result) Failed() bool { return len(r.Errors) > 0 }

type parser struct {
	toks []token.Token
	pos  int

	// typedefs is the symbol-kind table: a name must be typedef'd before
	// it can be used as a type.
	typedefs map[string]bool

	// enums accumulates every enumerator for constant-expression
	// evaluation in later declarations.
	enums map[string]int64

	// pack is the current #pragma pack value, 0 meaning natural
	// alignment. packStack backs pack(push)/pack(pop).
	pack      int
	packStack []int

	decls   []ast.Decl
	byName  map[string]ast.Decl
	anonSeq map[string]int

	errs []error
}

// Parse consumes a canonical token stream. The stream may span multiple
// headers; each declaration keeps its originating header via its position.
func Parse(toks []token.Token) *Result {
	p := &parser{
		toks:     toks,
		typedefs: make(map[string]bool),
		enums:    make(map[string]int64),
		byName:   make(map[string]ast.Decl),
		anonSeq:  make(map[string]int),
	}
	p.run()
	return &Result{Decls: p.decls, Errors: p.errs}
}

func (p *parser) peek() token.Token {
	if p.pos >= len(p.toks) {
		return token.Token{Kind: token.EOF}
	}
	return p.toks[p.pos]
}

func (p *parser) peekAt(n int) token.Token {
	if p.pos+n >= len(p.toks) {
		return token.Token{Kind: token.EOF}
	}
	return p.toks[p.pos+n]
}

func (p *parser) next() token.Token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) accept(punct string) bool {
	if p.peek().Is(punct) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptIdent(name string) bool {
	if p.peek().IsIdent(name) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(punct string) error {
	if p.accept(punct) {
		return nil
	}
	return p.errExpected(fmt.Sprintf("%q", punct))
}

func (p *parser) errExpected(what string) error {
	t := p.peek()
	return &ParseError{Pos: t.Pos, Expected: what, Found: t.String()}
}

func (p *parser) run() {
	for p.peek().Kind != token.EOF {
		if err := p.topLevel(); err != nil {
			p.errs = append(p.errs, err)
			p.recover()
		}
	}
}

// recover skips to just past the next ';' at brace depth zero so one bad
// declaration surfaces a single error.
func (p *parser) recover() {
	depth := 0
	for {
		t := p.next()
		switch {
		case t.Kind == token.EOF:
			return
		case t.Is("{"):
			depth++
		case t.Is("}"):
			if depth > 0 {
				depth--
			}
		case t.Is(";") && depth == 0:
			return
		}
	}
}

func (p *parser) topLevel() error {
	switch {
	case p.accept(";"):
		return nil
	case p.peek().Kind == token.Hash:
		return p.pragmaPack()
	case p.peek().IsIdent("typedef"):
		return p.typedef()
	default:
		return p.declaration()
	}
}

// pragmaPack interprets the pack directives the preprocessor passed
// through. The pack value in force applies to every struct definition that
// lexically follows, until reset.
func (p *parser) pragmaPack() error {
	pos := p.next().Pos // '#'
	if !p.acceptIdent("pragma") || !p.acceptIdent("pack") {
		return &ParseError{Pos: pos, Expected: "pragma pack", Found: p.peek().String()}
	}
	if err := p.expect("("); err != nil {
		return err
	}
	switch {
	case p.accept(")"):
		p.pack = 0 // reset to natural alignment
		return nil
	case p.acceptIdent("push"):
		p.packStack = append(p.packStack, p.pack)
		if p.accept(",") {
			n, err := p.packValue()
			if err != nil {
				return err
			}
			p.pack = n
		}
		return p.expect(")")
	case p.acceptIdent("pop"):
		if n := len(p.packStack); n > 0 {
			p.pack = p.packStack[n-1]
			p.packStack = p.packStack[:n-1]
		} else {
			p.pack = 0
		}
		return p.expect(")")
	default:
		n, err := p.packValue()
		if err != nil {
			return err
		}
		p.pack = n
		return p.expect(")")
	}
}

func (p *parser) packValue() (int, error) {
	t := p.peek()
	if t.Kind != token.Number {
		return 0, p.errExpected("pack alignment value")
	}
	p.pos++
	v, err := parseInt(t.Text)
	if err != nil {
		return 0, &ParseError{Pos: t.Pos, Expected: "integer pack value", Found: t.Text}
	}
	switch v {
	case 1, 2, 4, 8, 16:
		return int(v), nil
	}
	return 0, &ParseError{Pos: t.Pos, Expected: "pack value of 1, 2, 4, 8, or 16",
		Found: t.Text}
}

// typedef handles 'typedef <decl-spec> <declarator-list> ;'.
func (p *parser) typedef() error {
	p.next() // 'typedef'
	base, err := p.declSpec()
	if err != nil {
		return err
	}
	for {
		name, typ, conv, err := p.declarator(base)
		if err != nil {
			return err
		}
		if name == "" {
			return p.errExpected("typedef name")
		}
		// A typedef of a bare function type aliases its pointer form in
		// this surface (callback typedefs are always used via pointers).
		typ = foldFuncPointers(typ, conv)
		td := &ast.TypedefDecl{Base: ast.Base{Name: name, Pos: p.prevPos()}, Type: typ}
		if err := p.register(td); err != nil {
			return err
		}
		p.typedefs[name] = true
		if !p.accept(",") {
			break
		}
	}
	return p.expect(";")
}

// declaration handles struct/union/enum definitions and extern function
// declarations. Object declarations and inline function bodies are
// consumed but produce no bindings.
func (p *parser) declaration() error {
	base, err := p.declSpec()
	if err != nil {
		return err
	}
	if p.accept(";") {
		// 'struct X {...};' or 'enum E {...};' with no declarators.
		return nil
	}
	for {
		name, typ, conv, err := p.declarator(base)
		if err != nil {
			return err
		}
		if ft, ok := typ.(ast.FuncType); ok {
			if conv != nil {
				ft.Sig.Conv = *conv
			}
			// Inline helper bodies are skipped, not bound.
			if p.peek().Is("{") {
				p.skipBalancedBraces()
				return nil
			}
			if name != "" {
				fd := &ast.FuncDecl{Base: ast.Base{Name: name, Pos: p.prevPos()}, Sig: ft.Sig}
				if err := p.register(fd); err != nil {
					return err
				}
			}
		}
		if !p.accept(",") {
			break
		}
	}
	return p.expect(";")
}

func (p *parser) skipBalancedBraces() {
	depth := 0
	for {
		t := p.next()
		switch {
		case t.Kind == token.EOF:
			return
		case t.Is("{"):
			depth++
		case t.Is("}"):
			depth--
			if depth == 0 {
				return
			}
		}
	}
}

func (p *parser) prevPos() token.Pos {
	if p.pos > 0 {
		return p.toks[p.pos-1].Pos
	}
	return p.peek().Pos
}

// register adds a declaration, enforcing per-kind name uniqueness. An
// incomplete struct may be completed later; everything else conflicts.
func (p *parser) register(d ast.Decl) error {
	key := declKey(d)
	prev, ok := p.byName[key]
	if !ok {
		p.byName[key] = d
		p.decls = append(p.decls, d)
		return nil
	}

	prevStruct, prevIsStruct := prev.(*ast.StructDecl)
	newStruct, newIsStruct := d.(*ast.StructDecl)
	if prevIsStruct && newIsStruct {
		if prevStruct.Incomplete && !newStruct.Incomplete {
			// Forward declaration completed: replace in place so
			// declaration order stays stable.
			*prevStruct = *newStruct
			return nil
		}
		if newStruct.Incomplete {
			return nil // redundant forward declaration
		}
	}
	if sameDecl(prev, d) {
		return nil
	}
	return &RedefinitionError{Name: d.DeclName(), Pos: d.DeclPos(), Previous: prev.DeclPos()}
}

func declKey(d ast.Decl) string {
	switch d.(type) {
	case *ast.StructDecl:
		return "tag " + d.DeclName()
	case *ast.EnumDecl:
		return "tag " + d.DeclName()
	default:
		return "name " + d.DeclName()
	}
}

// sameDecl reports whether two declarations are textually equivalent,
// which C tolerates for repeated identical typedefs.
func sameDecl(a, b ast.Decl) bool {
	ta, ok1 := a.(*ast.TypedefDecl)
	tb, ok2 := b.(*ast.TypedefDecl)
	if ok1 && ok2 {
		return ta.Type.String() == tb.Type.String()
	}
	return false
}
