// Package preprocessor resolves macros, include directives, and
// architecture/version conditionals, producing one canonical token stream
// per run. Conditional evaluation works on a parsed expression tree rather
// than text substitution so each branch decision is recorded and auditable.
package preprocessor

import (
	"fmt"
	"sort"

	"github.com/tliron/commonlog"

	"github.com/NZXTCorp/km-wrappers/pkg/lexer"
	"github.com/NZXTCorp/km-wrappers/pkg/target"
	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

var log = commonlog.GetLogger("km-bindgen.preprocessor")

const maxIncludeDepth = 64

// Options tunes preprocessing behavior.
type Options struct {
	// StrictMacros upgrades "unknown macro in conditional" from a warning
	// to a fatal error. The permissive default mirrors native preprocessing
	// semantics: unknown names evaluate to 0.
	StrictMacros bool

	// MinimumOSFloor is the oldest kernel ABI revision the header set
	// guarantees. A profile with an older floor is rejected before any
	// header is read.
	MinimumOSFloor target.OSVersion

	// Defines are object-like macro overrides from the run configuration,
	// applied after the profile's builtin macros.
	Defines map[string]string
}

// Branch records one resolved conditional region for the audit manifest.
type Branch struct {
	Pos       token.Pos
	Condition string
	Taken     bool
}

// Constant is a numeric object-like macro exported for binding as a
// constant declaration (bindgen's allowlist_var surface).
type Constant struct {
	Name  string
	Value int64
	Pos   token.Pos
}

// Result is the canonical output of one preprocessing run.
type Result struct {
	// Tokens is the directive-free token stream, except #pragma pack
	// directives which pass through for the parser's layout state.
	Tokens []token.Token

	Constants []Constant
	Branches  []Branch
	Warnings  []string

	// Headers lists every processed header in first-inclusion order.
	Headers []string
}

// Preprocessor holds the macro table and conditional state for one run.
// Not safe for concurrent use; create one per run.
type Preprocessor struct {
	profile target.Profile
	inc     Includer
	opts    Options

	macros  map[string]*macro
	once    map[string]bool
	seen    map[string]bool
	warned  map[string]bool
	out     []token.Token
	res     *Result
	depth   int
	defined []string // macro definition order, for deterministic constants
}

// New builds a preprocessor seeded with the profile's builtin macros and
// the configuration's overrides.
func New(profile target.Profile, inc Includer, opts Options) *Preprocessor {
	pp := &Preprocessor{
		profile: profile,
		inc:     inc,
		opts:    opts,
		macros:  make(map[string]*macro),
		once:    make(map[string]bool),
		seen:    make(map[string]bool),
		warned:  make(map[string]bool),
	}
	// Definition order feeds constant export, so keep it deterministic.
	builtins := profile.BuiltinMacros()
	for _, name := range sortedKeys(builtins) {
		pp.defineObject(name, builtins[name])
	}
	for _, name := range sortedKeys(opts.Defines) {
		pp.defineObject(name, opts.Defines[name])
	}
	return pp
}

func (pp *Preprocessor) defineObject(name, val string) {
	pp.macros[name] = &macro{name: name, body: lexFragment(val)}
	pp.defined = append(pp.defined, name)
}

// lexFragment tokenizes builtin macro replacement text.
func lexFragment(val string) []token.Token {
	toks, _ := lexer.Lex("<builtin>", []byte(val))
	if n := len(toks); n > 0 && toks[n-1].Kind == token.EOF {
		toks = toks[:n-1]
	}
	for i := range toks {
		toks[i].AtLineStart = false
	}
	return toks
}

// Run preprocesses the configuration header and everything it includes.
// It fails with *UnsupportedProfile before reading anything if the
// profile's OS floor is below the header set's minimum.
func (pp *Preprocessor) Run(entry string) (*Result, error) {
	if pp.opts.MinimumOSFloor != 0 && pp.profile.OSFloor < pp.opts.MinimumOSFloor {
		return nil, &UnsupportedProfile{
			Requested: pp.profile.OSFloor,
			Minimum:   pp.opts.MinimumOSFloor,
		}
	}
	pp.res = &Result{}
	if err := pp.processInclude(entry, token.Pos{File: entry}); err != nil {
		return nil, err
	}
	pp.res.Tokens = pp.out
	pp.res.Constants = pp.exportConstants()
	return pp.res, nil
}

// processInclude lexes and processes one header.
func (pp *Preprocessor) processInclude(name string, at token.Pos) error {
	if pp.depth >= maxIncludeDepth {
		return &DirectiveError{Pos: at, Message: fmt.Sprintf("include depth exceeds %d, likely a cycle", maxIncludeDepth)}
	}
	path, src, err := pp.inc.Resolve(name)
	if err != nil {
		return &DirectiveError{Pos: at, Message: err.Error()}
	}
	if pp.once[path] {
		return nil
	}
	// Guard-protected headers come through here again on re-inclusion;
	// record each header once, in first-inclusion order.
	if !pp.seen[path] {
		pp.seen[path] = true
		pp.res.Headers = append(pp.res.Headers, path)
	}

	toks, lexErrs := lexer.Lex(path, src)
	if len(lexErrs) > 0 {
		return &DirectiveError{Pos: at, Message: fmt.Sprintf("lexing %s: %v", path, lexErrs[0])}
	}

	pp.depth++
	err = pp.process(toks)
	pp.depth--
	return err
}

// condState tracks one open #if/#ifdef region.
type condState struct {
	parentLive bool
	live       bool
	everTaken  bool
	sawElse    bool
}

// process walks one header's token stream, interpreting directive lines and
// macro-expanding everything else that falls in a live conditional region.
func (pp *Preprocessor) process(toks []token.Token) error {
	var conds []condState
	live := func() bool {
		for _, c := range conds {
			if !c.live || !c.parentLive {
				return false
			}
		}
		return true
	}

	i := 0
	for i < len(toks) {
		t := toks[i]
		if t.Kind == token.EOF {
			break
		}
		if t.Kind == token.Hash && t.AtLineStart {
			// Gather the rest of the directive's logical line.
			j := i + 1
			for j < len(toks) && toks[j].Kind != token.EOF && !toks[j].AtLineStart {
				j++
			}
			line := toks[i+1 : j]
			var err error
			conds, err = pp.directive(t.Pos, line, conds, live())
			if err != nil {
				return err
			}
			i = j
			continue
		}
		if live() {
			// Collect until the next directive line and expand in one batch
			// so function-like macro calls are seen whole.
			j := i
			for j < len(toks) && toks[j].Kind != token.EOF &&
				!(toks[j].Kind == token.Hash && toks[j].AtLineStart) {
				j++
			}
			pp.out = append(pp.out, pp.expand(toks[i:j], nil)...)
			i = j
			continue
		}
		i++
	}
	if len(conds) > 0 {
		return &DirectiveError{Pos: toks[len(toks)-1].Pos, Message: "unterminated conditional region"}
	}
	return nil
}

func (pp *Preprocessor) directive(pos token.Pos, line []token.Token, conds []condState, live bool) ([]condState, error) {
	if len(line) == 0 {
		return conds, nil // null directive
	}
	name := line[0].Text
	rest := line[1:]

	switch name {
	case "if":
		if !live {
			return append(conds, condState{parentLive: false}), nil
		}
		v, err := pp.evalCondition(rest, pos)
		if err != nil {
			return conds, err
		}
		pp.recordBranch(pos, rest, v != 0)
		return append(conds, condState{parentLive: true, live: v != 0, everTaken: v != 0}), nil

	case "ifdef", "ifndef":
		if !live {
			return append(conds, condState{parentLive: false}), nil
		}
		if len(rest) != 1 || rest[0].Kind != token.Ident {
			return conds, &DirectiveError{Pos: pos, Message: "#" + name + " requires a single macro name"}
		}
		_, defined := pp.macros[rest[0].Text]
		taken := defined == (name == "ifdef")
		pp.recordBranch(pos, line, taken)
		return append(conds, condState{parentLive: true, live: taken, everTaken: taken}), nil

	case "elif":
		if len(conds) == 0 {
			return conds, &DirectiveError{Pos: pos, Message: "#elif without matching #if"}
		}
		c := &conds[len(conds)-1]
		if c.sawElse {
			return conds, &DirectiveError{Pos: pos, Message: "#elif after #else"}
		}
		if !c.parentLive {
			return conds, nil
		}
		if c.everTaken {
			c.live = false
			return conds, nil
		}
		v, err := pp.evalCondition(rest, pos)
		if err != nil {
			return conds, err
		}
		pp.recordBranch(pos, rest, v != 0)
		c.live = v != 0
		c.everTaken = v != 0
		return conds, nil

	case "else":
		if len(conds) == 0 {
			return conds, &DirectiveError{Pos: pos, Message: "#else without matching #if"}
		}
		c := &conds[len(conds)-1]
		if c.sawElse {
			return conds, &DirectiveError{Pos: pos, Message: "duplicate #else"}
		}
		c.sawElse = true
		if c.parentLive {
			c.live = !c.everTaken
		}
		return conds, nil

	case "endif":
		if len(conds) == 0 {
			return conds, &DirectiveError{Pos: pos, Message: "#endif without matching #if"}
		}
		return conds[:len(conds)-1], nil
	}

	if !live {
		return conds, nil
	}

	switch name {
	case "define":
		return conds, pp.define(pos, rest)
	case "undef":
		if len(rest) != 1 || rest[0].Kind != token.Ident {
			return conds, &DirectiveError{Pos: pos, Message: "#undef requires a single macro name"}
		}
		delete(pp.macros, rest[0].Text)
		return conds, nil
	case "include":
		if len(rest) == 0 {
			return conds, &DirectiveError{Pos: pos, Message: "#include requires a header name"}
		}
		return conds, pp.processInclude(includeName(rest), pos)
	case "pragma":
		return conds, pp.pragma(pos, rest)
	case "error":
		return conds, &DirectiveError{Pos: pos, Message: "#error " + tokensText(rest)}
	case "warning":
		pp.warnf(pos, "#warning %s", tokensText(rest))
		return conds, nil
	}
	return conds, &DirectiveError{Pos: pos, Message: fmt.Sprintf("unknown directive #%s", name)}
}

func (pp *Preprocessor) define(pos token.Pos, rest []token.Token) error {
	if len(rest) == 0 || rest[0].Kind != token.Ident {
		return &DirectiveError{Pos: pos, Message: "#define requires a macro name"}
	}
	m := &macro{name: rest[0].Text, pos: pos}

	body := rest[1:]
	// A '(' immediately adjacent to the name makes it function-like.
	if len(body) > 0 && body[0].Is("(") && body[0].Pos.Col == rest[0].Pos.Col+len(rest[0].Text) {
		m.funcLke = true
		i := 1
		for i < len(body) && !body[i].Is(")") {
			if body[i].Kind == token.Ident {
				m.params = append(m.params, body[i].Text)
			} else if !body[i].Is(",") && !body[i].Is("...") {
				return &DirectiveError{Pos: body[i].Pos, Message: "malformed macro parameter list"}
			}
			i++
		}
		if i >= len(body) {
			return &DirectiveError{Pos: pos, Message: "unterminated macro parameter list"}
		}
		body = body[i+1:]
	}
	m.body = body

	if prev, ok := pp.macros[m.name]; ok && !prev.sameAs(m) {
		return &DirectiveError{Pos: pos, Message: fmt.Sprintf(
			"conflicting redefinition of macro %q (previously defined at %s)", m.name, prev.pos)}
	}
	if _, ok := pp.macros[m.name]; !ok {
		pp.defined = append(pp.defined, m.name)
	}
	pp.macros[m.name] = m
	return nil
}

// pragma handles the pragmas the pipeline cares about. pack(...) passes
// through to the parser; once suppresses reinclusion; everything else is
// ignored like a native compiler would.
func (pp *Preprocessor) pragma(pos token.Pos, rest []token.Token) error {
	if len(rest) == 0 {
		return nil
	}
	switch rest[0].Text {
	case "pack":
		pp.out = append(pp.out, token.Token{Kind: token.Hash, Text: "#", Pos: pos, AtLineStart: true})
		pp.out = append(pp.out, token.Token{Kind: token.Ident, Text: "pragma", Pos: pos})
		for _, t := range rest {
			t.AtLineStart = false
			pp.out = append(pp.out, t)
		}
	case "once":
		pp.once[pos.File] = true
	}
	return nil
}

func (pp *Preprocessor) recordBranch(pos token.Pos, cond []token.Token, taken bool) {
	b := Branch{Pos: pos, Condition: tokensText(cond), Taken: taken}
	pp.res.Branches = append(pp.res.Branches, b)
	log.Debugf("%s: conditional %q -> %v", pos, b.Condition, taken)
}

func (pp *Preprocessor) warnUnknownMacro(t token.Token) {
	if pp.warned[t.Text] {
		return
	}
	pp.warned[t.Text] = true
	pp.warnf(t.Pos, "unknown macro %q in conditional, treated as 0", t.Text)
}

func (pp *Preprocessor) warnf(pos token.Pos, format string, args ...any) {
	msg := fmt.Sprintf("%s: %s", pos, fmt.Sprintf(format, args...))
	pp.res.Warnings = append(pp.res.Warnings, msg)
	log.Warning(msg)
}

// exportConstants walks the macro table in definition order and exports
// every object-like macro whose body evaluates to an integer.
func (pp *Preprocessor) exportConstants() []Constant {
	var out []Constant
	for _, name := range pp.defined {
		m, ok := pp.macros[name]
		if !ok || m.funcLke || len(m.body) == 0 {
			continue
		}
		expanded := pp.expand(m.body, map[string]bool{name: true})
		ce := &condExpr{pp: pp, toks: pp.foldDefined(expanded)}
		hasIdent := false
		for _, t := range ce.toks {
			if t.Kind == token.Ident || t.Kind == token.String {
				hasIdent = true
				break
			}
		}
		if hasIdent {
			continue
		}
		v := ce.ternary()
		if ce.err != nil || ce.pos != len(ce.toks) {
			continue
		}
		out = append(out, Constant{Name: name, Value: v, Pos: m.pos})
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func includeName(rest []token.Token) string {
	// <name> arrives as '<', parts..., '>'; "name" as a single string token.
	if rest[0].Kind == token.String {
		return rest[0].Text
	}
	name := ""
	for _, t := range rest {
		if t.Is("<") || t.Is(">") {
			continue
		}
		name += t.Text
	}
	return name
}
