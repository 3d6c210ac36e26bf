// Package lexer tokenizes C header source into token streams. The lexer is
// preprocessor-aware only to the extent of marking line starts and emitting
// '#' tokens; directive interpretation happens in pkg/preprocessor.
package lexer

import (
	"fmt"

	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

// puncts is every multi-character punctuator we recognize, longest first.
// Single characters fall through to the one-byte case.
var puncts = []string{
	"<<=", ">>=", "...",
	"<<", ">>", "<=", ">=", "==", "!=", "&&", "||", "->",
	"+=", "-=", "*=", "/=", "%=", "&=", "^=", "|=", "##",
}

type lexer struct {
	file string
	src  []rune
	off  int
	line int
	col  int

	atLineStart bool
	toks        []token.Token
	errs        []error
}

// Lex converts header source into tokens. Lexing continues past errors so
// one run surfaces every malformed literal; the token stream is still
// returned alongside any errors.
func Lex(file string, src []byte) ([]token.Token, []error) {
	lx := &lexer{
		file:        file,
		src:         []rune(string(src)),
		line:        1,
		col:         1,
		atLineStart: true,
	}
	lx.run()
	return lx.toks, lx.errs
}

func (lx *lexer) pos() token.Pos {
	return token.Pos{File: lx.file, Line: lx.line, Col: lx.col}
}

func (lx *lexer) peek() rune {
	if lx.off >= len(lx.src) {
		return 0
	}
	return lx.src[lx.off]
}

func (lx *lexer) peekAt(n int) rune {
	if lx.off+n >= len(lx.src) {
		return 0
	}
	return lx.src[lx.off+n]
}

func (lx *lexer) advance() rune {
	r := lx.src[lx.off]
	lx.off++
	if r == '\n' {
		lx.line++
		lx.col = 1
	} else {
		lx.col++
	}
	return r
}

func (lx *lexer) emit(kind token.Kind, text string, pos token.Pos) {
	lx.toks = append(lx.toks, token.Token{
		Kind:        kind,
		Text:        text,
		Pos:         pos,
		AtLineStart: lx.atLineStart,
	})
	lx.atLineStart = false
}

func (lx *lexer) errorf(pos token.Pos, format string, args ...any) {
	lx.errs = append(lx.errs, fmt.Errorf("%s: %s", pos, fmt.Sprintf(format, args...)))
}

func (lx *lexer) run() {
	for lx.off < len(lx.src) {
		r := lx.peek()
		switch {
		case r == '\n':
			lx.advance()
			lx.atLineStart = true
		case r == ' ' || r == '\t' || r == '\r' || r == '\v' || r == '\f':
			lx.advance()
		case r == '\\' && lx.peekAt(1) == '\n':
			// Line continuation: splice without ending the logical line.
			lx.advance()
			lx.advance()
		case r == '\\' && lx.peekAt(1) == '\r' && lx.peekAt(2) == '\n':
			lx.advance()
			lx.advance()
			lx.advance()
		case r == '/' && lx.peekAt(1) == '/':
			lx.skipLineComment()
		case r == '/' && lx.peekAt(1) == '*':
			lx.skipBlockComment()
		case isIdentStart(r):
			lx.lexIdent()
		case r >= '0' && r <= '9':
			lx.lexNumber()
		case r == '"':
			lx.lexString()
		case r == '\'':
			lx.lexChar()
		case r == '#':
			pos := lx.pos()
			wasLineStart := lx.atLineStart
			lx.advance()
			if lx.peek() == '#' {
				lx.advance()
				lx.emit(token.Punct, "##", pos)
				break
			}
			if wasLineStart {
				lx.emit(token.Hash, "#", pos)
			} else {
				lx.emit(token.Punct, "#", pos)
			}
		default:
			lx.lexPunct()
		}
	}
	lx.toks = append(lx.toks, token.Token{
		Kind:        token.EOF,
		Pos:         lx.pos(),
		AtLineStart: lx.atLineStart,
	})
}

func (lx *lexer) skipLineComment() {
	for lx.off < len(lx.src) && lx.peek() != '\n' {
		lx.advance()
	}
}

func (lx *lexer) skipBlockComment() {
	pos := lx.pos()
	lx.advance()
	lx.advance()
	for lx.off < len(lx.src) {
		if lx.peek() == '*' && lx.peekAt(1) == '/' {
			lx.advance()
			lx.advance()
			return
		}
		lx.advance()
	}
	lx.errorf(pos, "unterminated block comment")
}

func (lx *lexer) lexIdent() {
	pos := lx.pos()
	start := lx.off
	for lx.off < len(lx.src) && isIdentPart(lx.peek()) {
		lx.advance()
	}
	lx.emit(token.Ident, string(lx.src[start:lx.off]), pos)
}

func (lx *lexer) lexNumber() {
	pos := lx.pos()
	start := lx.off
	if lx.peek() == '0' && (lx.peekAt(1) == 'x' || lx.peekAt(1) == 'X') {
		lx.advance()
		lx.advance()
		n := 0
		for lx.off < len(lx.src) && isHexDigit(lx.peek()) {
			lx.advance()
			n++
		}
		if n == 0 {
			lx.errorf(pos, "incomplete hexadecimal literal")
		}
	} else {
		for lx.off < len(lx.src) && lx.peek() >= '0' && lx.peek() <= '9' {
			lx.advance()
		}
	}
	// Integer suffixes: any mix of u/U/l/L.
	for lx.off < len(lx.src) {
		switch lx.peek() {
		case 'u', 'U', 'l', 'L':
			lx.advance()
			continue
		}
		break
	}
	lx.emit(token.Number, string(lx.src[start:lx.off]), pos)
}

func (lx *lexer) lexString() {
	pos := lx.pos()
	lx.advance()
	var out []rune
	for {
		if lx.off >= len(lx.src) || lx.peek() == '\n' {
			lx.errorf(pos, "unterminated string literal")
			break
		}
		r := lx.advance()
		if r == '"' {
			break
		}
		if r == '\\' && lx.off < len(lx.src) {
			out = append(out, unescape(lx.advance()))
			continue
		}
		out = append(out, r)
	}
	lx.emit(token.String, string(out), pos)
}

func (lx *lexer) lexChar() {
	pos := lx.pos()
	lx.advance()
	var out []rune
	for {
		if lx.off >= len(lx.src) || lx.peek() == '\n' {
			lx.errorf(pos, "unterminated character literal")
			break
		}
		r := lx.advance()
		if r == '\'' {
			break
		}
		if r == '\\' && lx.off < len(lx.src) {
			out = append(out, unescape(lx.advance()))
			continue
		}
		out = append(out, r)
	}
	if len(out) != 1 {
		lx.errorf(pos, "character literal must contain exactly one character")
	}
	lx.emit(token.CharLit, string(out), pos)
}

func (lx *lexer) lexPunct() {
	pos := lx.pos()
	for _, p := range puncts {
		if lx.matches(p) {
			for range p {
				lx.advance()
			}
			lx.emit(token.Punct, p, pos)
			return
		}
	}
	r := lx.advance()
	switch r {
	case '(', ')', '[', ']', '{', '}', ',', ';', '*', '&', '+', '-', '/',
		'%', '<', '>', '=', '!', '~', '^', '|', '?', ':', '.':
		lx.emit(token.Punct, string(r), pos)
	default:
		lx.errorf(pos, "unexpected character %q", r)
	}
}

func (lx *lexer) matches(s string) bool {
	for i, r := range s {
		if lx.peekAt(i) != r {
			return false
		}
	}
	return true
}

func unescape(r rune) rune {
	switch r {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case '0':
		return 0
	case 'v':
		return '\v'
	case 'b':
		return '\b'
	case 'f':
		return '\f'
	case 'a':
		return '\a'
	}
	return r
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9')
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
