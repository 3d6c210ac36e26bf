package parser

import (
	"strconv"
	"strings"

	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

// constExpr evaluates an integer constant expression as used in enum
// values, array dimensions, and bit-field widths. Identifiers resolve to
// previously seen enumerators only; anything else is an error, never a
// guess.
func (p *parser) constExpr() (int64, error) {
	return p.constTernary()
}

func (p *parser) constTernary() (int64, error) {
	cond, err := p.constBinary(0)
	if err != nil {
		return 0, err
	}
	if !p.accept("?") {
		return cond, nil
	}
	then, err := p.constTernary()
	if err != nil {
		return 0, err
	}
	if err := p.expect(":"); err != nil {
		return 0, err
	}
	els, err := p.constTernary()
	if err != nil {
		return 0, err
	}
	if cond != 0 {
		return then, nil
	}
	return els, nil
}

// binary operator precedence, lowest first.
var constOps = []map[string]func(a, b int64) int64{
	{"||": func(a, b int64) int64 { return boolToInt(a != 0 || b != 0) }},
	{"&&": func(a, b int64) int64 { return boolToInt(a != 0 && b != 0) }},
	{"|": func(a, b int64) int64 { return a | b }},
	{"^": func(a, b int64) int64 { return a ^ b }},
	{"&": func(a, b int64) int64 { return a & b }},
	{
		"==": func(a, b int64) int64 { return boolToInt(a == b) },
		"!=": func(a, b int64) int64 { return boolToInt(a != b) },
	},
	{
		"<":  func(a, b int64) int64 { return boolToInt(a < b) },
		">":  func(a, b int64) int64 { return boolToInt(a > b) },
		"<=": func(a, b int64) int64 { return boolToInt(a <= b) },
		">=": func(a, b int64) int64 { return boolToInt(a >= b) },
	},
	{
		"<<": func(a, b int64) int64 { return a << uint(b) },
		">>": func(a, b int64) int64 { return a >> uint(b) },
	},
	{
		"+": func(a, b int64) int64 { return a + b },
		"-": func(a, b int64) int64 { return a - b },
	},
	{
		"*": func(a, b int64) int64 { return a * b },
		"/": func(a, b int64) int64 { return a / b },
		"%": func(a, b int64) int64 { return a % b },
	},
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (p *parser) constBinary(level int) (int64, error) {
	if level >= len(constOps) {
		return p.constUnary()
	}
	v, err := p.constBinary(level + 1)
	if err != nil {
		return 0, err
	}
	for {
		t := p.peek()
		if t.Kind != token.Punct {
			return v, nil
		}
		fn, ok := constOps[level][t.Text]
		if !ok {
			return v, nil
		}
		p.pos++
		rhs, err := p.constBinary(level + 1)
		if err != nil {
			return 0, err
		}
		if (t.Text == "/" || t.Text == "%") && rhs == 0 {
			return 0, &ParseError{Pos: t.Pos, Expected: "nonzero divisor", Found: "0"}
		}
		v = fn(v, rhs)
	}
}

func (p *parser) constUnary() (int64, error) {
	switch {
	case p.accept("-"):
		v, err := p.constUnary()
		return -v, err
	case p.accept("+"):
		return p.constUnary()
	case p.accept("~"):
		v, err := p.constUnary()
		return ^v, err
	case p.accept("!"):
		v, err := p.constUnary()
		return boolToInt(v == 0), err
	}
	return p.constPrimary()
}

func (p *parser) constPrimary() (int64, error) {
	t := p.next()
	switch t.Kind {
	case token.Number:
		v, err := parseInt(t.Text)
		if err != nil {
			return 0, &ParseError{Pos: t.Pos, Expected: "integer literal", Found: t.Text}
		}
		return v, nil
	case token.CharLit:
		if len(t.Text) == 0 {
			return 0, nil
		}
		return int64(t.Text[0]), nil
	case token.Ident:
		if v, ok := p.enums[t.Text]; ok {
			return v, nil
		}
		return 0, &ParseError{Pos: t.Pos, Expected: "constant expression", Found: t.String()}
	case token.Punct:
		if t.Text == "(" {
			// Either a grouped expression or a cast to a known type; casts
			// are layout-neutral here and evaluate to their operand.
			if p.peek().Kind == token.Ident && p.typedefs[p.peek().Text] && p.peekAt(1).Is(")") {
				p.pos += 2
				return p.constUnary()
			}
			v, err := p.constTernary()
			if err != nil {
				return 0, err
			}
			return v, p.expect(")")
		}
	}
	return 0, &ParseError{Pos: t.Pos, Expected: "constant expression", Found: t.String()}
}

// parseInt parses a C integer literal: decimal, hex, or octal, with any
// combination of u/l suffixes.
func parseInt(text string) (int64, error) {
	s := strings.TrimRight(text, "uUlL")
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		u, err := strconv.ParseUint(s[2:], 16, 64)
		return int64(u), err
	}
	if len(s) > 1 && s[0] == '0' {
		u, err := strconv.ParseUint(s[1:], 8, 64)
		return int64(u), err
	}
	u, err := strconv.ParseUint(s, 10, 64)
	return int64(u), err
}
