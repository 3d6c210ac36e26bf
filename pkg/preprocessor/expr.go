package preprocessor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

// condExpr evaluates a #if/#elif controlling expression. The token slice
// has already had 'defined' operators folded and macros expanded; any
// identifier still present is an unknown macro and evaluates to 0 (or
// errors in strict mode).
type condExpr struct {
	pp   *Preprocessor
	toks []token.Token
	pos  int
	err  error
}

func (pp *Preprocessor) evalCondition(toks []token.Token, at token.Pos) (int64, error) {
	folded := pp.foldDefined(toks)
	expanded := pp.expand(folded, nil)
	ce := &condExpr{pp: pp, toks: expanded}
	v := ce.ternary()
	if ce.err != nil {
		return 0, ce.err
	}
	if ce.pos < len(ce.toks) {
		return 0, &DirectiveError{
			Pos:     at,
			Message: fmt.Sprintf("trailing tokens in conditional expression: %s", ce.toks[ce.pos]),
		}
	}
	return v, nil
}

// foldDefined replaces defined(NAME) and defined NAME with 1 or 0 before
// macro expansion, so the operand itself is never expanded.
func (pp *Preprocessor) foldDefined(toks []token.Token) []token.Token {
	var out []token.Token
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if !t.IsIdent("defined") {
			out = append(out, t)
			continue
		}
		name := ""
		if i+1 < len(toks) && toks[i+1].Kind == token.Ident {
			name = toks[i+1].Text
			i++
		} else if i+3 < len(toks) && toks[i+1].Is("(") &&
			toks[i+2].Kind == token.Ident && toks[i+3].Is(")") {
			name = toks[i+2].Text
			i += 3
		} else {
			out = append(out, t)
			continue
		}
		val := "0"
		if _, ok := pp.macros[name]; ok {
			val = "1"
		}
		out = append(out, token.Token{Kind: token.Number, Text: val, Pos: t.Pos})
	}
	return out
}

func (ce *condExpr) fail(pos token.Pos, format string, args ...any) int64 {
	if ce.err == nil {
		ce.err = &DirectiveError{Pos: pos, Message: fmt.Sprintf(format, args...)}
	}
	return 0
}

func (ce *condExpr) peek() token.Token {
	if ce.pos >= len(ce.toks) {
		return token.Token{Kind: token.EOF}
	}
	return ce.toks[ce.pos]
}

func (ce *condExpr) next() token.Token {
	t := ce.peek()
	ce.pos++
	return t
}

func (ce *condExpr) ternary() int64 {
	cond := ce.logicalOr()
	if !ce.peek().Is("?") {
		return cond
	}
	ce.next()
	then := ce.ternary()
	if !ce.peek().Is(":") {
		return ce.fail(ce.peek().Pos, "expected ':' in conditional expression")
	}
	ce.next()
	els := ce.ternary()
	if cond != 0 {
		return then
	}
	return els
}

func (ce *condExpr) logicalOr() int64 {
	v := ce.logicalAnd()
	for ce.peek().Is("||") {
		ce.next()
		rhs := ce.logicalAnd()
		if v != 0 || rhs != 0 {
			v = 1
		} else {
			v = 0
		}
	}
	return v
}

func (ce *condExpr) logicalAnd() int64 {
	v := ce.bitwise()
	for ce.peek().Is("&&") {
		ce.next()
		rhs := ce.bitwise()
		if v != 0 && rhs != 0 {
			v = 1
		} else {
			v = 0
		}
	}
	return v
}

func (ce *condExpr) bitwise() int64 {
	v := ce.comparison()
	for {
		switch {
		case ce.peek().Is("|"):
			ce.next()
			v |= ce.comparison()
		case ce.peek().Is("^"):
			ce.next()
			v ^= ce.comparison()
		case ce.peek().Is("&"):
			ce.next()
			v &= ce.comparison()
		default:
			return v
		}
	}
}

func (ce *condExpr) comparison() int64 {
	v := ce.shift()
	for {
		op := ce.peek()
		var b bool
		switch {
		case op.Is("=="):
			ce.next()
			b = v == ce.shift()
		case op.Is("!="):
			ce.next()
			b = v != ce.shift()
		case op.Is("<="):
			ce.next()
			b = v <= ce.shift()
		case op.Is(">="):
			ce.next()
			b = v >= ce.shift()
		case op.Is("<"):
			ce.next()
			b = v < ce.shift()
		case op.Is(">"):
			ce.next()
			b = v > ce.shift()
		default:
			return v
		}
		if b {
			v = 1
		} else {
			v = 0
		}
	}
}

func (ce *condExpr) shift() int64 {
	v := ce.additive()
	for {
		switch {
		case ce.peek().Is("<<"):
			ce.next()
			v <<= uint(ce.additive())
		case ce.peek().Is(">>"):
			ce.next()
			v >>= uint(ce.additive())
		default:
			return v
		}
	}
}

func (ce *condExpr) additive() int64 {
	v := ce.multiplicative()
	for {
		switch {
		case ce.peek().Is("+"):
			ce.next()
			v += ce.multiplicative()
		case ce.peek().Is("-"):
			ce.next()
			v -= ce.multiplicative()
		default:
			return v
		}
	}
}

func (ce *condExpr) multiplicative() int64 {
	v := ce.unary()
	for {
		op := ce.peek()
		switch {
		case op.Is("*"):
			ce.next()
			v *= ce.unary()
		case op.Is("/"):
			ce.next()
			rhs := ce.unary()
			if rhs == 0 {
				return ce.fail(op.Pos, "division by zero in conditional expression")
			}
			v /= rhs
		case op.Is("%"):
			ce.next()
			rhs := ce.unary()
			if rhs == 0 {
				return ce.fail(op.Pos, "division by zero in conditional expression")
			}
			v %= rhs
		default:
			return v
		}
	}
}

func (ce *condExpr) unary() int64 {
	t := ce.peek()
	switch {
	case t.Is("!"):
		ce.next()
		if ce.unary() == 0 {
			return 1
		}
		return 0
	case t.Is("~"):
		ce.next()
		return ^ce.unary()
	case t.Is("-"):
		ce.next()
		return -ce.unary()
	case t.Is("+"):
		ce.next()
		return ce.unary()
	}
	return ce.primary()
}

func (ce *condExpr) primary() int64 {
	t := ce.next()
	switch t.Kind {
	case token.Number:
		v, err := ParseInt(t.Text)
		if err != nil {
			return ce.fail(t.Pos, "bad integer literal %q", t.Text)
		}
		return v
	case token.CharLit:
		if len(t.Text) > 0 {
			return int64(t.Text[0])
		}
		return 0
	case token.Ident:
		// Unknown macro: conservatively false. Strict mode makes it fatal.
		if ce.pp.opts.StrictMacros {
			ce.err = &UnknownMacroError{Pos: t.Pos, Name: t.Text}
			return 0
		}
		ce.pp.warnUnknownMacro(t)
		return 0
	case token.Punct:
		if t.Text == "(" {
			v := ce.ternary()
			if !ce.peek().Is(")") {
				return ce.fail(ce.peek().Pos, "expected ')' in conditional expression")
			}
			ce.next()
			return v
		}
	}
	return ce.fail(t.Pos, "unexpected %s in conditional expression", t)
}

// ParseInt parses a C integer literal, accepting 0x prefixes and u/l
// suffixes in any combination.
func ParseInt(text string) (int64, error) {
	s := strings.TrimRight(text, "uUlL")
	if s == "" {
		return 0, fmt.Errorf("empty integer literal")
	}
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
