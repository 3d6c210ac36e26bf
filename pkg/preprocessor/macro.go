package preprocessor

import (
	"strings"

	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

// macro is one #define. Object-like macros have nil params; function-like
// macros record their parameter names in declaration order.
type macro struct {
	name    string
	params  []string
	funcLke bool
	body    []token.Token
	pos     token.Pos
}

// sameAs reports whether a redefinition is identical, which C permits.
func (m *macro) sameAs(other *macro) bool {
	if m.funcLke != other.funcLke || len(m.params) != len(other.params) ||
		len(m.body) != len(other.body) {
		return false
	}
	for i := range m.params {
		if m.params[i] != other.params[i] {
			return false
		}
	}
	for i := range m.body {
		if m.body[i].Kind != other.body[i].Kind || m.body[i].Text != other.body[i].Text {
			return false
		}
	}
	return true
}

// expand rewrites toks with all known macros substituted. hidden carries
// the names currently being expanded so self-referential macros do not
// recurse forever, matching C's blue-paint rule.
func (pp *Preprocessor) expand(toks []token.Token, hidden map[string]bool) []token.Token {
	var out []token.Token
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.Kind != token.Ident || hidden[t.Text] {
			out = append(out, t)
			continue
		}
		m, ok := pp.macros[t.Text]
		if !ok {
			out = append(out, t)
			continue
		}
		if !m.funcLke {
			out = append(out, pp.expandBody(m, nil, t.Pos, hidden)...)
			continue
		}
		// Function-like macros expand only when followed by '('.
		if i+1 >= len(toks) || !toks[i+1].Is("(") {
			out = append(out, t)
			continue
		}
		args, next, ok := collectArgs(toks, i+2)
		if !ok {
			out = append(out, t)
			continue
		}
		i = next
		out = append(out, pp.expandBody(m, args, t.Pos, hidden)...)
	}
	return out
}

// expandBody substitutes parameters into a macro body, applies token
// pasting, and re-expands the result with the macro's own name hidden.
func (pp *Preprocessor) expandBody(m *macro, args [][]token.Token, at token.Pos, hidden map[string]bool) []token.Token {
	paramIdx := make(map[string]int, len(m.params))
	for i, p := range m.params {
		paramIdx[p] = i
	}

	var subst []token.Token
	for i := 0; i < len(m.body); i++ {
		t := m.body[i]

		// '#param' stringifies the argument.
		if t.Is("#") && i+1 < len(m.body) && m.body[i+1].Kind == token.Ident {
			if idx, ok := paramIdx[m.body[i+1].Text]; ok && idx < len(args) {
				subst = append(subst, token.Token{
					Kind: token.String,
					Text: tokensText(args[idx]),
					Pos:  at,
				})
				i++
				continue
			}
		}

		if t.Kind == token.Ident {
			if idx, ok := paramIdx[t.Text]; ok {
				if idx < len(args) {
					for _, a := range args[idx] {
						a.Pos = at
						a.AtLineStart = false
						subst = append(subst, a)
					}
				}
				continue
			}
		}
		t.Pos = at
		t.AtLineStart = false
		subst = append(subst, t)
	}

	subst = pasteTokens(subst)

	childHidden := make(map[string]bool, len(hidden)+1)
	for k := range hidden {
		childHidden[k] = true
	}
	childHidden[m.name] = true
	return pp.expand(subst, childHidden)
}

// pasteTokens applies the '##' operator by joining the adjacent tokens'
// spellings into a single token.
func pasteTokens(toks []token.Token) []token.Token {
	var out []token.Token
	for i := 0; i < len(toks); i++ {
		if toks[i].Is("##") && len(out) > 0 && i+1 < len(toks) {
			prev := out[len(out)-1]
			next := toks[i+1]
			joined := prev.Text + next.Text
			kind := prev.Kind
			if joined != "" && joined[0] >= '0' && joined[0] <= '9' {
				kind = token.Number
			}
			out[len(out)-1] = token.Token{Kind: kind, Text: joined, Pos: prev.Pos}
			i++
			continue
		}
		out = append(out, toks[i])
	}
	return out
}

// collectArgs gathers comma-separated macro arguments starting just past
// the opening paren at index start. Nested parentheses group as expected.
// Returns the argument lists and the index of the closing paren.
func collectArgs(toks []token.Token, start int) (args [][]token.Token, end int, ok bool) {
	depth := 0
	var cur []token.Token
	for i := start; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.Is("(") || t.Is("["):
			depth++
		case t.Is(")") && depth == 0:
			if len(cur) > 0 || len(args) > 0 {
				args = append(args, cur)
			}
			return args, i, true
		case t.Is(")") || t.Is("]"):
			depth--
		case t.Is(",") && depth == 0:
			args = append(args, cur)
			cur = nil
			continue
		case t.Kind == token.EOF:
			return nil, 0, false
		}
		cur = append(cur, t)
	}
	return nil, 0, false
}

func tokensText(toks []token.Token) string {
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = t.Text
	}
	return strings.Join(parts, " ")
}
