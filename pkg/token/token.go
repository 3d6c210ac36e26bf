// Package token defines the lexical tokens of the C header subset the
// binding generator consumes, plus source positions for error reporting.
package token

import "fmt"

// Pos locates a token in its originating header.
type Pos struct {
	File string
	Line int
	Col  int
}

func (p Pos) String() string {
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Col)
}

// Kind classifies a token.
type Kind int

const (
	EOF Kind = iota
	Ident
	Number // integer literal, including 0x and U/L suffixes
	String
	CharLit
	Punct // operators and separators, one token per longest match
	Hash  // '#' at the start of a line, introduces a directive
)

func (k Kind) String() string {
	switch k {
	case EOF:
		return "EOF"
	case Ident:
		return "identifier"
	case Number:
		return "number"
	case String:
		return "string"
	case CharLit:
		return "character"
	case Punct:
		return "punctuator"
	case Hash:
		return "'#'"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Token is one lexical element. AtLineStart marks the first token of a
// physical line, which is how directive lines are recognized.
type Token struct {
	Kind        Kind
	Text        string
	Pos         Pos
	AtLineStart bool
}

func (t Token) String() string {
	if t.Kind == EOF {
		return "EOF"
	}
	return fmt.Sprintf("%s %q", t.Kind, t.Text)
}

// Is reports whether the token is a punctuator with the given text.
func (t Token) Is(punct string) bool {
	return t.Kind == Punct && t.Text == punct
}

// IsIdent reports whether the token is the given identifier.
func (t Token) IsIdent(name string) bool {
	return t.Kind == Ident && t.Text == name
}
