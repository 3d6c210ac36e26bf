package parser

import (
	"fmt"

	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

// ParseError reports malformed syntax at a specific header location.
// Parsing recovers past the failing declaration and keeps going; the run
// still fails overall if any ParseError was accumulated.
type ParseError struct {
	Pos      token.Pos
	Expected string
	Found    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: expected %s, found %s", e.Pos, e.Expected, e.Found)
}

// RedefinitionError reports a conflicting duplicate definition. Duplicates
// are never silently overwritten.
type RedefinitionError struct {
	Name     string
	Pos      token.Pos
	Previous token.Pos
}

func (e *RedefinitionError) Error() string {
	return fmt.Sprintf("%s: conflicting redefinition of %q (previous definition at %s)",
		e.Pos, e.Name, e.Previous)
}
