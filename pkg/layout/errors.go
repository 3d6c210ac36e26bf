package layout

import (
	"fmt"
	"strings"

	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

// UnresolvableCycle reports a type that can never acquire a finite size
// because it embeds itself by value, directly or through other types.
// Cycles through pointers are fine; this is a header authoring error.
type UnresolvableCycle struct {
	Chain []string
	Pos   token.Pos
}

func (e *UnresolvableCycle) Error() string {
	return fmt.Sprintf("%s: unresolvable by-value cycle: %s",
		e.Pos, strings.Join(e.Chain, " -> "))
}

// UnresolvedType reports a name that never resolved to a sized type by the
// end of resolution: a dangling forward reference or an incomplete struct
// used by value.
type UnresolvedType struct {
	Name string
	Pos  token.Pos
	Use  string // what referenced it
}

func (e *UnresolvedType) Error() string {
	return fmt.Sprintf("%s: type %q used by %s never resolved to a concrete layout",
		e.Pos, e.Name, e.Use)
}

// SignatureError reports a function whose signature cannot be resolved,
// for example a by-value parameter of unsized type.
type SignatureError struct {
	Function string
	Pos      token.Pos
	Reason   string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s: function %q: %s", e.Pos, e.Function, e.Reason)
}
