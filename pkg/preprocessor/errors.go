package preprocessor

import (
	"fmt"

	"github.com/NZXTCorp/km-wrappers/pkg/target"
	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

// UnsupportedProfile is returned when the requested OS-version floor
// predates the minimum the header set guarantees. It aborts the run before
// any parsing happens.
type UnsupportedProfile struct {
	Requested target.OSVersion
	Minimum   target.OSVersion
}

func (e *UnsupportedProfile) Error() string {
	return fmt.Sprintf("unsupported target profile: OS floor %s predates header minimum %s",
		e.Requested, e.Minimum)
}

// DirectiveError reports a malformed or failing preprocessor directive,
// including an explicit #error.
type DirectiveError struct {
	Pos     token.Pos
	Message string
}

func (e *DirectiveError) Error() string {
	return fmt.Sprintf("%s: %s", e.Pos, e.Message)
}

// UnknownMacroError is produced in strict mode when a conditional
// expression references a macro that was never defined.
type UnknownMacroError struct {
	Pos  token.Pos
	Name string
}

func (e *UnknownMacroError) Error() string {
	return fmt.Sprintf("%s: unknown macro %q in conditional expression", e.Pos, e.Name)
}
