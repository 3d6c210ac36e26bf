// In-memory validation of generated binding source using go/parser and
// go/types. The emitter runs it before anything reaches disk: a validation
// failure means the emitter produced Go the compiler would reject (most
// importantly a failed layout assertion), and no output may exist in that
// state.
package codegen

import (
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"strings"
)

// ValidationError is one Go-level error in generated source.
type ValidationError struct {
	Line    int
	Column  int
	Message string
}

// CodeValidator type-checks generated Go source without touching disk.
type CodeValidator struct {
	filename string
	sizes    types.Sizes
}

// NewCodeValidator creates a validator; filename only labels errors.
// goarch selects the type sizes used for unsafe.Sizeof/Offsetof, so layout
// assertions are checked against the target architecture rather than the
// machine running the generator.
func NewCodeValidator(filename, goarch string) *CodeValidator {
	return &CodeValidator{
		filename: filename,
		sizes:    types.SizesFor("gc", goarch),
	}
}

// Validate parses and type-checks source, returning every error found.
func (cv *CodeValidator) Validate(source string) []ValidationError {
	fset := token.NewFileSet()

	file, err := parser.ParseFile(fset, cv.filename, source, parser.AllErrors)
	if err != nil {
		return parseErrors(err)
	}

	var errs []ValidationError
	conf := types.Config{
		Importer: importer.Default(),
		Sizes:    cv.sizes,
		Error: func(err error) {
			if terr, ok := err.(types.Error); ok {
				pos := fset.Position(terr.Pos)
				errs = append(errs, ValidationError{
					Line:    pos.Line,
					Column:  pos.Column,
					Message: terr.Msg,
				})
			}
		},
	}
	info := &types.Info{
		Types: make(map[ast.Expr]types.TypeAndValue),
		Defs:  make(map[*ast.Ident]types.Object),
		Uses:  make(map[*ast.Ident]types.Object),
	}
	// Check errors arrive through conf.Error; the returned error only
	// repeats the first of them.
	_, _ = conf.Check(file.Name.Name, fset, []*ast.File{file}, info)
	return errs
}

func parseErrors(err error) []ValidationError {
	var out []ValidationError
	for _, line := range strings.Split(err.Error(), "\n") {
		out = append(out, ValidationError{Line: 1, Column: 1, Message: line})
	}
	return out
}
