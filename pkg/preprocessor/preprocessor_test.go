package preprocessor

import (
	"errors"
	"strings"
	"testing"

	"github.com/NZXTCorp/km-wrappers/pkg/target"
	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

var amd64Win10 = target.Profile{Arch: target.AMD64, OSFloor: target.Win10}

func runOn(t *testing.T, headers map[string]string, opts Options) *Result {
	t.Helper()
	pp := New(amd64Win10, MapIncluder(headers), opts)
	res, err := pp.Run("bindgen.h")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return res
}

func tokenText(toks []token.Token) string {
	var parts []string
	for _, t := range toks {
		if t.Kind == token.EOF {
			break
		}
		parts = append(parts, t.Text)
	}
	return strings.Join(parts, " ")
}

func TestConditionalBranches(t *testing.T) {
	res := runOn(t, map[string]string{
		"bindgen.h": `
#if NTDDI_VERSION >= 0x0A000000
int win10_only;
#else
int downlevel;
#endif
#ifdef _AMD64_
int amd64_only;
#endif
#ifndef _ARM64_
int not_arm;
#endif
`,
	}, Options{})

	got := tokenText(res.Tokens)
	want := "int win10_only ; int amd64_only ; int not_arm ;"
	if got != want {
		t.Errorf("tokens = %q, want %q", got, want)
	}

	if len(res.Branches) != 3 {
		t.Fatalf("branches = %d, want 3", len(res.Branches))
	}
	for i, b := range res.Branches {
		if !b.Taken {
			t.Errorf("branch %d (%s) not taken", i, b.Condition)
		}
	}
}

func TestElifChain(t *testing.T) {
	res := runOn(t, map[string]string{
		"bindgen.h": `
#if NTDDI_VERSION >= 0x0B000000
int future;
#elif NTDDI_VERSION >= 0x0A000000
int win10;
#elif NTDDI_VERSION >= 0x06010000
int win7;
#else
int ancient;
#endif
`,
	}, Options{})

	if got := tokenText(res.Tokens); got != "int win10 ;" {
		t.Errorf("tokens = %q, want \"int win10 ;\"", got)
	}
}

func TestDefinedOperator(t *testing.T) {
	res := runOn(t, map[string]string{
		"bindgen.h": `
#define WDF_PRESENT 1
#if defined(WDF_PRESENT) && defined _WIN64
int both;
#endif
#if !defined(NEVER_SET)
int absent;
#endif
`,
	}, Options{})

	if got := tokenText(res.Tokens); got != "int both ; int absent ;" {
		t.Errorf("tokens = %q", got)
	}
}

func TestUnsupportedProfileRejectedBeforeRead(t *testing.T) {
	inc := MapIncluder{} // empty: Run must fail before resolving anything
	pp := New(target.Profile{Arch: target.AMD64, OSFloor: target.Win7}, inc, Options{
		MinimumOSFloor: target.Win10,
	})
	_, err := pp.Run("bindgen.h")
	var up *UnsupportedProfile
	if !errors.As(err, &up) {
		t.Fatalf("err = %v, want UnsupportedProfile", err)
	}
	if up.Requested != target.Win7 || up.Minimum != target.Win10 {
		t.Errorf("UnsupportedProfile = %+v", up)
	}
}

func TestUnknownMacroWarns(t *testing.T) {
	res := runOn(t, map[string]string{
		"bindgen.h": `
#if MYSTERY_MACRO
int hidden;
#endif
int kept;
`,
	}, Options{})

	if got := tokenText(res.Tokens); got != "int kept ;" {
		t.Errorf("tokens = %q, unknown macro should evaluate to 0", got)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "MYSTERY_MACRO") {
		t.Errorf("warnings = %v, want one naming MYSTERY_MACRO", res.Warnings)
	}
}

func TestUnknownMacroStrictFails(t *testing.T) {
	pp := New(amd64Win10, MapIncluder{
		"bindgen.h": "#if MYSTERY_MACRO\n#endif\n",
	}, Options{StrictMacros: true})
	_, err := pp.Run("bindgen.h")
	var um *UnknownMacroError
	if !errors.As(err, &um) {
		t.Fatalf("err = %v, want UnknownMacroError", err)
	}
	if um.Name != "MYSTERY_MACRO" {
		t.Errorf("Name = %q", um.Name)
	}
}

func TestFunctionMacroExpansion(t *testing.T) {
	res := runOn(t, map[string]string{
		"bindgen.h": `
#define CTL_CODE(DeviceType, Function, Method, Access) \
    (((DeviceType) << 16) | ((Access) << 14) | ((Function) << 2) | (Method))
int x = CTL_CODE(0x22, 0x801, 0, 0);
`,
	}, Options{})

	got := tokenText(res.Tokens)
	if !strings.Contains(got, "0x22 ) << 16") {
		t.Errorf("expansion missing substituted argument: %q", got)
	}
	if strings.Contains(got, "CTL_CODE") {
		t.Errorf("macro name leaked into output: %q", got)
	}
}

func TestTokenPasteAndStringify(t *testing.T) {
	res := runOn(t, map[string]string{
		"bindgen.h": `
#define PASTE(a, b) a ## b
#define STR(x) #x
int PASTE(my, var);
char *s = STR(hello);
`,
	}, Options{})

	got := tokenText(res.Tokens)
	if !strings.Contains(got, "myvar") {
		t.Errorf("paste failed: %q", got)
	}
	if !strings.Contains(got, "hello") {
		t.Errorf("stringify failed: %q", got)
	}
}

func TestRecursiveMacroDoesNotLoop(t *testing.T) {
	res := runOn(t, map[string]string{
		"bindgen.h": `
#define SELF SELF
int SELF;
`,
	}, Options{})
	if got := tokenText(res.Tokens); got != "int SELF ;" {
		t.Errorf("tokens = %q", got)
	}
}

func TestPragmaOnce(t *testing.T) {
	res := runOn(t, map[string]string{
		"bindgen.h": "#include <shared.h>\n#include <shared.h>\n",
		"shared.h":  "#pragma once\nint shared_decl;\n",
	}, Options{})

	if got := tokenText(res.Tokens); got != "int shared_decl ;" {
		t.Errorf("tokens = %q, want single inclusion", got)
	}
	if len(res.Headers) != 2 {
		t.Errorf("headers = %v, want [bindgen.h shared.h]", res.Headers)
	}
}

func TestIncludeGuards(t *testing.T) {
	res := runOn(t, map[string]string{
		"bindgen.h": "#include \"guarded.h\"\n#include \"guarded.h\"\n",
		"guarded.h": "#ifndef GUARD_H\n#define GUARD_H\nint guarded;\n#endif\n",
	}, Options{})

	if got := tokenText(res.Tokens); got != "int guarded ;" {
		t.Errorf("tokens = %q, want single inclusion", got)
	}
	// The guard keeps the body out, but the file is still opened twice;
	// the header list records it once.
	if len(res.Headers) != 2 || res.Headers[1] != "guarded.h" {
		t.Errorf("headers = %v, want [bindgen.h guarded.h]", res.Headers)
	}
}

func TestErrorDirective(t *testing.T) {
	pp := New(amd64Win10, MapIncluder{
		"bindgen.h": "#error unsupported configuration\n",
	}, Options{})
	_, err := pp.Run("bindgen.h")
	var de *DirectiveError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DirectiveError", err)
	}
	if !strings.Contains(de.Message, "unsupported configuration") {
		t.Errorf("Message = %q", de.Message)
	}
}

func TestErrorDirectiveInDeadBranchIgnored(t *testing.T) {
	res := runOn(t, map[string]string{
		"bindgen.h": "#if 0\n#error never reached\n#endif\nint ok;\n",
	}, Options{})
	if got := tokenText(res.Tokens); got != "int ok ;" {
		t.Errorf("tokens = %q", got)
	}
}

func TestConflictingRedefinition(t *testing.T) {
	pp := New(amd64Win10, MapIncluder{
		"bindgen.h": "#define N 1\n#define N 2\n",
	}, Options{})
	_, err := pp.Run("bindgen.h")
	var de *DirectiveError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DirectiveError", err)
	}
	if !strings.Contains(de.Message, "redefinition") {
		t.Errorf("Message = %q", de.Message)
	}
}

func TestIdenticalRedefinitionAllowed(t *testing.T) {
	runOn(t, map[string]string{
		"bindgen.h": "#define N 1\n#define N 1\nint a;\n",
	}, Options{})
}

func TestConstantsExport(t *testing.T) {
	res := runOn(t, map[string]string{
		"bindgen.h": `
#define STATUS_SUCCESS 0
#define PAGE_SIZE 0x1000
#define DOUBLED (PAGE_SIZE * 2)
#define NOT_NUMERIC "text"
#define FUNC_LIKE(x) (x)
`,
	}, Options{Defines: map[string]string{"EXTRA": "7"}})

	byName := map[string]int64{}
	for _, c := range res.Constants {
		byName[c.Name] = c.Value
	}
	want := map[string]int64{
		"STATUS_SUCCESS": 0,
		"PAGE_SIZE":      0x1000,
		"DOUBLED":        0x2000,
		"EXTRA":          7,
	}
	for name, v := range want {
		got, ok := byName[name]
		if !ok {
			t.Errorf("constant %s missing", name)
			continue
		}
		if got != v {
			t.Errorf("%s = %d, want %d", name, got, v)
		}
	}
	for _, bad := range []string{"NOT_NUMERIC", "FUNC_LIKE"} {
		if _, ok := byName[bad]; ok {
			t.Errorf("%s should not export as a constant", bad)
		}
	}
}

func TestConstantOrderDeterministic(t *testing.T) {
	headers := map[string]string{
		"bindgen.h": "#define A 1\n#define B 2\n#define C 3\n",
	}
	first := runOn(t, headers, Options{})
	for i := 0; i < 5; i++ {
		again := runOn(t, headers, Options{})
		if len(again.Constants) != len(first.Constants) {
			t.Fatalf("constant count changed between runs")
		}
		for j := range first.Constants {
			if again.Constants[j].Name != first.Constants[j].Name {
				t.Fatalf("constant order changed: %v vs %v", again.Constants[j].Name, first.Constants[j].Name)
			}
		}
	}
}

func TestPragmaPackPassthrough(t *testing.T) {
	res := runOn(t, map[string]string{
		"bindgen.h": "#pragma pack(push, 1)\nint a;\n#pragma pack(pop)\n",
	}, Options{})

	got := tokenText(res.Tokens)
	if !strings.Contains(got, "pragma pack ( push , 1 )") {
		t.Errorf("pack pragma not passed through: %q", got)
	}
	if !strings.Contains(got, "pragma pack ( pop )") {
		t.Errorf("pack pop not passed through: %q", got)
	}
}

func TestUnterminatedConditional(t *testing.T) {
	pp := New(amd64Win10, MapIncluder{
		"bindgen.h": "#ifdef _AMD64_\nint a;\n",
	}, Options{})
	if _, err := pp.Run("bindgen.h"); err == nil {
		t.Fatal("expected error for unterminated conditional")
	}
}

func TestMissingHeader(t *testing.T) {
	pp := New(amd64Win10, MapIncluder{
		"bindgen.h": "#include <nonexistent.h>\n",
	}, Options{})
	if _, err := pp.Run("bindgen.h"); err == nil {
		t.Fatal("expected error for missing header")
	}
}
