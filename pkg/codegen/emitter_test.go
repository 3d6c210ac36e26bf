package codegen

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/NZXTCorp/km-wrappers/pkg/ast"
	"github.com/NZXTCorp/km-wrappers/pkg/layout"
	"github.com/NZXTCorp/km-wrappers/pkg/lexer"
	"github.com/NZXTCorp/km-wrappers/pkg/parser"
	"github.com/NZXTCorp/km-wrappers/pkg/target"
	"github.com/NZXTCorp/km-wrappers/pkg/token"
)

var amd64 = target.Profile{Arch: target.AMD64, OSFloor: target.Win10}

func prepare(t *testing.T, src string) ([]ast.Decl, *layout.Resolved) {
	t.Helper()
	toks, lexErrs := lexer.Lex("ntddk.h", []byte(src))
	if len(lexErrs) > 0 {
		t.Fatalf("lex errors: %v", lexErrs)
	}
	parsed := parser.Parse(toks)
	if parsed.Failed() {
		t.Fatalf("parse errors: %v", parsed.Errors)
	}
	res := layout.Resolve(parsed.Decls, amd64)
	if res.Failed() {
		t.Fatalf("layout errors: %v", res.Errors)
	}
	return parsed.Decls, res
}

func emitSrc(t *testing.T, src string, policy Policy) *Output {
	t.Helper()
	decls, res := prepare(t, src)
	out, err := Emit(decls, res, Options{Package: "km", Policy: policy})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	return out
}

const kernelSurface = `
typedef unsigned long ULONG;
typedef long NTSTATUS;
typedef void *PVOID;
typedef struct WDFDEVICE__ *WDFDEVICE;
typedef struct _DEVICE_CONTEXT {
    ULONG Flags;
    PVOID Buffer;
} DEVICE_CONTEXT, *PDEVICE_CONTEXT;
NTSTATUS __stdcall WdfDeviceCreate(WDFDEVICE Device, ULONG Flags);
ULONG __cdecl DbgPrintVariant(PVOID Format, ...);
`

func TestEmitDeterministic(t *testing.T) {
	first := emitSrc(t, kernelSurface, Policy{})
	for i := 0; i < 3; i++ {
		again := emitSrc(t, kernelSurface, Policy{})
		if !bytes.Equal(first.Source, again.Source) {
			t.Fatal("re-run produced different bytes")
		}
	}
}

func TestPolicyConflictAborts(t *testing.T) {
	decls, res := prepare(t, kernelSurface)
	_, err := Emit(decls, res, Options{Package: "km", Policy: Policy{
		AllowFunctions: []string{"Wdf.*"},
		DenyNames:      []string{"WdfDeviceCreate"},
	}})
	var pc *PolicyConflict
	if !errors.As(err, &pc) {
		t.Fatalf("err = %v, want PolicyConflict", err)
	}
	if pc.Name != "WdfDeviceCreate" {
		t.Errorf("Name = %q", pc.Name)
	}
}

func TestAllowlistClosure(t *testing.T) {
	out := emitSrc(t, kernelSurface, Policy{
		AllowFunctions: []string{"WdfDeviceCreate"},
	})
	src := string(out.Source)
	// The function's parameter types must follow it in.
	for _, want := range []string{"WdfDeviceCreate", "WDFDEVICE", "ULONG"} {
		if !strings.Contains(src, want) {
			t.Errorf("output missing %s", want)
		}
	}
	// A function outside the allowlist is suppressed and recorded.
	if strings.Contains(src, "DbgPrintVariant") {
		t.Error("DbgPrintVariant should be suppressed")
	}
	found := false
	for _, s := range out.Suppressed {
		if s.Name == "DbgPrintVariant" && s.Rule == "not allowlisted" {
			found = true
		}
	}
	if !found {
		t.Errorf("suppression record for DbgPrintVariant missing: %+v", out.Suppressed)
	}
}

func TestAllowRulesAreAnchored(t *testing.T) {
	out := emitSrc(t, kernelSurface, Policy{
		AllowFunctions: []string{"DeviceCreate"}, // must not match WdfDeviceCreate
	})
	if strings.Contains(string(out.Source), "WdfDeviceCreate") {
		t.Error("unanchored substring match admitted WdfDeviceCreate")
	}
}

func TestOpaqueHandleTypedef(t *testing.T) {
	out := emitSrc(t, kernelSurface, Policy{})
	src := string(out.Source)
	if !strings.Contains(src, "type WDFDEVICE uintptr") {
		t.Errorf("opaque handle not emitted as distinct uintptr type:\n%s", src)
	}
	for _, e := range out.Emitted {
		if e.Name == "WDFDEVICE" && e.Kind != "handle" {
			t.Errorf("WDFDEVICE kind = %q, want handle", e.Kind)
		}
	}
}

func TestStructLayoutAssertions(t *testing.T) {
	out := emitSrc(t, kernelSurface, Policy{})
	src := string(out.Source)
	if !strings.Contains(src, "_ [4]byte") {
		t.Errorf("missing explicit padding between Flags and Buffer:\n%s", src)
	}
	if !strings.Contains(src, "unsafe.Sizeof") || !strings.Contains(src, "unsafe.Offsetof") {
		t.Error("missing layout assertions")
	}
	if !strings.Contains(src, "_layout__DEVICE_CONTEXT") {
		t.Error("missing layout probe variable")
	}
}

func TestConventionsPreserved(t *testing.T) {
	out := emitSrc(t, kernelSurface, Policy{})
	src := string(out.Source)
	if !strings.Contains(src, "CallStdcall") || !strings.Contains(src, "CallCdecl") {
		t.Error("convention tags missing from registration table")
	}
	conv := map[string]string{}
	for _, e := range out.Emitted {
		if e.Kind == "function" {
			conv[e.Name] = e.Convention
		}
	}
	if conv["WdfDeviceCreate"] != "stdcall" {
		t.Errorf("WdfDeviceCreate convention = %q, want stdcall", conv["WdfDeviceCreate"])
	}
	if conv["DbgPrintVariant"] != "cdecl" {
		t.Errorf("DbgPrintVariant convention = %q, want cdecl", conv["DbgPrintVariant"])
	}
}

func TestVariadicParamsErased(t *testing.T) {
	out := emitSrc(t, kernelSurface, Policy{})
	if !strings.Contains(string(out.Source), "args ...uintptr") {
		t.Error("variadic tail not emitted as ...uintptr")
	}
}

func TestArrayParamsEmittedAsPointers(t *testing.T) {
	out := emitSrc(t, `
typedef unsigned long ULONG;
void __stdcall FlushTable(ULONG Table[4]);
`, Policy{})
	src := string(out.Source)
	if !strings.Contains(src, "Table *ULONG") {
		t.Errorf("array parameter must pass by address:\n%s", src)
	}
	if strings.Contains(src, "Table [4]ULONG") {
		t.Error("array parameter emitted by value")
	}
}

func TestOptionalParamsDocumented(t *testing.T) {
	out := emitSrc(t, `
typedef long NTSTATUS;
typedef void *PVOID;
NTSTATUS __stdcall IoAttach(_In_ PVOID Target, _In_opt_ PVOID Context);
`, Policy{})
	src := string(out.Source)
	if !strings.Contains(src, "Nullable arguments: Context") {
		t.Errorf("optional annotation not surfaced in documentation:\n%s", src)
	}
}

func TestEmitX86Profile(t *testing.T) {
	toks, lexErrs := lexer.Lex("ntddk.h", []byte(kernelSurface))
	if len(lexErrs) > 0 {
		t.Fatalf("lex errors: %v", lexErrs)
	}
	parsed := parser.Parse(toks)
	if parsed.Failed() {
		t.Fatalf("parse errors: %v", parsed.Errors)
	}
	x86 := target.Profile{Arch: target.X86, OSFloor: target.Win10}
	res := layout.Resolve(parsed.Decls, x86)
	if res.Failed() {
		t.Fatalf("layout errors: %v", res.Errors)
	}
	out, err := Emit(parsed.Decls, res, Options{Package: "km", Policy: Policy{}})
	if err != nil {
		t.Fatalf("Emit failed under x86 profile: %v", err)
	}

	// 4-byte pointers: Buffer lands at offset 4 and the handle records
	// the target's pointer size, not the generator host's.
	for _, e := range out.Emitted {
		switch e.Name {
		case "WDFDEVICE":
			if e.Size != 4 || e.Align != 4 {
				t.Errorf("WDFDEVICE size/align = %d/%d, want 4/4", e.Size, e.Align)
			}
		case "_DEVICE_CONTEXT":
			if e.Size != 8 {
				t.Errorf("_DEVICE_CONTEXT size = %d, want 8", e.Size)
			}
		}
	}
	if strings.Contains(string(out.Source), "_ [4]byte") {
		t.Error("unexpected padding between 4-byte fields on x86")
	}
}

func TestUnionRawStorage(t *testing.T) {
	out := emitSrc(t, `
typedef unsigned long ULONG;
typedef unsigned __int64 ULONG64;
typedef union _VALUE { ULONG Low; ULONG64 Full; } VALUE;
`, Policy{})
	src := string(out.Source)
	if !strings.Contains(src, "raw [8]byte") {
		t.Errorf("union not emitted as raw storage:\n%s", src)
	}
	// Members are documented, not accessible.
	if !strings.Contains(src, "Low") || !strings.Contains(src, "Full") {
		t.Error("union member documentation missing")
	}
}

func TestPackedStructRawStorage(t *testing.T) {
	out := emitSrc(t, `
typedef unsigned char UCHAR;
typedef unsigned __int64 ULONG64;
#pragma pack(push, 1)
typedef struct _WIRE { UCHAR tag; ULONG64 value; } WIRE;
#pragma pack(pop)
`, Policy{})
	src := string(out.Source)
	if !strings.Contains(src, "raw [9]byte") {
		t.Errorf("packed struct not emitted as raw storage:\n%s", src)
	}
	if !strings.Contains(src, "Off__WIRE_value = 1") {
		t.Errorf("offset constants missing:\n%s", src)
	}
}

func TestOpaquePolicyType(t *testing.T) {
	out := emitSrc(t, `
typedef unsigned long ULONG;
typedef struct _KSPIN_LOCK_INTERNAL { ULONG state; } KSPIN_LOCK_INTERNAL;
`, Policy{OpaqueTypes: []string{"_KSPIN_LOCK_INTERNAL"}})
	src := string(out.Source)
	if strings.Contains(src, "state") {
		t.Error("opaque type leaked a field")
	}
	if !strings.Contains(src, "raw [4]byte") {
		t.Errorf("opaque type missing raw storage:\n%s", src)
	}
}

func TestDenyHeaderSuppresses(t *testing.T) {
	out := emitSrc(t, `
typedef unsigned long ULONG;
ULONG __stdcall KeptRoutine(ULONG x);
`, Policy{DenyHeaders: []string{"NTDDK.H"}})
	if strings.Contains(string(out.Source), "KeptRoutine") {
		t.Error("deny-header match is case-sensitive; should suppress NTDDK.H vs ntddk.h")
	}
	if len(out.Suppressed) == 0 {
		t.Error("no suppression records for denied header")
	}
}

func TestEnumStyles(t *testing.T) {
	src := `
typedef enum _WDF_STATE { StateOff = 0, StateOn = 1 } WDF_STATE;
typedef enum _WDF_FLAGS { FlagA = 1, FlagB = 2 } WDF_FLAGS;
typedef enum _WDF_MODE { ModeX = 0 } WDF_MODE;
`
	out := emitSrc(t, src, Policy{
		ConstifiedEnums: []string{"_WDF_STATE"},
		BitfieldEnums:   []string{"_WDF_FLAGS"},
	})
	text := string(out.Source)
	if !strings.Contains(text, "type _WDF_STATE = int32") {
		t.Errorf("constified enum should be a type alias:\n%s", text)
	}
	if !strings.Contains(text, "type _WDF_FLAGS int32") {
		t.Error("bitfield enum should be a distinct type")
	}
	// Default style is newtype: distinct type.
	if !strings.Contains(text, "type _WDF_MODE int32") {
		t.Error("default enum style should be newtype")
	}
}

func TestConstDecls(t *testing.T) {
	decls, res := prepare(t, "typedef unsigned long ULONG;")
	decls = append(decls,
		&ast.ConstDecl{Base: ast.Base{Name: "PAGE_SIZE", Pos: token.Pos{File: "ntddk.h"}}, Value: 0x1000},
		&ast.ConstDecl{Base: ast.Base{Name: "SMALL", Pos: token.Pos{File: "ntddk.h"}}, Value: 4},
	)
	out, err := Emit(decls, res, Options{Package: "km", Policy: Policy{}})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	src := string(out.Source)
	if !strings.Contains(src, "PAGE_SIZE = 0x1000") {
		t.Errorf("hex constant formatting:\n%s", src)
	}
	if !strings.Contains(src, "SMALL = 4") {
		t.Error("decimal constant formatting")
	}
}

func TestGeneratedSourceHeader(t *testing.T) {
	out := emitSrc(t, "typedef unsigned long ULONG;", Policy{})
	if !strings.HasPrefix(string(out.Source), "// Code generated by km-bindgen. DO NOT EDIT.") {
		t.Errorf("missing generated-code header:\n%.120s", out.Source)
	}
}

func TestValidatorCatchesBadSource(t *testing.T) {
	verrs := NewCodeValidator("bindings.go", "amd64").Validate("package km\n\nvar x undefinedType\n")
	if len(verrs) == 0 {
		t.Fatal("expected validation errors for undefined type")
	}
}
