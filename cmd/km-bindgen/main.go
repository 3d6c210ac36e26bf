// km-bindgen generates kernel-mode FFI bindings from a configuration header.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/NZXTCorp/km-wrappers/config"
	"github.com/NZXTCorp/km-wrappers/pkg/ast"
	"github.com/NZXTCorp/km-wrappers/pkg/codegen"
	"github.com/NZXTCorp/km-wrappers/pkg/layout"
	"github.com/NZXTCorp/km-wrappers/pkg/manifest"
	"github.com/NZXTCorp/km-wrappers/pkg/parser"
	"github.com/NZXTCorp/km-wrappers/pkg/preprocessor"
	"github.com/NZXTCorp/km-wrappers/pkg/target"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configDir := flag.String("C", "", "Directory containing bindgen.toml (default: search upward from cwd)")
	strictMacros := flag.Bool("strict-macros", false, "Treat unknown macros in conditionals as errors")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: km-bindgen [options]\n\n")
		fmt.Fprintf(os.Stderr, "Generates Go kernel bindings and an audit manifest from the\n")
		fmt.Fprintf(os.Stderr, "configuration header named in bindgen.toml.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *verbose {
		commonlog.Configure(1, nil)
	} else {
		commonlog.Configure(0, nil)
	}

	if err := run(*configDir, *strictMacros); err != nil {
		fmt.Fprintf(os.Stderr, "km-bindgen: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir string, strictMacros bool) error {
	cfg, err := loadConfig(configDir)
	if err != nil {
		return err
	}

	profile, err := cfg.Profile()
	if err != nil {
		return err
	}

	pre, err := preprocess(cfg, profile, strictMacros)
	if err != nil {
		return err
	}

	parsed := parser.Parse(pre.Tokens)
	if parsed.Failed() {
		for _, perr := range parsed.Errors {
			fmt.Fprintf(os.Stderr, "km-bindgen: %v\n", perr)
		}
		return fmt.Errorf("%d parse errors, no output written", len(parsed.Errors))
	}

	decls := parsed.Decls
	for _, c := range pre.Constants {
		decls = append(decls, &ast.ConstDecl{
			Base:  ast.Base{Name: c.Name, Pos: c.Pos},
			Value: c.Value,
		})
	}

	resolved := layout.Resolve(decls, profile)
	if resolved.Failed() {
		for _, lerr := range resolved.Errors {
			fmt.Fprintf(os.Stderr, "km-bindgen: %v\n", lerr)
		}
		return fmt.Errorf("%d layout errors, no output written", len(resolved.Errors))
	}

	out, err := codegen.Emit(decls, resolved, codegen.Options{
		Package: cfg.Output.Package,
		Policy:  cfg.EmitPolicy(),
	})
	if err != nil {
		return err
	}

	mf := manifest.Build(profile, pre, out)
	mfBytes, err := manifest.Marshal(mf)
	if err != nil {
		return err
	}

	// Both artifacts or neither: the manifest must describe the bindings
	// actually on disk.
	if err := os.WriteFile(cfg.BindingsPath(), out.Source, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(cfg.ManifestPath(), mfBytes, 0o644); err != nil {
		os.Remove(cfg.BindingsPath())
		return err
	}

	fmt.Printf("wrote %s (%d declarations, %d suppressed)\n",
		cfg.BindingsPath(), len(out.Emitted), len(out.Suppressed))
	return nil
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(cwd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("no %s found from %s upward", config.FileName, cwd)
	}
	return cfg, nil
}

func preprocess(cfg *config.Config, profile target.Profile, strictMacros bool) (*preprocessor.Result, error) {
	inc := &preprocessor.DirIncluder{Dirs: cfg.IncludeDirPaths()}
	pp := preprocessor.New(profile, inc, preprocessor.Options{
		StrictMacros:   strictMacros || cfg.Input.StrictMacros,
		MinimumOSFloor: target.Win7,
		Defines:        cfg.Input.Defines,
	})
	return pp.Run(cfg.HeaderPath())
}
