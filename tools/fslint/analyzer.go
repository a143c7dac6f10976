// Package fslint reports direct filesystem calls in packages that are meant
// to go through an injected afero.Fs (util.Env or controlfs) instead.
package fslint

import (
	"fmt"
	"go/ast"
	"go/token"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/tools/go/analysis"
)

// DefaultHint is appended to every report unless the config sets hint.
const DefaultHint = "use an injected afero.Fs instead"

var configFile string

// Config represents the fslint configuration.
type Config struct {
	ScanDirs        []string            `toml:"scan_dirs"`
	AllowedPackages []string            `toml:"allowed_packages"`
	ForbiddenCalls  map[string][]string `toml:"forbidden_calls"`
	// AllowedCalls exempts single calls, written "os.Remove", in the
	// packages matching each key.
	AllowedCalls map[string][]string `toml:"allowed_calls"`
	SkipTests    bool                `toml:"skip_tests"`
	Hint         string              `toml:"hint"`
}

// Analyzer is the fslint analyzer.
var Analyzer = &analysis.Analyzer{
	Name: "fslint",
	Doc:  "reports direct filesystem calls outside the packages allowed to make them",
	Run:  run,
}

func init() {
	Analyzer.Flags.StringVar(&configFile, "config", "", "path to fslint config file (required)")
}

func loadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required (use -config flag)")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Hint == "" {
		cfg.Hint = DefaultHint
	}

	return &cfg, nil
}

func run(pass *analysis.Pass) (interface{}, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}

	pkgPath := pass.Pkg.Path()
	if !shouldScanPackage(pkgPath, cfg.ScanDirs) || isAllowedPackage(pkgPath, cfg.AllowedPackages) {
		return nil, nil
	}

	forbidden := cfg.forbiddenFor(pkgPath)
	for _, file := range pass.Files {
		if cfg.SkipTests && strings.HasSuffix(pass.Fset.File(file.Pos()).Name(), "_test.go") {
			continue
		}
		checkFile(file, forbidden, func(pos token.Pos, call string) {
			pass.Reportf(pos, "direct filesystem operation %s is not allowed in this package (%s)", call, cfg.Hint)
		})
	}

	return nil, nil
}

// forbiddenFor returns the forbidden calls keyed by import path, minus the
// calls allowed for pkgPath.
func (c *Config) forbiddenFor(pkgPath string) map[string]map[string]bool {
	allowed := make(map[string]bool)
	for pattern, calls := range c.AllowedCalls {
		if !matchesPackagePath(pkgPath, pattern) {
			continue
		}
		for _, call := range calls {
			allowed[call] = true
		}
	}

	forbidden := make(map[string]map[string]bool)
	for pkg, funcs := range c.ForbiddenCalls {
		base := pkg[strings.LastIndex(pkg, "/")+1:]
		set := make(map[string]bool)
		for _, fn := range funcs {
			if allowed[base+"."+fn] {
				continue
			}
			set[fn] = true
		}
		forbidden[pkg] = set
	}
	return forbidden
}

// checkFile calls report for each call in file that appears in forbidden.
func checkFile(file *ast.File, forbidden map[string]map[string]bool, report func(pos token.Pos, call string)) {
	imports := buildImportMap(file)

	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		ident, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}

		importPath, ok := imports[ident.Name]
		if !ok {
			return true
		}
		if forbidden[importPath][sel.Sel.Name] {
			report(call.Pos(), ident.Name+"."+sel.Sel.Name)
		}
		return true
	})
}

// shouldScanPackage checks if the package path should be scanned based on scan_dirs config.
func shouldScanPackage(pkgPath string, scanDirs []string) bool {
	for _, dir := range scanDirs {
		if strings.Contains(pkgPath, "/"+dir) || strings.HasPrefix(pkgPath, dir) {
			return true
		}
	}
	return false
}

// isAllowedPackage checks if pkgPath matches any allowed package or is a subpackage of it.
func isAllowedPackage(pkgPath string, allowedPackages []string) bool {
	for _, allowed := range allowedPackages {
		if matchesPackagePath(pkgPath, allowed) {
			return true
		}
	}
	return false
}

// matchesPackagePath reports whether pkgPath is pattern, ends with it, or
// is a subpackage of it. "internal/server" matches
// ".../internal/server/sub" but not ".../internal/serverless".
func matchesPackagePath(pkgPath, pattern string) bool {
	return strings.HasSuffix(pkgPath, "/"+pattern) ||
		strings.Contains(pkgPath, "/"+pattern+"/") ||
		pkgPath == pattern ||
		strings.HasPrefix(pkgPath, pattern+"/")
}

// buildImportMap maps each local import name to its path. Blank and dot
// imports are skipped since they cannot appear as a selector.
func buildImportMap(file *ast.File) map[string]string {
	imports := make(map[string]string)
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		name := path[strings.LastIndex(path, "/")+1:]
		if imp.Name != nil {
			name = imp.Name.Name
		}
		if name == "_" || name == "." {
			continue
		}
		imports[name] = path
	}
	return imports
}
