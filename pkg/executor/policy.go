package executor

import (
	"regexp"
	"strings"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/debug"
)

// DefaultBuiltinModules are declared dependencies that never need
// installing because they ship with the interpreter.
var DefaultBuiltinModules = []string{
	"argparse", "base64", "calendar", "collections", "csv", "datetime",
	"decimal", "email", "functools", "glob", "gzip", "hashlib", "html",
	"http", "io", "itertools", "json", "logging", "math", "os", "pathlib",
	"random", "re", "shutil", "sqlite3", "statistics", "string",
	"subprocess", "sys", "tempfile", "textwrap", "time", "typing",
	"unicodedata", "urllib", "uuid", "xml", "zipfile",
}

// AllowAll as the only allow-list entry permits any well-formed name.
const AllowAll = "*"

var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
var separatorRun = regexp.MustCompile(`[-_.]+`)

// DependencyPolicy decides which declared dependencies get installed.
type DependencyPolicy struct {
	enabled  bool
	allowAll bool
	allowed  map[string]bool
	builtins map[string]bool
}

// NewDependencyPolicy creates a policy. With enabled false every declared
// dependency is ignored. Otherwise non-builtin names must appear in allowed.
func NewDependencyPolicy(enabled bool, allowed, extraBuiltins []string) *DependencyPolicy {
	p := &DependencyPolicy{
		enabled:  enabled,
		allowed:  make(map[string]bool, len(allowed)),
		builtins: make(map[string]bool, len(DefaultBuiltinModules)+len(extraBuiltins)),
	}
	for _, name := range allowed {
		if name == AllowAll {
			p.allowAll = true
			continue
		}
		p.allowed[NormalizePackageName(name)] = true
	}
	for _, name := range DefaultBuiltinModules {
		p.builtins[name] = true
	}
	for _, name := range extraBuiltins {
		p.builtins[strings.TrimSpace(name)] = true
	}
	return p
}

// Enabled reports whether provisioning is active.
func (p *DependencyPolicy) Enabled() bool {
	return p != nil && p.enabled
}

// Plan returns the packages to install for the declared modules, in
// declaration order without duplicates. Names that are malformed or not
// allow-listed fail with a dependency install error.
func (p *DependencyPolicy) Plan(modules []string) ([]string, error) {
	if !p.Enabled() {
		if len(modules) > 0 {
			debug.Log("executor", "provisioning disabled, ignoring dependencies", "modules", modules)
		}
		return nil, nil
	}

	seen := make(map[string]bool, len(modules))
	var plan []string
	for _, raw := range modules {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		top, _, _ := strings.Cut(name, ".")
		if p.builtins[name] || p.builtins[top] {
			continue
		}
		if !packageNamePattern.MatchString(name) {
			return nil, api.NewDependencyInstallError(name, "dependency name is not a valid package name: "+name)
		}
		norm := NormalizePackageName(name)
		if !p.allowAll && !p.allowed[norm] {
			return nil, api.NewDependencyInstallError(name, "dependency is not in the allowed package list: "+name)
		}
		if seen[norm] {
			continue
		}
		seen[norm] = true
		plan = append(plan, name)
	}
	return plan, nil
}

// NormalizePackageName lower-cases name and collapses runs of "-", "_" and
// "." into a single "-", the way package indexes compare names.
func NormalizePackageName(name string) string {
	return separatorRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}
