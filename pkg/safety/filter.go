// Package safety screens generated source code against a deny-list of
// destructive operations before it is written to disk or executed.
//
// The scan is textual. Each rule is a regular expression matched against
// the raw source, so it cannot tell code from comments or string literals
// and it cannot follow aliasing (from os import remove), indirection
// (getattr(os, "remove")) or equivalent operations spelled differently.
// It is a best-effort tripwire and not an isolation boundary; runners that
// need containment must provide it themselves.
package safety

import (
	"fmt"
	"regexp"

	"github.com/rhuss/taskrun/pkg/debug"
	"github.com/rhuss/taskrun/pkg/observability"
)

// Rule is one deny-list entry.
type Rule struct {
	Name        string
	Description string
	Pattern     *regexp.Regexp
}

// DefaultRules covers single-file and recursive deletion in their common
// Python spellings, plus shell rm with recursive or force flags.
var DefaultRules = []Rule{
	{
		Name:        "os.remove",
		Description: "single file deletion",
		Pattern:     regexp.MustCompile(`\bos\.remove\s*\(`),
	},
	{
		Name:        "os.unlink",
		Description: "single file deletion",
		Pattern:     regexp.MustCompile(`\bos\.unlink\s*\(`),
	},
	{
		Name:        "path.unlink",
		Description: "pathlib file deletion",
		Pattern:     regexp.MustCompile(`\)\s*\.unlink\s*\(|\b[A-Za-z_]\w*\.unlink\s*\(`),
	},
	{
		Name:        "shutil.rmtree",
		Description: "recursive directory deletion",
		Pattern:     regexp.MustCompile(`\bshutil\.rmtree\s*\(`),
	},
	{
		Name:        "os.removedirs",
		Description: "recursive directory deletion",
		Pattern:     regexp.MustCompile(`\bos\.removedirs\s*\(`),
	},
	{
		Name:        "os.rmdir",
		Description: "directory deletion",
		Pattern:     regexp.MustCompile(`\bos\.rmdir\s*\(`),
	},
	{
		Name:        "shell.rm",
		Description: "shell deletion with recursive or force flags",
		Pattern:     regexp.MustCompile(`\brm\s+-[A-Za-z]*[rRf]`),
	},
}

// Filter applies a fixed set of rules.
type Filter struct {
	rules []Rule
}

// New returns a Filter with DefaultRules plus one rule per extra pattern.
func New(extra ...string) (*Filter, error) {
	rules := make([]Rule, 0, len(DefaultRules)+len(extra))
	rules = append(rules, DefaultRules...)
	for i, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("safety: compiling deny pattern %d %q: %w", i, p, err)
		}
		rules = append(rules, Rule{
			Name:        fmt.Sprintf("custom.%d", i),
			Description: "configured deny pattern",
			Pattern:     re,
		})
	}
	return &Filter{rules: rules}, nil
}

// Rules returns the active rules in evaluation order.
func (f *Filter) Rules() []Rule {
	return f.rules
}

// ContainsForbiddenOperation reports whether src matches any rule.
func (f *Filter) ContainsForbiddenOperation(src string) bool {
	_, found := f.Match(src)
	return found
}

// Match returns the first rule that matches src.
func (f *Filter) Match(src string) (Rule, bool) {
	for _, r := range f.rules {
		if r.Pattern.MatchString(src) {
			observability.ForbiddenCodeTotal.WithLabelValues(r.Name).Inc()
			debug.Log("safety", "deny rule matched", "rule", r.Name)
			return r, true
		}
	}
	return Rule{}, false
}
