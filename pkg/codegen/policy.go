package codegen

import (
	"fmt"
	"regexp"
	"strings"
)

// Policy is the allow/deny surface configured once per run and consulted
// read-only during emission. Allow entries are anchored regular
// expressions, matching bindgen allowlist semantics; an empty allow list
// for a category admits everything in it.
type Policy struct {
	AllowFunctions []string
	AllowTypes     []string
	AllowVars      []string

	DenyNames   []string
	DenyHeaders []string

	// OpaqueTypes are emitted sized-but-content-hidden: size and alignment
	// preserved, field access structurally impossible.
	OpaqueTypes []string

	// Enum emission styles. Names absent from all three lists use the
	// newtype default.
	BitfieldEnums   []string
	ConstifiedEnums []string
	NewtypeEnums    []string
}

// PolicyConflict reports a name matched by both an allow and a deny rule.
// It aborts the run before any output is written.
type PolicyConflict struct {
	Name      string
	AllowRule string
	DenyRule  string
}

func (e *PolicyConflict) Error() string {
	return fmt.Sprintf("policy conflict: %q matches allow rule %q and deny rule %q",
		e.Name, e.AllowRule, e.DenyRule)
}

type ruleSet struct {
	rules []*regexp.Regexp
	raw   []string
}

func compileRules(patterns []string) (*ruleSet, error) {
	rs := &ruleSet{raw: patterns}
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("bad policy pattern %q: %w", p, err)
		}
		rs.rules = append(rs.rules, re)
	}
	return rs, nil
}

// match returns the first matching raw rule, or "".
func (rs *ruleSet) match(name string) string {
	for i, re := range rs.rules {
		if re.MatchString(name) {
			return rs.raw[i]
		}
	}
	return ""
}

func (rs *ruleSet) empty() bool { return len(rs.rules) == 0 }

type compiledPolicy struct {
	allowFuncs *ruleSet
	allowTypes *ruleSet
	allowVars  *ruleSet
	denyNames  *ruleSet
	denyHdrs   map[string]bool
	opaque     map[string]bool

	bitfield   map[string]bool
	constified map[string]bool
	newtype    map[string]bool
}

func (p Policy) compile() (*compiledPolicy, error) {
	cp := &compiledPolicy{
		denyHdrs:   make(map[string]bool),
		opaque:     make(map[string]bool),
		bitfield:   toSet(p.BitfieldEnums),
		constified: toSet(p.ConstifiedEnums),
		newtype:    toSet(p.NewtypeEnums),
	}
	var err error
	if cp.allowFuncs, err = compileRules(p.AllowFunctions); err != nil {
		return nil, err
	}
	if cp.allowTypes, err = compileRules(p.AllowTypes); err != nil {
		return nil, err
	}
	if cp.allowVars, err = compileRules(p.AllowVars); err != nil {
		return nil, err
	}
	if cp.denyNames, err = compileRules(p.DenyNames); err != nil {
		return nil, err
	}
	for _, h := range p.DenyHeaders {
		cp.denyHdrs[strings.ToLower(h)] = true
	}
	for _, n := range p.OpaqueTypes {
		cp.opaque[n] = true
	}
	return cp, nil
}

func toSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// checkConflicts scans the declaration names against every allow list and
// the deny rules, failing on the first name claimed by both.
func (cp *compiledPolicy) checkConflicts(names []string) error {
	for _, name := range names {
		deny := cp.denyNames.match(name)
		if deny == "" {
			continue
		}
		for _, allow := range []*ruleSet{cp.allowFuncs, cp.allowTypes, cp.allowVars} {
			if rule := allow.match(name); rule != "" {
				return &PolicyConflict{Name: name, AllowRule: rule, DenyRule: deny}
			}
		}
	}
	return nil
}

func (cp *compiledPolicy) deniedHeader(header string) bool {
	return cp.denyHdrs[strings.ToLower(header)]
}
