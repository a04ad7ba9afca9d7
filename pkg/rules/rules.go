// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package rules parses and evaluates path rules, the selectors that decide
// which caller and callee modules a hook task applies to.
//
// A pattern is a module path optionally pinned to one loaded instance:
//
//	libfoo.so
//	/system/lib64/libfoo.so
//	libfoo.so@0x7f12a000%0x2
//
// Qualifiers are split from the right. A qualifier that is not valid hex is
// kept as part of the path. Absolute paths must match exactly; anything
// else matches as a suffix of the module path.
package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mbeema/plthook/pkg/modules"
)

// ErrInvalid is returned for malformed rules.
var ErrInvalid = errors.New("invalid path rule")

// Kind selects what a rule filters.
type Kind int

const (
	// Caller restricts the modules whose GOT slots are patched.
	Caller Kind = iota + 1
	// Callee restricts the defining module the slot must resolve to.
	Callee
	// Ignore excludes caller modules.
	Ignore
)

func (k Kind) String() string {
	switch k {
	case Caller:
		return "caller"
	case Callee:
		return "callee"
	case Ignore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Pattern matches loaded modules.
type Pattern struct {
	Path        string
	Base        uintptr
	HasBase     bool
	Instance    uint32
	HasInstance bool
}

// ParsePattern parses path[@0xBASE][%0xINSTANCE].
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrInvalid)
	}

	var p Pattern
	rest := s
	if i := strings.LastIndexByte(rest, '%'); i >= 0 {
		if v, ok := parseHex(rest[i+1:]); ok && v <= 0xffffffff {
			p.Instance, p.HasInstance = uint32(v), true
			rest = rest[:i]
		}
	}
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		if v, ok := parseHex(rest[i+1:]); ok {
			p.Base, p.HasBase = uintptr(v), true
			rest = rest[:i]
		}
	}
	if rest == "" {
		return Pattern{}, fmt.Errorf("%w: %q has no path", ErrInvalid, s)
	}
	p.Path = rest
	return p, nil
}

func parseHex(s string) (uint64, bool) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// MustPattern is ParsePattern for literals; it panics on error.
func MustPattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) String() string {
	var b strings.Builder
	b.WriteString(p.Path)
	if p.HasBase {
		fmt.Fprintf(&b, "@0x%x", p.Base)
	}
	if p.HasInstance {
		fmt.Fprintf(&b, "%%0x%x", p.Instance)
	}
	return b.String()
}

// MatchPath compares only the path part.
func (p Pattern) MatchPath(path string) bool {
	if p.Path == "" || path == "" {
		return false
	}
	if strings.HasPrefix(p.Path, "/") {
		return path == p.Path
	}
	return strings.HasSuffix(path, p.Path)
}

// Match compares path and any pinned base or instance.
func (p Pattern) Match(m modules.Module) bool {
	if !p.MatchPath(m.Path) {
		return false
	}
	if p.HasBase && p.Base != m.Base {
		return false
	}
	if p.HasInstance && p.Instance != m.Instance {
		return false
	}
	return true
}

// Rule is one selector of a task's rule set.
type Rule struct {
	Kind    Kind
	Pattern Pattern
}

// Parse reads "kind:pattern", for example "caller:libfoo.so@0x7000".
func Parse(s string) (Rule, error) {
	kind, pattern, ok := strings.Cut(s, ":")
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q lacks a kind prefix", ErrInvalid, s)
	}
	var r Rule
	switch strings.TrimSpace(kind) {
	case "caller":
		r.Kind = Caller
	case "callee":
		r.Kind = Callee
	case "ignore":
		r.Kind = Ignore
	default:
		return Rule{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
	p, err := ParsePattern(pattern)
	if err != nil {
		return Rule{}, err
	}
	r.Pattern = p
	return r, nil
}

// New builds a rule from a kind and pattern text.
func New(kind Kind, pattern string) (Rule, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return Rule{}, err
	}
	r := Rule{Kind: kind, Pattern: p}
	return r, r.Validate()
}

func (r Rule) String() string {
	return r.Kind.String() + ":" + r.Pattern.String()
}

// Validate checks kind and pattern.
func (r Rule) Validate() error {
	if r.Kind < Caller || r.Kind > Ignore {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalid, int(r.Kind))
	}
	if r.Pattern.Path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalid)
	}
	return nil
}

// Set is the rule set of one task.
type Set []Rule

// ParseSet parses each rule string.
func ParseSet(specs ...string) (Set, error) {
	out := make(Set, 0, len(specs))
	for _, s := range specs {
		r, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Validate checks every rule.
func (s Set) Validate() error {
	for _, r := range s {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s Set) of(kind Kind) []Pattern {
	var out []Pattern
	for _, r := range s {
		if r.Kind == kind {
			out = append(out, r.Pattern)
		}
	}
	return out
}

// Callees returns the callee patterns.
func (s Set) Callees() []Pattern { return s.of(Callee) }

// AllowsCaller reports whether the caller module passes the Ignore rules and,
// when any Caller rules exist, matches one of them.
func (s Set) AllowsCaller(m modules.Module) bool {
	if MatchAny(s.of(Ignore), m) {
		return false
	}
	callers := s.of(Caller)
	return len(callers) == 0 || MatchAny(callers, m)
}

// MatchAny reports whether any pattern matches m.
func MatchAny(ps []Pattern, m modules.Module) bool {
	for _, p := range ps {
		if p.Match(m) {
			return true
		}
	}
	return false
}
