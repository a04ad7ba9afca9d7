// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package rules

import (
	"errors"
	"testing"

	"github.com/mbeema/plthook/pkg/modules"
)

func TestParsePattern(t *testing.T) {
	tests := []struct {
		in       string
		path     string
		base     uintptr
		hasBase  bool
		instance uint32
		hasInst  bool
	}{
		{in: "libfoo.so", path: "libfoo.so"},
		{in: "libfoo.so@0x7000", path: "libfoo.so", base: 0x7000, hasBase: true},
		{in: "libfoo.so%0x2", path: "libfoo.so", instance: 2, hasInst: true},
		{in: "/lib/libfoo.so@0x7000%0x2", path: "/lib/libfoo.so", base: 0x7000, hasBase: true, instance: 2, hasInst: true},
		{in: "lib@home.so", path: "lib@home.so"},
		{in: "libfoo.so@zz%0x1", path: "libfoo.so@zz", instance: 1, hasInst: true},
	}
	for _, tt := range tests {
		p, err := ParsePattern(tt.in)
		if err != nil {
			t.Errorf("ParsePattern(%q): %v", tt.in, err)
			continue
		}
		if p.Path != tt.path || p.Base != tt.base || p.HasBase != tt.hasBase ||
			p.Instance != tt.instance || p.HasInstance != tt.hasInst {
			t.Errorf("ParsePattern(%q) = %+v", tt.in, p)
		}
	}
}

func TestParsePatternInvalid(t *testing.T) {
	for _, in := range []string{"", "   ", "@0x1000", "%0x1", "@0x1000%0x1"} {
		if _, err := ParsePattern(in); !errors.Is(err, ErrInvalid) {
			t.Errorf("ParsePattern(%q) err = %v, want ErrInvalid", in, err)
		}
	}
}

func TestPatternRoundTrip(t *testing.T) {
	in := "libfoo.so@0x7000%0x2"
	if got := MustPattern(in).String(); got != in {
		t.Errorf("String() = %q, want %q", got, in)
	}
}

func TestPatternMatch(t *testing.T) {
	m := modules.Module{Path: "/system/lib64/libfoo.so", Base: 0x7000, Instance: 2}

	tests := []struct {
		pattern string
		want    bool
	}{
		{"libfoo.so", true},
		{"lib64/libfoo.so", true},
		{"/system/lib64/libfoo.so", true},
		{"/lib64/libfoo.so", false},
		{"libbar.so", false},
		{"libfoo.so@0x7000", true},
		{"libfoo.so@0x8000", false},
		{"libfoo.so%0x2", true},
		{"libfoo.so%0x1", false},
		{"libfoo.so@0x7000%0x2", true},
	}
	for _, tt := range tests {
		if got := MustPattern(tt.pattern).Match(m); got != tt.want {
			t.Errorf("%q.Match = %v, want %v", tt.pattern, got, tt.want)
		}
	}
}

func TestParseRule(t *testing.T) {
	r, err := Parse("callee:libc.so")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Kind != Callee || r.Pattern.Path != "libc.so" {
		t.Errorf("Parse = %+v", r)
	}
	if r.String() != "callee:libc.so" {
		t.Errorf("String() = %q", r.String())
	}

	for _, in := range []string{"libc.so", "other:libc.so", "caller:"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalid) {
			t.Errorf("Parse(%q) err = %v, want ErrInvalid", in, err)
		}
	}
}

func TestSetAllowsCaller(t *testing.T) {
	a := modules.Module{Path: "/lib/liba.so", Instance: 1}
	b := modules.Module{Path: "/lib/libb.so", Instance: 1}
	c := modules.Module{Path: "/lib/libc.so", Instance: 1}

	set, err := ParseSet("caller:liba.so", "caller:libb.so", "ignore:libb.so")
	if err != nil {
		t.Fatal(err)
	}
	if !set.AllowsCaller(a) {
		t.Error("liba.so should be allowed")
	}
	if set.AllowsCaller(b) {
		t.Error("libb.so is ignored")
	}
	if set.AllowsCaller(c) {
		t.Error("libc.so is not in the caller list")
	}

	ignoreOnly, _ := ParseSet("ignore:liba.so")
	if ignoreOnly.AllowsCaller(a) || !ignoreOnly.AllowsCaller(c) {
		t.Error("ignore-only set should exclude liba.so and allow the rest")
	}
	if len(Set{}.Callees()) != 0 {
		t.Error("empty set has no callees")
	}
}

func TestRuleValidate(t *testing.T) {
	if err := (Rule{Kind: 9, Pattern: MustPattern("x.so")}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate bad kind = %v", err)
	}
	if _, err := New(Caller, "x.so"); err != nil {
		t.Errorf("New: %v", err)
	}
}
