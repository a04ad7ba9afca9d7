// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux || !cgo || !(amd64 || arm64)

package native

import "github.com/mbeema/plthook/pkg/hub"

// Supported reports whether native trampolines are available.
const Supported = false

// Template returns nil; there is no native template on this platform.
func Template() []byte { return nil }

// Allocator fails every allocation on this platform.
type Allocator struct{}

// DefaultAllocator returns the process-wide allocator.
func DefaultAllocator() *Allocator { return &Allocator{} }

// Alloc implements hub.Allocator.
func (*Allocator) Alloc(hub.Dispatcher) (hub.Trampoline, error) { return nil, ErrUnsupported }
