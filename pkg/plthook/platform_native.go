// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux && cgo && (amd64 || arm64)

package plthook

import (
	"github.com/mbeema/plthook/pkg/modules"
	"github.com/mbeema/plthook/pkg/native"
	"github.com/mbeema/plthook/pkg/procmem"
)

// NativePlatform returns the platform of the calling process: memory and
// protection through procmem.Self, modules from /proc/self/maps, native
// trampolines and the dynamic loader proxies.
func NativePlatform() (Platform, error) {
	self := procmem.NewSelf()
	return Platform{
		Memory:      self,
		Protector:   self,
		Modules:     &modules.MapsSource{Reader: self},
		Trampolines: native.DefaultAllocator(),
		Events:      native.LoaderEvents{},
		SelfTest:    self.ProbeFaultRecovery,
	}, nil
}
