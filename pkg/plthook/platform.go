// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package plthook

import (
	"fmt"

	"github.com/mbeema/plthook/pkg/hub"
	"github.com/mbeema/plthook/pkg/modules"
	"github.com/mbeema/plthook/pkg/procmem"
	"github.com/mbeema/plthook/pkg/refresh"
)

// Platform bundles what the engine needs from the process it runs in.
type Platform struct {
	Memory      procmem.Memory
	Protector   procmem.Protector
	Modules     modules.Source
	Trampolines hub.Allocator
	// Events is optional; without it automatic mode relies on sweeps.
	Events refresh.EventSource
	// SelfTest checks that faults on guarded accesses are recovered.
	SelfTest func() error
}

func (p Platform) validate() error {
	switch {
	case p.Memory == nil:
		return fmt.Errorf("%w: platform has no memory", ErrUnsupportedPlatform)
	case p.Protector == nil:
		return fmt.Errorf("%w: platform has no protector", ErrUnsupportedPlatform)
	case p.Modules == nil:
		return fmt.Errorf("%w: platform has no module source", ErrUnsupportedPlatform)
	case p.Trampolines == nil:
		return fmt.Errorf("%w: platform has no trampoline allocator", ErrUnsupportedPlatform)
	}
	return nil
}
