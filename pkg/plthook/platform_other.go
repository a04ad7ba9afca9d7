// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux || !cgo || !(amd64 || arm64)

package plthook

import (
	"fmt"

	"github.com/mbeema/plthook/pkg/native"
)

// NativePlatform fails where native trampolines are unavailable. Use
// WithPlatform to supply one.
func NativePlatform() (Platform, error) {
	return Platform{}, fmt.Errorf("%w: %v", ErrUnsupportedPlatform, native.ErrUnsupported)
}
