// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package hub

import "os"

// CurrentThread falls back to the process id where thread ids are not
// available; hooking is unsupported there.
func CurrentThread() int { return os.Getpid() }
