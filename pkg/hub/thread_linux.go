// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package hub

import "golang.org/x/sys/unix"

// CurrentThread returns the kernel thread id of the calling thread. Callers
// that need a stable answer across calls must hold runtime.LockOSThread.
func CurrentThread() int { return unix.Gettid() }
