// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux && cgo && (amd64 || arm64)

package native

/*
#include <stdint.h>

extern uintptr_t plthook_orig_dlopen;
extern uintptr_t plthook_orig_android_dlopen_ext;
extern uintptr_t plthook_orig_dlclose;

void *plthook_proxy_dlopen(const char *name, int flags);
void *plthook_proxy_android_dlopen_ext(const char *name, int flags, const void *info);
int plthook_proxy_dlclose(void *handle);
*/
import "C"

import (
	"sync/atomic"
	"unsafe"

	"github.com/mbeema/plthook/pkg/modules"
	"github.com/mbeema/plthook/pkg/refresh"
)

var loaderHandler atomic.Pointer[func(modules.Event)]

//export plthookLoaderEvent
func plthookLoaderEvent(kind C.int, name *C.char, pre C.int, ok C.int) {
	h := loaderHandler.Load()
	if h == nil {
		return
	}
	ev := modules.Event{Kind: modules.EventKind(kind), Pre: pre != 0, OK: ok != 0}
	if name != nil {
		ev.Name = C.GoString(name)
	}
	(*h)(ev)
}

// LoaderEvents is the refresh.EventSource backed by the dlopen,
// android_dlopen_ext and dlclose proxies. There is one per process.
type LoaderEvents struct{}

// Hooks implements refresh.EventSource. The Orig cells alias the variables
// the proxies call through.
func (LoaderEvents) Hooks() []refresh.LoaderHook {
	return []refresh.LoaderHook{
		{
			Symbol: "dlopen",
			Proxy:  uintptr(unsafe.Pointer(C.plthook_proxy_dlopen)),
			Orig:   (*atomic.Uintptr)(unsafe.Pointer(&C.plthook_orig_dlopen)),
		},
		{
			Symbol: "android_dlopen_ext",
			Proxy:  uintptr(unsafe.Pointer(C.plthook_proxy_android_dlopen_ext)),
			Orig:   (*atomic.Uintptr)(unsafe.Pointer(&C.plthook_orig_android_dlopen_ext)),
		},
		{
			Symbol: "dlclose",
			Proxy:  uintptr(unsafe.Pointer(C.plthook_proxy_dlclose)),
			Orig:   (*atomic.Uintptr)(unsafe.Pointer(&C.plthook_orig_dlclose)),
		},
	}
}

// Subscribe implements refresh.EventSource. A nil handler stops delivery.
func (LoaderEvents) Subscribe(handler func(modules.Event)) {
	if handler == nil {
		loaderHandler.Store(nil)
		return
	}
	loaderHandler.Store(&handler)
}
