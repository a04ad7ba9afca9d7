// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package plthook

import (
	"errors"

	"github.com/mbeema/plthook/pkg/elfimg"
	"github.com/mbeema/plthook/pkg/hub"
	"github.com/mbeema/plthook/pkg/memguard"
	"github.com/mbeema/plthook/pkg/refresh"
	"github.com/mbeema/plthook/pkg/rules"
)

// Code classifies engine errors.
type Code int

const (
	OK Code = iota
	NotInitialized
	AlreadyInitialized
	InvalidArgument
	SymbolNotFound
	RelocationParse
	ProtectionFailure
	ConcurrentRefresh
	DuplicateProxy
	TrampolineFailure
	SignalGuard
	UnknownStub
	UnsupportedPlatform
	Ignored
)

var codeNames = [...]string{
	OK:                  "OK",
	NotInitialized:      "NotInitialized",
	AlreadyInitialized:  "AlreadyInitialized",
	InvalidArgument:     "InvalidArgument",
	SymbolNotFound:      "SymbolNotFound",
	RelocationParse:     "RelocationParse",
	ProtectionFailure:   "ProtectionFailure",
	ConcurrentRefresh:   "ConcurrentRefresh",
	DuplicateProxy:      "DuplicateProxy",
	TrampolineFailure:   "TrampolineFailure",
	SignalGuard:         "SignalGuard",
	UnknownStub:         "UnknownStub",
	UnsupportedPlatform: "UnsupportedPlatform",
	Ignored:             "Ignored",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "Unknown"
}

// Error makes a Code usable as a sentinel error.
func (c Code) Error() string {
	switch c {
	case NotInitialized:
		return "engine not initialized"
	case AlreadyInitialized:
		return "engine already initialized"
	case InvalidArgument:
		return "invalid argument"
	case SymbolNotFound:
		return "symbol not found"
	case RelocationParse:
		return "relocation parse failure"
	case ProtectionFailure:
		return "memory protection failure"
	case ConcurrentRefresh:
		return "refresh already in progress"
	case DuplicateProxy:
		return "proxy already installed on call site"
	case TrampolineFailure:
		return "trampoline allocation failure"
	case SignalGuard:
		return "fault recovery unavailable"
	case UnknownStub:
		return "unknown stub"
	case UnsupportedPlatform:
		return "unsupported platform"
	case Ignored:
		return "module ignored"
	}
	return c.String()
}

// Sentinel errors; every engine error wraps one of them.
var (
	ErrNotInitialized      error = NotInitialized
	ErrAlreadyInitialized  error = AlreadyInitialized
	ErrInvalidArgument     error = InvalidArgument
	ErrSymbolNotFound      error = SymbolNotFound
	ErrRelocationParse     error = RelocationParse
	ErrProtectionFailure   error = ProtectionFailure
	ErrConcurrentRefresh   error = ConcurrentRefresh
	ErrDuplicateProxy      error = DuplicateProxy
	ErrTrampolineFailure   error = TrampolineFailure
	ErrSignalGuard         error = SignalGuard
	ErrUnknownStub         error = UnknownStub
	ErrUnsupportedPlatform error = UnsupportedPlatform
	ErrIgnored             error = Ignored
)

// CodeOf maps err to its Code. Errors from the engine's component packages
// are classified too; anything else is InvalidArgument.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	switch {
	case errors.Is(err, memguard.ErrProtectionFailure):
		return ProtectionFailure
	case errors.Is(err, hub.ErrDuplicateProxy):
		return DuplicateProxy
	case errors.Is(err, refresh.ErrConcurrentRefresh):
		return ConcurrentRefresh
	case errors.Is(err, elfimg.ErrFormat), errors.Is(err, elfimg.ErrNoHash):
		return RelocationParse
	case errors.Is(err, rules.ErrInvalid):
		return InvalidArgument
	}
	return InvalidArgument
}
