// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package plthook redirects calls made through the GOT of loaded ELF
// modules to proxy functions. Several independent hooks can be chained on
// one call site and each can be removed without disturbing the others.
package plthook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/plthook/pkg/elfimg"
	"github.com/mbeema/plthook/pkg/hub"
	"github.com/mbeema/plthook/pkg/memguard"
	"github.com/mbeema/plthook/pkg/modules"
	"github.com/mbeema/plthook/pkg/records"
	"github.com/mbeema/plthook/pkg/refresh"
	"github.com/mbeema/plthook/pkg/rules"
	"github.com/mbeema/plthook/pkg/task"
)

// Mode selects how module loads and unloads are picked up.
type Mode int

const (
	// Manual applies hooks only on Refresh and immediate hook calls.
	Manual Mode = iota
	// Automatic intercepts the dynamic loader and sweeps periodically.
	Automatic
)

func (m Mode) String() string {
	switch m {
	case Manual:
		return "manual"
	case Automatic:
		return "automatic"
	default:
		return "unknown"
	}
}

// ParseMode parses "manual" or "automatic".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "manual", "":
		return Manual, nil
	case "automatic", "auto":
		return Automatic, nil
	}
	return Manual, fmt.Errorf("%w: mode %q", ErrInvalidArgument, s)
}

type callSite struct {
	slot   uintptr
	caller modules.Module
	kind   elfimg.SlotKind
	symbol string
	hub    *hub.Hub
}

type hookedNote struct {
	fn   task.HookedFunc
	info task.HookedInfo
}

// Engine owns every hook of the process. Create one with New and call Init
// before hooking.
type Engine struct {
	opts    options
	logger  *zap.Logger
	records *records.Buffer

	mu          sync.Mutex
	initialized bool
	closing     bool
	closed      bool
	mode        Mode
	immediate   bool
	plat        Platform
	tasks       map[task.Stub]*task.Task
	order       []*task.Task
	fresh       map[task.Stub]bool
	internal    map[task.Stub]bool
	nextStub    uint64
	nextHub     uint64
	sites       map[uintptr]*callSite
	draining    []*hub.Hub
	ignore      []rules.Pattern
	cfgIgnore   []rules.Pattern
	self        string
	broken      map[modules.Key]bool
	unhooking   map[task.Stub]*task.Task
	notes       []hookedNote

	reg     *modules.Registry
	cache   *elfimg.Cache
	guard   *memguard.Manager
	runner  *refresh.Runner
	monitor *refresh.Monitor
	cancel  context.CancelFunc

	lmu       sync.RWMutex
	listeners []func(modules.Event)

	reclaimed atomic.Uint64
	failures  atomic.Uint64
}

// New creates an uninitialized engine.
func New(opts ...Option) *Engine {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	e := &Engine{
		opts:      o,
		logger:    o.logger.Named("plthook"),
		records:   o.records,
		tasks:     make(map[task.Stub]*task.Task),
		fresh:     make(map[task.Stub]bool),
		internal:  make(map[task.Stub]bool),
		sites:     make(map[uintptr]*callSite),
		broken:    make(map[modules.Key]bool),
		unhooking: make(map[task.Stub]*task.Task),
		reg:       modules.NewRegistry(),
	}
	if e.records == nil {
		e.records = records.New(records.DefaultCapacity)
	}
	if e.opts.onFatal == nil {
		e.opts.onFatal = e.logger.Fatal
	}
	return e
}

// Init prepares the engine. In Automatic mode it hooks the dynamic loader,
// runs a first full pass and starts the sweep monitor.
func (e *Engine) Init(mode Mode, immediate bool) error {
	if err := e.init(mode, immediate); err != nil {
		return err
	}
	e.logger.Info("engine initialized", zap.Stringer("mode", mode), zap.Bool("immediate", immediate))
	if mode != Automatic {
		return nil
	}
	if _, err := e.runner.Run(true); err != nil {
		e.logger.Warn("initial pass reported errors", zap.Error(err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	e.monitor.Start(ctx)
	return nil
}

func (e *Engine) init(mode Mode, immediate bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return ErrAlreadyInitialized
	}
	if mode != Manual && mode != Automatic {
		return fmt.Errorf("%w: mode %d", ErrInvalidArgument, int(mode))
	}

	var plat Platform
	if e.opts.platform != nil {
		plat = *e.opts.platform
	} else {
		p, err := NativePlatform()
		if err != nil {
			return err
		}
		plat = p
	}
	if err := plat.validate(); err != nil {
		return err
	}
	if plat.SelfTest != nil {
		if err := plat.SelfTest(); err != nil {
			e.opts.onFatal("fault recovery self-test failed", zap.Error(err))
			return fmt.Errorf("%w: %v", ErrSignalGuard, err)
		}
	}

	for _, s := range e.opts.ignore {
		p, err := rules.ParsePattern(s)
		if err != nil {
			return fmt.Errorf("%w: ignore pattern: %v", ErrInvalidArgument, err)
		}
		e.ignore = append(e.ignore, p)
	}
	if e.opts.ignoreSelf {
		e.self = e.opts.executable
		if e.self == "" {
			if exe, err := os.Executable(); err == nil {
				e.self = exe
			}
		}
	}

	cache, err := elfimg.NewCache(plat.Memory, e.opts.imageCache, e.logger)
	if err != nil {
		return fmt.Errorf("%w: image cache: %v", ErrInvalidArgument, err)
	}
	e.plat = plat
	e.cache = cache
	e.guard = memguard.New(plat.Memory, plat.Protector, e.opts.initialSlots, e.logger)
	e.runner = refresh.NewRunner(e.pass, e.logger)
	e.runner.OnPassDone(e.flushNotes)
	e.mode, e.immediate = mode, immediate

	if mode == Automatic {
		e.monitor = refresh.NewMonitor(e.runner, e.opts.sweep, e.notify, e.logger)
		if plat.Events != nil {
			for _, h := range plat.Events.Hooks() {
				t := task.New(0, task.All, h.Symbol, h.Proxy)
				t.OrigOut = h.Orig
				e.addTaskLocked(t)
				e.internal[t.Stub] = true
			}
			plat.Events.Subscribe(e.monitor.Handle)
		} else {
			e.logger.Warn("platform reports no loader events; relying on sweeps")
		}
	}
	e.initialized = true
	return nil
}

func (e *Engine) readyLocked() error {
	if !e.initialized || e.closed {
		return ErrNotInitialized
	}
	return nil
}

func (e *Engine) addTaskLocked(t *task.Task) {
	e.nextStub++
	t.Stub = task.Stub(e.nextStub)
	e.tasks[t.Stub] = t
	e.order = append(e.order, t)
	e.fresh[t.Stub] = true
}

// HookSingle hooks symbol in the one caller module whose path matches
// library. rule, when set, further restricts the match.
func (e *Engine) HookSingle(library string, rule *rules.Rule, symbol string, proxy uintptr, origOut *atomic.Uintptr, userData any) (task.Stub, error) {
	t := task.New(0, task.Single, symbol, proxy)
	t.Library = library
	if rule != nil {
		t.Rules = rules.Set{*rule}
	}
	t.OrigOut, t.UserData = origOut, userData
	if library == "" {
		return 0, e.reject(t, fmt.Errorf("%w: empty library", ErrInvalidArgument))
	}
	return e.add(t)
}

// HookPartial hooks symbol in the caller modules selected by set.
func (e *Engine) HookPartial(set []rules.Rule, symbol string, proxy uintptr, origOut *atomic.Uintptr, userData any) (task.Stub, error) {
	t := task.New(0, task.Partial, symbol, proxy)
	t.Rules = append(rules.Set(nil), set...)
	t.OrigOut, t.UserData = origOut, userData
	return e.add(t)
}

// HookAll hooks symbol in every current and future module.
func (e *Engine) HookAll(symbol string, proxy uintptr, origOut *atomic.Uintptr, userData any) (task.Stub, error) {
	t := task.New(0, task.All, symbol, proxy)
	t.OrigOut, t.UserData = origOut, userData
	return e.add(t)
}

func (e *Engine) add(t *task.Task) (task.Stub, error) {
	t.Hooked = e.opts.hooked
	run, err := e.register(t)
	if err != nil {
		return 0, e.reject(t, err)
	}
	if run {
		if _, err := e.runner.Run(false); err != nil {
			e.logger.Debug("hook pass reported errors", zap.Stringer("stub", t.Stub), zap.Error(err))
		}
	}
	return t.Stub, nil
}

func (e *Engine) register(t *task.Task) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.readyLocked(); err != nil {
		return false, err
	}
	switch {
	case t.Symbol == "":
		return false, fmt.Errorf("%w: empty symbol", ErrInvalidArgument)
	case t.Proxy == 0:
		return false, fmt.Errorf("%w: nil proxy", ErrInvalidArgument)
	}
	if err := t.Rules.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	e.addTaskLocked(t)
	e.logger.Debug("task added", zap.Stringer("task", t))
	return e.immediate || e.runner.Running(), nil
}

func (e *Engine) reject(t *task.Task, err error) error {
	e.records.Add(records.Record{
		Op:      records.OpHook,
		Symbol:  t.Symbol,
		NewAddr: t.Proxy,
		Status:  CodeOf(err).String(),
	})
	return err
}

// Unhook removes the task behind stub. Call sites whose chain becomes empty
// get their original pointer back. It waits, bounded, until no other thread
// still runs on a chain that contained the task; only then does the task
// report Removed.
func (e *Engine) Unhook(stub task.Stub) error {
	t, retired, err := e.unhook(stub)
	e.records.Add(records.Record{Op: records.OpUnhook, Status: CodeOf(err).String(), Stub: uint64(stub)})
	if err != nil {
		return err
	}

	runtime.LockOSThread()
	ok := hub.WaitQuiescent(hub.CurrentThread(), retired, e.opts.quiesceTimeout)
	runtime.UnlockOSThread()
	if !ok {
		e.logger.Warn("calls still in flight after unhook", zap.Stringer("stub", stub), zap.Duration("waited", e.opts.quiesceTimeout))
	}

	e.mu.Lock()
	t.MarkRemoved()
	delete(e.unhooking, stub)
	e.reclaimLocked(time.Now(), e.opts.reclaimGrace)
	e.mu.Unlock()
	return nil
}

// TaskState returns the state of the task behind stub. Stubs that were
// never issued, or whose task is gone, report Removed.
func (e *Engine) TaskState(stub task.Stub) task.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[stub]; ok {
		return t.State()
	}
	if t, ok := e.unhooking[stub]; ok {
		return t.State()
	}
	return task.Removed
}

func (e *Engine) unhook(stub task.Stub) (*task.Task, []*hub.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.readyLocked(); err != nil {
		return nil, nil, err
	}
	t, ok := e.tasks[stub]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownStub, stub)
	}

	now := time.Now()
	var retired []*hub.Snapshot
	for _, site := range e.sites {
		old, empty := site.hub.Remove(uint64(stub))
		if old == nil {
			continue
		}
		retired = append(retired, old)
		if empty {
			e.restoreLocked(site, now)
		}
	}
	e.dropTaskLocked(stub)
	e.unhooking[stub] = t
	e.logger.Debug("task removed", zap.Stringer("task", t), zap.Int("sites", len(retired)))
	return t, retired, nil
}

func (e *Engine) dropTaskLocked(stub task.Stub) {
	delete(e.tasks, stub)
	delete(e.fresh, stub)
	delete(e.internal, stub)
	for i, t := range e.order {
		if t.Stub == stub {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Refresh runs a full pass in Manual mode. In Automatic mode it does
// nothing.
func (e *Engine) Refresh() error {
	e.mu.Lock()
	err := e.readyLocked()
	mode := e.mode
	e.mu.Unlock()
	if err != nil || mode == Automatic {
		return err
	}
	_, err = e.runner.Run(true)
	return err
}

// TryRefresh is Refresh without waiting: when a pass is running it queues a
// follow-up pass and returns ErrConcurrentRefresh.
func (e *Engine) TryRefresh() error {
	e.mu.Lock()
	err := e.readyLocked()
	mode := e.mode
	e.mu.Unlock()
	if err != nil || mode == Automatic {
		return err
	}
	_, err = e.runner.TryRefresh(true)
	if errors.Is(err, refresh.ErrConcurrentRefresh) {
		return ErrConcurrentRefresh
	}
	return err
}

// AddIgnore excludes the modules matching pattern from future installs.
func (e *Engine) AddIgnore(pattern string) error {
	p, err := rules.ParsePattern(pattern)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignore = append(e.ignore, p)
	return nil
}

func (e *Engine) ignoredLocked(m modules.Module) bool {
	if e.self != "" && m.Path == e.self {
		return true
	}
	return rules.MatchAny(e.ignore, m) || rules.MatchAny(e.cfgIgnore, m)
}

// PrevFunc returns what the running proxy self should call to continue the
// chain: the next older proxy, or the original function. It returns 0 when
// self is not running on the calling thread.
func (e *Engine) PrevFunc(self uintptr) uintptr {
	addr, _ := hub.PrevFunc(hub.CurrentThread(), self)
	return addr
}

// ReturnAddress returns the return address of the hooked call that is
// running proxy self, or 0.
func (e *Engine) ReturnAddress(self uintptr) uintptr {
	addr, _ := hub.ReturnAddress(hub.CurrentThread(), self)
	return addr
}

// OnModuleEvent registers fn for loader events seen in Automatic mode. It
// is called before each load or unload and again after the pass that
// followed it.
func (e *Engine) OnModuleEvent(fn func(modules.Event)) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) notify(ev modules.Event) {
	e.lmu.RLock()
	ls := make([]func(modules.Event), len(e.listeners))
	copy(ls, e.listeners)
	e.lmu.RUnlock()
	for _, fn := range ls {
		fn(ev)
	}
}

// Records returns the operation record buffer.
func (e *Engine) Records() *records.Buffer { return e.records }

// Settings are the parameters that can change while the engine runs.
type Settings struct {
	// Ignore replaces the previously configured ignore patterns. Patterns
	// added with AddIgnore are kept.
	Ignore    []string
	Sweep     refresh.SweepConfig
	Recording bool
}

// Reconfigure applies s.
func (e *Engine) Reconfigure(s Settings) error {
	ps := make([]rules.Pattern, 0, len(s.Ignore))
	for _, str := range s.Ignore {
		p, err := rules.ParsePattern(str)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		ps = append(ps, p)
	}
	e.mu.Lock()
	e.cfgIgnore = ps
	e.opts.sweep = s.Sweep
	mon := e.monitor
	e.mu.Unlock()
	if mon != nil {
		mon.SetSweep(s.Sweep)
	}
	e.records.SetEnabled(s.Recording)
	e.logger.Info("engine reconfigured", zap.Int("ignore", len(ps)), zap.Duration("sweep_min", s.Sweep.Min), zap.Bool("recording", s.Recording))
	return nil
}

// Close stops the monitor, removes every hook and frees the trampolines
// that are no longer in use.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.initialized || e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	mon, cancel := e.monitor, e.cancel
	stubs := make([]task.Stub, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		stubs = append(stubs, e.order[i].Stub)
	}
	e.mu.Unlock()

	if e.plat.Events != nil && mon != nil {
		e.plat.Events.Subscribe(nil)
	}
	if mon != nil {
		mon.Stop()
	}
	if cancel != nil {
		cancel()
	}

	var errs error
	for _, s := range stubs {
		errs = multierr.Append(errs, e.Unhook(s))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.reclaimLocked(time.Now(), 0)
	if n := len(e.draining); n > 0 {
		e.logger.Warn("trampolines left in use at close", zap.Int("hubs", n))
	}
	e.closed = true
	e.logger.Info("engine closed", zap.Uint64("reclaimed", e.reclaimed.Load()))
	return errs
}
