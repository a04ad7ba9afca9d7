// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package plthook

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/plthook/pkg/elfimg"
	"github.com/mbeema/plthook/pkg/hub"
	"github.com/mbeema/plthook/pkg/modules"
	"github.com/mbeema/plthook/pkg/records"
	"github.com/mbeema/plthook/pkg/refresh"
	"github.com/mbeema/plthook/pkg/rules"
	"github.com/mbeema/plthook/pkg/task"
)

// pass is the refresh.PassFunc of the engine. Incremental passes apply
// tasks to newly loaded modules only; full passes revisit every module.
// Tasks that were never applied always see every module.
func (e *Engine) pass(full bool) (refresh.Result, error) {
	found, err := e.plat.Modules.Modules()
	if err != nil {
		return refresh.Result{}, fmt.Errorf("enumerate modules: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return refresh.Result{}, nil
	}

	now := time.Now()
	delta := e.reg.Update(found)
	res := refresh.Result{Added: len(delta.Added), Removed: len(delta.Removed)}

	for _, m := range delta.Removed {
		e.retireLocked(m, now)
	}

	var errs error
	for _, t := range e.order {
		if !t.Live() {
			continue
		}
		targets := delta.Added
		if full || e.fresh[t.Stub] {
			targets = delta.All
		}
		delete(e.fresh, t.Stub)
		for _, m := range targets {
			n, err := e.applyLocked(t, m)
			res.Hooked += n
			errs = multierr.Append(errs, err)
		}
	}

	res.Restored = e.cleanupLocked(now)
	e.reclaimLocked(now, e.opts.reclaimGrace)
	if errs != nil {
		e.failures.Add(uint64(len(multierr.Errors(errs))))
	}
	return res, errs
}

// applyLocked installs t on every slot of caller m that imports its
// symbol and is not covered yet.
func (e *Engine) applyLocked(t *task.Task, m modules.Module) (int, error) {
	if !m.Hookable() || e.ignoredLocked(m) || !t.Wants(m) {
		return 0, nil
	}
	if e.broken[m.Key()] {
		return 0, nil
	}
	img, err := e.cache.Get(m)
	if err != nil {
		e.broken[m.Key()] = true
		e.logger.Debug("module skipped", zap.Stringer("module", m), zap.Error(err))
		return 0, fmt.Errorf("%w: %s: %v", ErrRelocationParse, m, err)
	}

	slots, err := img.Slots(t.Symbol)
	var errs error
	if err != nil {
		errs = fmt.Errorf("%w: %s: %v", ErrRelocationParse, m, err)
	}
	var hooked int
	for _, s := range slots {
		ok, err := e.installLocked(t, m, img, s)
		if ok {
			hooked++
		}
		errs = multierr.Append(errs, err)
	}
	return hooked, errs
}

func (e *Engine) installLocked(t *task.Task, m modules.Module, img *elfimg.Image, s elfimg.Slot) (bool, error) {
	site := e.sites[s.Addr]
	if site != nil && site.hub.Has(uint64(t.Stub)) {
		return false, nil
	}

	var orig uintptr
	if site != nil {
		orig = site.hub.Orig()
	} else {
		cur, err := e.guard.Read(s.Addr)
		if err != nil {
			return false, e.failLocked(t, m, fmt.Errorf("%w: read slot 0x%x: %v", ErrProtectionFailure, s.Addr, err))
		}
		orig = cur
		if cur == 0 || img.Contains(cur) {
			// Lazy binding stub or unresolved slot.
			var ok bool
			if orig, ok = e.resolveLocked(t, m); !ok {
				return false, e.failLocked(t, m, fmt.Errorf("%w: %s imported by %s", ErrSymbolNotFound, t.Symbol, m))
			}
		}
	}

	if callees := t.Rules.Callees(); len(callees) > 0 {
		def, ok := e.reg.Lookup(orig)
		if !ok || !rules.MatchAny(callees, def) {
			return false, nil
		}
	}

	entry := hub.Entry{Task: uint64(t.Stub), Proxy: t.Proxy}
	prev := orig
	if site == nil {
		e.nextHub++
		h, err := hub.New(e.nextHub, orig, e.plat.Trampolines)
		if err != nil {
			return false, e.failLocked(t, m, fmt.Errorf("%w: %v", ErrTrampolineFailure, err))
		}
		if _, err := h.Add(entry); err != nil {
			return false, e.failLocked(t, m, err)
		}
		out, err := e.guard.Patch(s.Addr, h.Addr())
		if err != nil {
			h.Drain(time.Now())
			e.draining = append(e.draining, h)
			return false, e.failLocked(t, m, fmt.Errorf("%w: slot 0x%x: %v", ErrProtectionFailure, s.Addr, err))
		}
		site = &callSite{slot: s.Addr, caller: m, kind: s.Kind, symbol: t.Symbol, hub: h}
		e.sites[s.Addr] = site
		e.logger.Debug("call site hooked",
			zap.Stringer("module", m),
			zap.String("symbol", t.Symbol),
			zap.String("slot", fmt.Sprintf("0x%x", s.Addr)),
			zap.Stringer("kind", s.Kind),
			zap.Stringer("patch", out),
		)
	} else {
		if es := site.hub.Entries(); len(es) > 0 {
			prev = es[0].Proxy
		}
		if _, err := site.hub.Add(entry); err != nil {
			if errors.Is(err, hub.ErrDuplicateProxy) {
				err = fmt.Errorf("%w: 0x%x on %s in %s", ErrDuplicateProxy, t.Proxy, t.Symbol, m)
			}
			return false, e.failLocked(t, m, err)
		}
	}

	t.Bind(m)
	t.RecordOrig(orig)
	t.MarkInstalled()
	e.noteLocked(t, m, t.Proxy, prev, nil)
	e.records.Add(records.Record{
		Op:      records.OpHook,
		Caller:  m.Path,
		Callee:  e.definerLocked(orig),
		Symbol:  t.Symbol,
		NewAddr: t.Proxy,
		Status:  OK.String(),
		Stub:    uint64(t.Stub),
	})
	return true, nil
}

// resolveLocked finds the definition of t's symbol for caller m: modules
// named by callee rules first, then the rest in load order.
func (e *Engine) resolveLocked(t *task.Task, m modules.Module) (uintptr, bool) {
	all := e.reg.Snapshot()
	callees := t.Rules.Callees()
	ordered := make([]modules.Module, 0, len(all))
	if len(callees) > 0 {
		for _, c := range all {
			if rules.MatchAny(callees, c) {
				ordered = append(ordered, c)
			}
		}
	}
	for _, c := range all {
		if len(callees) == 0 || !rules.MatchAny(callees, c) {
			ordered = append(ordered, c)
		}
	}

	for _, c := range ordered {
		if c.Key() == m.Key() || c.Path == "" || e.broken[c.Key()] {
			continue
		}
		img, err := e.cache.Get(c)
		if err != nil {
			continue
		}
		if addr, ok, err := img.LookupExport(t.Symbol); err == nil && ok {
			return addr, true
		}
	}
	return 0, false
}

func (e *Engine) definerLocked(addr uintptr) string {
	if m, ok := e.reg.Lookup(addr); ok {
		return m.Path
	}
	return ""
}

func (e *Engine) failLocked(t *task.Task, m modules.Module, err error) error {
	e.noteLocked(t, m, t.Proxy, 0, err)
	e.records.Add(records.Record{
		Op:      records.OpHook,
		Caller:  m.Path,
		Symbol:  t.Symbol,
		NewAddr: t.Proxy,
		Status:  CodeOf(err).String(),
		Stub:    uint64(t.Stub),
	})
	return err
}

func (e *Engine) noteLocked(t *task.Task, m modules.Module, newAddr, prev uintptr, err error) {
	if t.Hooked == nil {
		return
	}
	e.notes = append(e.notes, hookedNote{fn: t.Hooked, info: task.HookedInfo{
		Stub:     t.Stub,
		Status:   err,
		Caller:   m.Path,
		Symbol:   t.Symbol,
		New:      newAddr,
		Previous: prev,
		UserData: t.UserData,
	}})
}

// flushNotes delivers Hooked callbacks queued by the last pass. It runs
// with no engine lock held.
func (e *Engine) flushNotes() {
	e.mu.Lock()
	notes := e.notes
	e.notes = nil
	e.mu.Unlock()
	for _, n := range notes {
		n.fn(n.info)
	}
}

// restoreLocked puts the original pointer back into a site whose chain is
// empty and retires its hub. A slot that no longer holds the trampoline is
// left alone.
func (e *Engine) restoreLocked(site *callSite, now time.Time) bool {
	cur, err := e.guard.Read(site.slot)
	if err == nil && cur == site.hub.Addr() {
		if _, err := e.guard.Patch(site.slot, site.hub.Orig()); err != nil {
			// The trampoline stays reachable, so the hub must stay alive.
			e.logger.Warn("restore failed", zap.Stringer("module", site.caller), zap.String("symbol", site.symbol), zap.Error(err))
			return false
		}
	}
	delete(e.sites, site.slot)
	site.hub.Drain(now)
	e.draining = append(e.draining, site.hub)
	return true
}

// retireLocked drops every site of an unloaded module. Its memory is gone,
// so nothing is restored. Single tasks bound to it attach again to the next
// matching instance, and tasks left without a site go back to Pending.
func (e *Engine) retireLocked(m modules.Module, now time.Time) {
	key := m.Key()
	n := 0
	for addr, site := range e.sites {
		if site.caller.Key() != key {
			continue
		}
		delete(e.sites, addr)
		site.hub.Drain(now)
		e.draining = append(e.draining, site.hub)
		n++
	}
	for _, t := range e.order {
		if t.Kind == task.Single {
			t.Unbind(key)
		}
		if t.State() == task.Installed && !e.holdsLocked(t.Stub) && t.MarkPending() {
			e.fresh[t.Stub] = true
		}
	}
	slots := e.guard.Invalidate(m.Base, m.End)
	e.cache.Purge(m)
	delete(e.broken, key)
	e.logger.Debug("module unloaded", zap.Stringer("module", m), zap.Int("sites", n), zap.Int("slots", slots))
}

// holdsLocked reports whether any live site chains a proxy of stub.
func (e *Engine) holdsLocked(stub task.Stub) bool {
	for _, site := range e.sites {
		if site.hub.Has(uint64(stub)) {
			return true
		}
	}
	return false
}

// cleanupLocked drops entries whose task is gone and restores sites left
// empty, including ones whose earlier restore failed.
func (e *Engine) cleanupLocked(now time.Time) int {
	restored := 0
	for _, site := range e.sites {
		for _, en := range site.hub.Entries() {
			if _, ok := e.tasks[task.Stub(en.Task)]; !ok {
				site.hub.Remove(en.Task)
			}
		}
		if site.hub.Len() == 0 && e.restoreLocked(site, now) {
			restored++
		}
	}
	return restored
}

func (e *Engine) reclaimLocked(now time.Time, grace time.Duration) {
	kept := e.draining[:0]
	for _, h := range e.draining {
		if !h.Reclaimable(now, grace) {
			kept = append(kept, h)
			continue
		}
		if err := h.Reclaim(); err != nil {
			e.logger.Warn("trampoline reclaim failed", zap.Uint64("hub", h.ID()), zap.Error(err))
			kept = append(kept, h)
			continue
		}
		e.reclaimed.Add(1)
	}
	for i := len(kept); i < len(e.draining); i++ {
		e.draining[i] = nil
	}
	e.draining = kept
}
