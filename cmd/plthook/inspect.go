// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/plthook/pkg/elfimg"
	"github.com/mbeema/plthook/pkg/modules"
	"github.com/mbeema/plthook/pkg/procmem"
	"github.com/mbeema/plthook/pkg/rules"
)

// target is a process opened for inspection.
type target struct {
	pid    int
	mem    *procmem.PIDReader
	reg    *modules.Registry
	mods   []modules.Module
	logger *zap.Logger
}

func openTarget(pid int, logger *zap.Logger) (*target, error) {
	maps, err := procmem.ReadMaps(pid)
	if err != nil {
		return nil, err
	}
	mem, err := procmem.OpenPID(pid)
	if err != nil {
		return nil, err
	}
	reg := modules.NewRegistry()
	reg.Update(modules.FromMappings(maps, mem))
	return &target{pid: pid, mem: mem, reg: reg, mods: reg.Snapshot(), logger: logger}, nil
}

func (t *target) Close() error { return t.mem.Close() }

func describeProcess(w io.Writer, pid int) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		fmt.Fprintf(w, "pid %d\n", pid)
		return
	}
	name, _ := p.Name()
	exe, _ := p.Exe()
	threads, _ := p.NumThreads()
	fmt.Fprintf(w, "pid %d  %s  %s  threads=%d\n", pid, color.CyanString(name), exe, threads)
}

func newModulesCmd(rf *rootFlags) *cobra.Command {
	var pid int
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List the ELF modules loaded in a process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			color.NoColor = color.NoColor || rf.noColor
			logger, _, err := newLogger(rf.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			t, err := openTarget(pid, logger)
			if err != nil {
				return err
			}
			defer t.Close()

			out := cmd.OutOrStdout()
			describeProcess(out, pid)
			table := tablewriter.NewWriter(out)
			table.Header("Base", "End", "Instance", "Hash", "Path")
			for _, m := range t.mods {
				var hash string
				if img, err := elfimg.Open(t.mem, m.Base, m.Path, logger); err == nil {
					hash = img.HashStyle()
				} else {
					hash = color.RedString("unparsable")
					logger.Debug("module not parsed", zap.Stringer("module", m), zap.Error(err))
				}
				if err := table.Append([]string{
					fmt.Sprintf("0x%x", m.Base),
					fmt.Sprintf("0x%x", m.End),
					fmt.Sprintf("%d", m.Instance),
					hash,
					m.Path,
				}); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
	cmd.Flags().IntVarP(&pid, "pid", "p", os.Getpid(), "process to inspect")
	return cmd
}

func newImportsCmd(rf *rootFlags) *cobra.Command {
	var (
		pid    int
		module string
	)
	cmd := &cobra.Command{
		Use:   "imports [symbol]",
		Short: "List GOT slots of a module and where they point",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			color.NoColor = color.NoColor || rf.noColor
			logger, _, err := newLogger(rf.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			pat, err := rules.ParsePattern(module)
			if err != nil {
				return err
			}
			t, err := openTarget(pid, logger)
			if err != nil {
				return err
			}
			defer t.Close()

			var symbol string
			if len(args) == 1 {
				symbol = args[0]
			}
			out := cmd.OutOrStdout()
			describeProcess(out, pid)

			var errs error
			found := false
			for _, m := range t.mods {
				if !pat.Match(m) {
					continue
				}
				found = true
				errs = multierr.Append(errs, t.printImports(out, m, symbol))
			}
			if !found {
				return fmt.Errorf("no module matches %q", module)
			}
			return errs
		},
	}
	cmd.Flags().IntVarP(&pid, "pid", "p", os.Getpid(), "process to inspect")
	cmd.Flags().StringVarP(&module, "module", "m", "", "caller module pattern, path[@0xBASE][%0xINSTANCE]")
	cmd.MarkFlagRequired("module")
	return cmd
}

func (t *target) printImports(w io.Writer, m modules.Module, symbol string) error {
	img, err := elfimg.Open(t.mem, m.Base, m.Path, t.logger)
	if err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}

	var imps []elfimg.Import
	if symbol != "" {
		slots, err := img.Slots(symbol)
		if err != nil {
			return fmt.Errorf("%s: %w", m, err)
		}
		for _, s := range slots {
			imps = append(imps, elfimg.Import{Name: symbol, Slot: s})
		}
	} else if imps, err = img.Imports(); err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}

	fmt.Fprintf(w, "%s (%d slots)\n", color.New(color.Bold).Sprint(m.String()), len(imps))
	table := tablewriter.NewWriter(w)
	table.Header("Slot", "Kind", "Symbol", "Value", "Target")
	for _, imp := range imps {
		val, err := procmem.ReadUint64(t.mem, imp.Addr)
		value, where := fmt.Sprintf("0x%x", val), ""
		switch {
		case err != nil:
			value, where = "?", color.RedString(err.Error())
		case val == 0:
			where = color.YellowString("unresolved")
		case img.Contains(uintptr(val)):
			where = color.YellowString("lazy stub")
		default:
			if def, ok := t.reg.Lookup(uintptr(val)); ok {
				where = def.Path
			} else {
				where = color.MagentaString("outside modules (hooked?)")
			}
		}
		if err := table.Append([]string{fmt.Sprintf("0x%x", imp.Addr), imp.Kind.String(), imp.Name, value, where}); err != nil {
			return err
		}
	}
	return table.Render()
}

func newRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rule kind:pattern...",
		Short: "Parse and explain path rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := rules.ParseSet(args...)
			if err != nil {
				return err
			}
			for _, r := range set {
				fmt.Fprintln(cmd.OutOrStdout(), explainRule(r))
			}
			return nil
		},
	}
}

func explainRule(r rules.Rule) string {
	var b strings.Builder
	switch r.Kind {
	case rules.Caller:
		b.WriteString("hook call sites in modules whose path ")
	case rules.Callee:
		b.WriteString("hook only slots resolving into modules whose path ")
	case rules.Ignore:
		b.WriteString("skip modules whose path ")
	}
	if strings.HasPrefix(r.Pattern.Path, "/") {
		fmt.Fprintf(&b, "is %q", r.Pattern.Path)
	} else {
		fmt.Fprintf(&b, "ends with %q", r.Pattern.Path)
	}
	if r.Pattern.HasBase {
		fmt.Fprintf(&b, " loaded at 0x%x", r.Pattern.Base)
	}
	if r.Pattern.HasInstance {
		fmt.Fprintf(&b, ", instance %d", r.Pattern.Instance)
	}
	return b.String()
}
