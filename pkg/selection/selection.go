/*
Copyright © 2026 The MultiROM Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package selection implements the trampoline-to-UI handoff contract of
// spec.md §4.13: decide, from a requested ROM name (if any) plus the
// persisted Status, whether to boot immediately, auto-boot the current ROM,
// or defer to the interactive UI; then run the chosen ROM's run-on-boot
// scripts and persist the updated Status before returning.
package selection

import (
	"context"
	"io/fs"
	"path"

	"github.com/pkg/errors"

	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/rom"
	"github.com/multirom/multirom/pkg/status"
	"github.com/multirom/multirom/pkg/types"
)

// UIResult is what the out-of-scope interactive UI hands back.
type UIResult struct {
	Verdict constants.UIVerdict
	RomName string
}

// UI is the interactive selection surface. MultiROM's actual list/animation
// UI is out of this spec's scope; callers supply an implementation (or a
// headless stand-in for tests).
type UI interface {
	Run(ctx context.Context, cfg types.Config, roms []*rom.Rom, st *status.Status) (UIResult, error)
}

// Outcome is what the trampoline acts on: which ROM to boot (nil if none)
// and which exit flags to fold into its own teardown decision.
type Outcome struct {
	Rom       *rom.Rom
	ExitFlags constants.ExitFlag
}

// Decide implements spec.md §4.13's three-way dispatch.
func Decide(ctx context.Context, cfg types.Config, roms []*rom.Rom, st *status.Status, ui UI, requestedName string) (Outcome, error) {
	if requestedName != "" {
		if r := findByName(roms, requestedName); r != nil {
			if r.Kind.IsLinux() || r.HasBootImg {
				return finish(ctx, cfg, roms, st, r, 0)
			}
			st.AutoBootType |= constants.AutoBootForceCurrent
			st.CurrentRom = r.Name
		}
	}

	if st.IsSecondBoot || st.AutoBootType&constants.AutoBootForceCurrent != 0 {
		if r := findByName(roms, st.CurrentRom); r != nil {
			return finish(ctx, cfg, roms, st, r, 0)
		}
	}

	if ui == nil {
		return Outcome{}, errors.New("no ROM resolved and no UI supplied")
	}
	res, err := ui.Run(ctx, cfg, roms, st)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "running selection UI")
	}

	switch res.Verdict {
	case constants.VerdictBootRom:
		r := findByName(roms, res.RomName)
		if r == nil {
			return Outcome{}, errors.Errorf("UI selected unknown ROM %q", res.RomName)
		}
		return finish(ctx, cfg, roms, st, r, 0)
	case constants.VerdictReboot:
		return Outcome{ExitFlags: constants.ExitReboot}, nil
	case constants.VerdictRebootRecovery:
		return Outcome{ExitFlags: constants.ExitRebootRecovery}, nil
	case constants.VerdictRebootBootloader:
		return Outcome{ExitFlags: constants.ExitRebootBootloader}, nil
	case constants.VerdictShutdown:
		return Outcome{ExitFlags: constants.ExitShutdown}, nil
	default:
		return Outcome{}, errors.Errorf("unknown UI verdict %d", res.Verdict)
	}
}

func findByName(roms []*rom.Rom, name string) *rom.Rom {
	for _, r := range roms {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// finish runs the chosen ROM's run-on-boot scripts, updates and persists
// Status, and builds the final Outcome (spec.md §4.13 "before returning to
// the trampoline").
func finish(ctx context.Context, cfg types.Config, roms []*rom.Rom, st *status.Status, chosen *rom.Rom, extra constants.ExitFlag) (Outcome, error) {
	RunOnBootScripts(ctx, cfg, chosen)

	st.CurrentRom = chosen.Name
	st.CurrRomPart = chosen.PartitionUUID
	if err := st.Save(cfg, statusPath(cfg)); err != nil {
		return Outcome{}, errors.Wrap(err, "saving status")
	}
	return Outcome{Rom: chosen, ExitFlags: extra}, nil
}

func statusPath(cfg types.Config) string {
	return path.Join(cfg.Paths.MultiromDir, constants.StatusFileName)
}

// RunOnBootScripts executes every regular file under <rom>/run-on-boot/, in
// directory-scan order. Per spec.md §4.13 these are best-effort: a failing
// script is logged, never fatal to the boot.
func RunOnBootScripts(ctx context.Context, cfg types.Config, r *rom.Rom) {
	dir := path.Join(r.BaseDir, "run-on-boot")
	if !types.IsDir(cfg.Fs, dir) {
		return
	}
	names, err := listRegularFiles(cfg, dir)
	if err != nil {
		if cfg.Logger != nil {
			cfg.Logger.Warnf("run-on-boot: listing %s: %v", dir, err)
		}
		return
	}
	for _, name := range names {
		full := path.Join(dir, name)
		if _, err := cfg.Runner.Run(ctx, full); err != nil {
			if cfg.Logger != nil {
				cfg.Logger.Warnf("run-on-boot script %s failed: %v", full, err)
			}
		}
	}
}

// listRegularFiles returns the direct, non-directory children of dir. Like
// pkg/rom's listDirNames, it walks the whole subtree and filters to direct
// children rather than relying on fs.SkipDir, which neither FS
// implementation treats as "prune, don't abort".
func listRegularFiles(cfg types.Config, dir string) ([]string, error) {
	clean := path.Clean(dir)
	var names []string
	err := cfg.Fs.Walk(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if p == dir || path.Dir(p) != clean || d.IsDir() {
			return nil
		}
		names = append(names, d.Name())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}
