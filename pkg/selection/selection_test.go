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

package selection

import (
	"context"
	"testing"

	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/rom"
	"github.com/multirom/multirom/pkg/status"
	"github.com/multirom/multirom/pkg/types"
)

type fakeRunner struct{ calls []string }

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, name)
	return nil, nil
}

type refusingUI struct{ called bool }

func (u *refusingUI) Run(ctx context.Context, cfg types.Config, roms []*rom.Rom, st *status.Status) (UIResult, error) {
	u.called = true
	return UIResult{Verdict: constants.VerdictReboot}, nil
}

func newCfg(runner *fakeRunner) types.Config {
	return types.Config{
		Fs:     types.NewMemFS(),
		Runner: runner,
		Paths:  types.Paths{MultiromDir: "/mrom"},
	}
}

func TestDecideImmediateBootOnBootImageRom(t *testing.T) {
	runner := &fakeRunner{}
	cfg := newCfg(runner)
	roms := []*rom.Rom{{Name: "Secondary", Kind: rom.KindAndroidInternal, HasBootImg: true}}
	st := status.Default()
	ui := &refusingUI{}

	out, err := Decide(context.Background(), cfg, roms, st, ui, "Secondary")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if out.Rom == nil || out.Rom.Name != "Secondary" {
		t.Fatalf("got %+v", out)
	}
	if ui.called {
		t.Fatalf("UI should not run when a boot-image ROM is named explicitly")
	}
	if st.CurrentRom != "Secondary" {
		t.Fatalf("expected status.CurrentRom updated, got %q", st.CurrentRom)
	}
}

func TestDecideAutoBootsCurrentOnSecondBoot(t *testing.T) {
	runner := &fakeRunner{}
	cfg := newCfg(runner)
	roms := []*rom.Rom{{Name: "Internal", Kind: rom.KindDefaultInternal}}
	st := status.Default()
	st.IsSecondBoot = true
	st.CurrentRom = "Internal"
	ui := &refusingUI{}

	out, err := Decide(context.Background(), cfg, roms, st, ui, "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if out.Rom == nil || out.Rom.Name != "Internal" {
		t.Fatalf("got %+v", out)
	}
	if ui.called {
		t.Fatalf("UI should not run on second boot with a resolvable current_rom")
	}
}

func TestDecideFallsBackToUI(t *testing.T) {
	runner := &fakeRunner{}
	cfg := newCfg(runner)
	roms := []*rom.Rom{{Name: "Internal", Kind: rom.KindDefaultInternal}}
	st := status.Default()
	ui := &refusingUI{}

	out, err := Decide(context.Background(), cfg, roms, st, ui, "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !ui.called {
		t.Fatalf("expected UI to run")
	}
	if out.ExitFlags != constants.ExitReboot {
		t.Fatalf("got exit flags %v", out.ExitFlags)
	}
}

func TestRunOnBootScriptsExecutesEachFile(t *testing.T) {
	runner := &fakeRunner{}
	cfg := newCfg(runner)
	cfg.Fs.MkdirAll("/roms/Internal/run-on-boot", 0755)
	cfg.Fs.WriteFile("/roms/Internal/run-on-boot/01-first", []byte("#!/bin/sh\n"), 0755)
	cfg.Fs.WriteFile("/roms/Internal/run-on-boot/02-second", []byte("#!/bin/sh\n"), 0755)

	r := &rom.Rom{Name: "Internal", BaseDir: "/roms/Internal"}
	RunOnBootScripts(context.Background(), cfg, r)

	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 scripts run, got %v", runner.calls)
	}
}
