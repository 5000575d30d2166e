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

package ramdisk

import (
	"os"
	"testing"

	"github.com/multirom/multirom/pkg/types"
)

func newInjectCfg() types.Config {
	return types.Config{Fs: types.NewMemFS()}
}

func TestTrampolinePerm(t *testing.T) {
	perm, err := trampolinePerm()
	if err != nil {
		t.Fatalf("trampolinePerm: %v", err)
	}
	if os.FileMode(perm&0o7777) != 0o750 {
		t.Fatalf("got mode %o, want 0750", perm)
	}
}

func TestInjectTargetRenamesInitAndSymlinks(t *testing.T) {
	cfg := newInjectCfg()
	dir := "/ramdisk"
	mrom := "/mrom"

	cfg.Fs.MkdirAll(dir+"/sbin", 0755)
	cfg.Fs.WriteFile(dir+"/init", []byte("original-init"), 0755)
	cfg.Fs.WriteFile(mrom+"/trampoline", []byte("trampoline-binary"), 0755)
	cfg.Fs.WriteFile(mrom+"/plat_hwservice_contexts", []byte("plat"), 0644)
	cfg.Fs.WriteFile(mrom+"/nonplat_hwservice_contexts", []byte("nonplat"), 0644)
	cfg.Fs.WriteFile(mrom+"/mrom.fstab", []byte("fstab-contents"), 0644)

	opts := Options{MultiromDir: mrom, UseMromFstab: true}
	if err := injectTarget(cfg, dir, opts); err != nil {
		t.Fatalf("injectTarget: %v", err)
	}

	moved, err := cfg.Fs.ReadFile(dir + "/main_init")
	if err != nil || string(moved) != "original-init" {
		t.Fatalf("expected original init preserved at main_init, got %v %q", err, moved)
	}

	newInit, err := cfg.Fs.ReadFile(dir + "/init")
	if err != nil || string(newInit) != "trampoline-binary" {
		t.Fatalf("expected trampoline installed as init, got %v %q", err, newInit)
	}

	for _, name := range []string{"sbin/ueventd", "sbin/watchdogd"} {
		target, err := cfg.Fs.Readlink(dir + "/" + name)
		if err != nil {
			t.Fatalf("expected %s to be a symlink: %v", name, err)
		}
		if target != "../main_init" {
			t.Fatalf("got symlink target %q for %s", target, name)
		}
	}

	for _, name := range []string{"plat_hwservice_contexts", "nonplat_hwservice_contexts", "mrom.fstab"} {
		if !types.FileExists(cfg.Fs, dir+"/"+name) {
			t.Fatalf("expected %s to be copied in", name)
		}
	}
}

func TestInjectTargetOmitsFstabWhenNotRequested(t *testing.T) {
	cfg := newInjectCfg()
	dir := "/ramdisk"
	mrom := "/mrom"
	cfg.Fs.MkdirAll(dir+"/sbin", 0755)
	cfg.Fs.WriteFile(mrom+"/trampoline", []byte("trampoline-binary"), 0755)
	cfg.Fs.WriteFile(mrom+"/plat_hwservice_contexts", []byte("plat"), 0644)
	cfg.Fs.WriteFile(mrom+"/nonplat_hwservice_contexts", []byte("nonplat"), 0644)

	opts := Options{MultiromDir: mrom, UseMromFstab: false}
	if err := injectTarget(cfg, dir, opts); err != nil {
		t.Fatalf("injectTarget: %v", err)
	}
	if types.FileExists(cfg.Fs, dir+"/mrom.fstab") {
		t.Fatalf("mrom.fstab should not be present when UseMromFstab is false")
	}
}
