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

package trampoline

import (
	"context"
	"errors"
	"testing"

	"github.com/multirom/multirom/pkg/rom"
	"github.com/multirom/multirom/pkg/types"
)

var errNoMedium = errors.New("no such device or address")

type fakeMounter struct {
	mountErr   map[string]error // keyed by target
	mounted    []string
	unmounted  []string
}

func (m *fakeMounter) Mount(source, target, fstype string, options []string) error {
	m.mounted = append(m.mounted, target)
	if m.mountErr != nil {
		if err, ok := m.mountErr[target]; ok {
			return err
		}
	}
	return nil
}
func (m *fakeMounter) Unmount(target string) error {
	m.unmounted = append(m.unmounted, target)
	return nil
}
func (m *fakeMounter) IsMountPoint(path string) (bool, error) { return false, nil }

func newCfg(mounter *fakeMounter) types.Config {
	return types.Config{Fs: types.NewMemFS(), Mounter: mounter}
}

func TestCmdlineFieldAndRawCmdline(t *testing.T) {
	cfg := newCfg(&fakeMounter{})
	cfg.Fs.WriteFile("/proc/cmdline", []byte("console=ttyMSM0 androidboot.hardware=hammerhead mrom_kexecd=0"), 0644)

	if got := cmdlineField(cfg, "androidboot.hardware"); got != "hammerhead" {
		t.Fatalf("got %q", got)
	}
	if got := cmdlineField(cfg, "nosuchkey"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := rawCmdline(cfg); got == "" {
		t.Fatalf("expected non-empty raw cmdline")
	}
}

func TestCollectFstabCandidates(t *testing.T) {
	cfg := newCfg(&fakeMounter{})
	cfg.Fs.WriteFile("/fstab.hammerhead", []byte("x"), 0644)
	cfg.Fs.WriteFile("/fstab.goldfish", []byte("x"), 0644)
	cfg.Fs.MkdirAll("/etc", 0755)
	cfg.Fs.WriteFile("/etc/fstab.nested", []byte("x"), 0644) // not top-level, must be excluded

	got, err := collectFstabCandidates(cfg)
	if err != nil {
		t.Fatalf("collectFstabCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 top-level candidates, got %v", got)
	}
}

func TestAutoLoadFstabPrefersExistingMromFstab(t *testing.T) {
	cfg := newCfg(&fakeMounter{})
	cfg.Fs.WriteFile("/mrom.fstab", []byte("preferred"), 0644)

	if err := autoLoadFstab(cfg); err != nil {
		t.Fatalf("autoLoadFstab: %v", err)
	}
	data, _ := cfg.Fs.ReadFile("/mrom.fstab")
	if string(data) != "preferred" {
		t.Fatalf("existing /mrom.fstab must not be overwritten")
	}
}

func TestAutoLoadFstabPicksLongestMatch(t *testing.T) {
	cfg := newCfg(&fakeMounter{})
	cfg.Fs.WriteFile("/proc/cmdline", []byte("androidboot.hardware=hammerhead"), 0644)
	cfg.Fs.WriteFile("/fstab.hammerhead", []byte("chosen"), 0644)
	cfg.Fs.WriteFile("/fstab.goldfish", []byte("emulator-only"), 0644)

	if err := autoLoadFstab(cfg); err != nil {
		t.Fatalf("autoLoadFstab: %v", err)
	}
	data, err := cfg.Fs.ReadFile("/mrom.fstab")
	if err != nil || string(data) != "chosen" {
		t.Fatalf("got %q, %v", data, err)
	}
}

func TestMountDataSucceedsOnFirstTry(t *testing.T) {
	cfg := newCfg(&fakeMounter{})
	cfg.Fs.WriteFile("/mrom.fstab", []byte("/dev/block/mmcblk0p20 /data ext4 noatime wait"), 0644)

	bootInternal, bootRecovery, err := mountData(context.Background(), cfg, Deps{})
	if err != nil {
		t.Fatalf("mountData: %v", err)
	}
	if bootInternal || bootRecovery {
		t.Fatalf("unexpected gate verdict on a clean mount")
	}
}

func TestMountDataFailsWithoutEncryptionSupport(t *testing.T) {
	mounter := &fakeMounter{mountErr: map[string]error{"/realdata": errNoMedium}}
	cfg := newCfg(mounter)
	cfg.Fs.WriteFile("/mrom.fstab", []byte("/dev/block/mmcblk0p20 /data ext4 noatime wait"), 0644)

	_, _, err := mountData(context.Background(), cfg, Deps{EncryptionBuiltIn: false})
	if err == nil {
		t.Fatalf("expected failure when every fs attempt fails and encryption is not compiled in")
	}
}

func TestLoadViaNoKexecRequiresBootImg(t *testing.T) {
	cfg := newCfg(&fakeMounter{})
	r := &rom.Rom{Name: "Secondary", BaseDir: "/roms/Secondary", HasBootImg: false}

	_, err := loadViaNoKexec(context.Background(), cfg, r)
	if err == nil {
		t.Fatalf("expected error: rom has no boot.img to fall back on")
	}
}
