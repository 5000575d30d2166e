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

package stage

import (
	"context"
	"testing"

	"github.com/multirom/multirom/pkg/rom"
	"github.com/multirom/multirom/pkg/rominfo"
)

func TestLinuxStagerResolvesRootDirAndWildcards(t *testing.T) {
	cfg, _ := newStageCfg()
	const base = "/mrom/roms/Foo"

	if err := cfg.Fs.MkdirAll(base+"/root/boot", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := cfg.Fs.WriteFile(base+"/root/boot/zImage-3.4.0", []byte("kernel"), 0644); err != nil {
		t.Fatalf("write kernel: %v", err)
	}
	if err := cfg.Fs.WriteFile(base+"/root/boot/initrd.img-3.4.0", []byte("initrd"), 0644); err != nil {
		t.Fatalf("write initrd: %v", err)
	}

	info := "type=\"kexec\"\n" +
		"root_dir=\"%m/root\"\n" +
		"kernel_path=\"/boot/zImage\"\n" +
		"initrd_path=\"/boot/initrd.img\"\n" +
		"base_cmdline=\"console=tty0\"\n" +
		"dir_cmdline=\"root=%r rootfstype=%s\"\n"
	if err := cfg.Fs.WriteFile(base+"/rom_info.txt", []byte(info), 0644); err != nil {
		t.Fatalf("write rom_info: %v", err)
	}

	s := LinuxStager{Macros: rominfo.Macros{
		BootloaderCmdline: "androidboot.hardware=foo",
		RootBlockDevice:   "/dev/block/mmcblk0p1",
		RootFsType:        "ext4",
	}}

	r := &rom.Rom{BaseDir: base}
	res, err := s.Stage(context.Background(), cfg, r)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if res.KernelPath != base+"/root/boot/zImage-3.4.0" {
		t.Fatalf("kernel path = %q", res.KernelPath)
	}
	if res.InitrdPath != base+"/root/boot/initrd.img-3.4.0" {
		t.Fatalf("initrd path = %q", res.InitrdPath)
	}
	want := "console=tty0 root=/dev/block/mmcblk0p1 rootfstype=ext4"
	if res.Cmdline != want {
		t.Fatalf("cmdline = %q, want %q", res.Cmdline, want)
	}
}

func TestLinuxStagerLoopMountsRootImg(t *testing.T) {
	cfg, fm := newStageCfg()
	const base = "/mrom/roms/Bar"

	if err := cfg.Fs.MkdirAll("/mnt/image/boot", 0755); err != nil {
		t.Fatalf("mkdir mountpoint: %v", err)
	}
	if err := cfg.Fs.WriteFile("/mnt/image/boot/zImage", []byte("k"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cfg.Fs.MkdirAll(base, 0755); err != nil {
		t.Fatalf("mkdir base: %v", err)
	}
	if err := cfg.Fs.WriteFile(base+"/root.img", []byte("img"), 0644); err != nil {
		t.Fatalf("write root.img: %v", err)
	}

	info := "type=\"kexec\"\n" +
		"root_img=\"%m/root.img\"\n" +
		"root_img_fs=\"ext4\"\n" +
		"kernel_path=\"/boot/zImage\"\n" +
		"base_cmdline=\"console=tty0\"\n" +
		"img_cmdline=\"root=%i rootfstype=%f\"\n"
	if err := cfg.Fs.WriteFile(base+"/rom_info.txt", []byte(info), 0644); err != nil {
		t.Fatalf("write rom_info: %v", err)
	}

	s := LinuxStager{}
	r := &rom.Rom{BaseDir: base}
	res, err := s.Stage(context.Background(), cfg, r)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if len(fm.mounts) != 1 {
		t.Fatalf("expected one loop mount, got %v", fm.mounts)
	}
	if res.KernelPath != "/mnt/image/boot/zImage" {
		t.Fatalf("kernel path = %q", res.KernelPath)
	}
	if want := "console=tty0 root=" + base + "/root.img rootfstype=ext4"; res.Cmdline != want {
		t.Fatalf("cmdline = %q, want %q", res.Cmdline, want)
	}
}

func TestLinuxStagerMissingRootFails(t *testing.T) {
	cfg, _ := newStageCfg()
	const base = "/mrom/roms/Empty"

	info := "type=\"kexec\"\n" +
		"kernel_path=\"/boot/zImage\"\n" +
		"base_cmdline=\"console=tty0\"\n"
	if err := cfg.Fs.WriteFile(base+"/rom_info.txt", []byte(info), 0644); err != nil {
		t.Fatalf("write rom_info: %v", err)
	}

	s := LinuxStager{}
	r := &rom.Rom{BaseDir: base}
	if _, err := s.Stage(context.Background(), cfg, r); err == nil {
		t.Fatal("expected validation error: rom_info missing root_dir and root_img")
	}
}

func TestLinuxStagerWildcardNoMatchFails(t *testing.T) {
	cfg, _ := newStageCfg()
	const base = "/mrom/roms/Baz"

	if err := cfg.Fs.MkdirAll(base+"/root/boot", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	info := "type=\"kexec\"\n" +
		"root_dir=\"%m/root\"\n" +
		"kernel_path=\"/boot/zImage\"\n" +
		"base_cmdline=\"console=tty0\"\n"
	if err := cfg.Fs.WriteFile(base+"/rom_info.txt", []byte(info), 0644); err != nil {
		t.Fatalf("write rom_info: %v", err)
	}

	s := LinuxStager{}
	r := &rom.Rom{BaseDir: base}
	if _, err := s.Stage(context.Background(), cfg, r); err == nil {
		t.Fatal("expected error: no file matching zImage under boot dir")
	}
}
