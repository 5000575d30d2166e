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
	"testing"

	"github.com/multirom/multirom/pkg/types"
)

type fakeMounter struct{ mounts []string }

func (f *fakeMounter) Mount(source, target, fstype string, options []string) error {
	f.mounts = append(f.mounts, source+"->"+target)
	return nil
}
func (f *fakeMounter) Unmount(target string) error             { return nil }
func (f *fakeMounter) IsMountPoint(path string) (bool, error) { return false, nil }

func newStageCfg() (types.Config, *fakeMounter) {
	fm := &fakeMounter{}
	return types.Config{Fs: types.NewMemFS(), Mounter: fm}, fm
}

func TestNeutralizeFstabCommentsTargets(t *testing.T) {
	cfg, _ := newStageCfg()
	const p = "/fstab.device"
	cfg.Fs.WriteFile(p, []byte(
		"/dev/block/system /system ext4 ro wait\n"+
			"/dev/block/data /data ext4 noatime wait\n"+
			"/dev/block/cache /cache ext4 noatime wait\n"+
			"/dev/block/sdcard /sdcard vfat noatime wait\n",
	), 0644)

	if err := neutralizeFstab(cfg, p, false); err != nil {
		t.Fatalf("neutralizeFstab: %v", err)
	}
	out, _ := cfg.Fs.ReadFile(p)
	for _, mustHave := range []string{
		"#/dev/block/system /system ext4 ro wait",
		"#/dev/block/data /data ext4 noatime wait",
		"#/dev/block/cache /cache ext4 noatime wait",
	} {
		if !containsLine(string(out), mustHave) {
			t.Fatalf("expected %q commented, got:\n%s", mustHave, out)
		}
	}
	if containsLine(string(out), "#/dev/block/sdcard /sdcard vfat noatime wait") {
		t.Fatalf("sdcard entry should not be commented:\n%s", out)
	}
}

func TestNeutralizeFstabAbortsOnTooMany(t *testing.T) {
	cfg, _ := newStageCfg()
	const p = "/fstab.device"
	cfg.Fs.WriteFile(p, []byte(
		"/dev/block/system /system ext4 ro wait\n"+
			"/dev/block/data /data ext4 noatime wait\n"+
			"/dev/block/cache /cache ext4 noatime wait\n"+
			"/dev/block/data /data f2fs noatime wait\n",
	), 0644)

	if err := neutralizeFstab(cfg, p, false); err == nil {
		t.Fatalf("expected abort: four target entries without hasFirmware set exceed max of 3")
	}
}

func TestNeutralizeFstabEmptyGetsDummyEntry(t *testing.T) {
	cfg, _ := newStageCfg()
	const p = "/fstab.device"
	cfg.Fs.WriteFile(p, []byte("/dev/block/system /system ext4 ro wait\n"), 0644)

	if err := neutralizeFstab(cfg, p, false); err != nil {
		t.Fatalf("neutralizeFstab: %v", err)
	}
	out, _ := cfg.Fs.ReadFile(p)
	if !containsLine(string(out), "tmpfs /dummy_tmpfs tmpfs ro,nosuid,nodev defaults") {
		t.Fatalf("expected dummy tmpfs line, got:\n%s", out)
	}
}

func TestMountAndroidPartitionsBind(t *testing.T) {
	cfg, fm := newStageCfg()
	if err := mountAndroidPartitions(nil, cfg, "/mrom/roms/Foo", false); err != nil {
		t.Fatalf("mountAndroidPartitions: %v", err)
	}
	if len(fm.mounts) != 3 {
		t.Fatalf("got %d mounts, want 3: %v", len(fm.mounts), fm.mounts)
	}
}

func containsLine(haystack, needle string) bool {
	for _, line := range splitLines(haystack) {
		if line == needle {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
