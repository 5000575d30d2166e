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

package partition

import "testing"

func TestParseBlkidSkipsMmcblk(t *testing.T) {
	out := `/dev/mmcblk0p1: UUID="aaaa" TYPE="ext4"
/dev/sda1: UUID="bbbb" TYPE="ntfs"
/dev/sdb1: UUID="cccc" TYPE="exfat"
`
	parts := ParseBlkid(out)
	if len(parts) != 2 {
		t.Fatalf("got %d partitions, want 2: %+v", len(parts), parts)
	}
	if parts[0].Name != "sda1" || parts[0].UUID != "bbbb" || parts[0].Type != "ntfs" {
		t.Fatalf("unexpected first partition: %+v", parts[0])
	}
	if parts[1].MountPath != "/mnt/sdb1" {
		t.Fatalf("got mount path %q", parts[1].MountPath)
	}
}

func TestSetReplacePreservesKeepMounted(t *testing.T) {
	s := NewSet()
	s.Replace([]Partition{{Name: "sda1", UUID: "u1", Mounted: true}})
	s.SetKeepMounted("u1", true)

	s.Replace([]Partition{{Name: "sda1", UUID: "u1"}, {Name: "sdb1", UUID: "u2"}})

	p, ok := s.ByUUID("u1")
	if !ok || !p.KeepMounted || !p.Mounted {
		t.Fatalf("expected u1 to retain KeepMounted/Mounted across replace, got %+v ok=%v", p, ok)
	}
	if _, ok := s.ByUUID("u2"); !ok {
		t.Fatalf("expected u2 to be present")
	}
}
