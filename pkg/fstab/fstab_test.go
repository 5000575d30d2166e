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

package fstab

import "testing"

func TestParseLegacyOrdering(t *testing.T) {
	data := []byte(`
/system /dev/block/mmcblk0p12 ext4 ro,noatime wait
/data   /dev/block/mmcblk0p13 ext4 noatime    wait,check
`)
	tbl, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !tbl.Legacy {
		t.Fatalf("expected legacy ordering to be inferred")
	}
	e, ok := tbl.ByPath("/data")
	if !ok {
		t.Fatalf("expected /data entry")
	}
	if e.Device != "/dev/block/mmcblk0p13" {
		t.Fatalf("got device %q", e.Device)
	}
	if e.MountFlags&0x400 == 0 {
		t.Fatalf("expected noatime flag bit set")
	}
}

func TestParseModernOrdering(t *testing.T) {
	data := []byte(`/dev/block/bootdevice/by-name/system /system ext4 ro wait`)
	tbl, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tbl.Legacy {
		t.Fatalf("expected modern ordering to be inferred")
	}
	e, ok := tbl.ByPath("/system")
	if !ok || e.Device != "/dev/block/bootdevice/by-name/system" {
		t.Fatalf("unexpected entry: %+v ok=%v", e, ok)
	}
}

func TestParseDisabledEntry(t *testing.T) {
	data := []byte(`# /system /dev/block/mmcblk0p12 ext4 ro wait`)
	tbl, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tbl.Entries) != 1 || !tbl.Entries[0].Disabled {
		t.Fatalf("expected one disabled entry, got %+v", tbl.Entries)
	}
}

func TestLongestMatchSuffix(t *testing.T) {
	names := []string{"/fstab.goldfish", "/fstab.hammerhead", "/mrom.fstab"}
	got, ok := LongestMatchSuffix(names, "hammerhead")
	if !ok || got != "/fstab.hammerhead" {
		t.Fatalf("got (%q, %v)", got, ok)
	}

	if _, ok := LongestMatchSuffix([]string{"/fstab.goldfish"}, "hammerhead"); ok {
		t.Fatalf("goldfish must never match")
	}
}
