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

package decrypt

import (
	"testing"

	"github.com/multirom/multirom/pkg/fstab"
)

func TestCryptoFooterHint(t *testing.T) {
	e := fstab.Entry{Options2: "wait,check,forceencrypt=/data/footer"}
	hint, ok := CryptoFooterHint(e)
	if !ok || hint != "forceencrypt=/data/footer" {
		t.Fatalf("got (%q, %v)", hint, ok)
	}
}

func TestParseVerdictDevice(t *testing.T) {
	r, err := parseVerdict([]byte("/dev/block/dm-1\n"))
	if err != nil {
		t.Fatalf("parseVerdict: %v", err)
	}
	if r.Verdict != VerdictDevice || r.Device != "/dev/block/dm-1" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseVerdictBootInternal(t *testing.T) {
	r, err := parseVerdict([]byte("boot-internal-requested\n"))
	if err != nil {
		t.Fatalf("parseVerdict: %v", err)
	}
	if r.Verdict != VerdictBootInternal {
		t.Fatalf("got %+v", r)
	}
}

func TestSpliceDevice(t *testing.T) {
	tbl := &fstab.Table{Entries: []fstab.Entry{{Path: "/data", Device: "/dev/block/mmcblk0p13"}}}
	if !SpliceDevice(tbl, "/dev/block/dm-1") {
		t.Fatalf("expected splice to find /data entry")
	}
	if tbl.Entries[0].Device != "/dev/block/dm-1" {
		t.Fatalf("got device %q", tbl.Entries[0].Device)
	}
}
