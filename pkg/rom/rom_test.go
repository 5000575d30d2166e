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

package rom

import (
	"testing"

	"github.com/multirom/multirom/pkg/types"
)

func newCfg() types.Config {
	return types.Config{Fs: types.NewMemFS()}
}

func TestClassifyAndroidInternal(t *testing.T) {
	cfg := newCfg()
	base := "/mrom/roms/MyAndroid"
	for _, d := range []string{"boot", "system", "data", "cache"} {
		if err := cfg.Fs.MkdirAll(base+"/"+d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	if k := Classify(cfg, base, false, false); k != KindAndroidInternal {
		t.Fatalf("got %v", k)
	}
	if k := Classify(cfg, base, false, true); k != KindAndroidUsbDir {
		t.Fatalf("got %v", k)
	}
}

func TestClassifyDefaultInternal(t *testing.T) {
	cfg := newCfg()
	if k := Classify(cfg, "/mrom/roms/Internal", true, false); k != KindDefaultInternal {
		t.Fatalf("got %v", k)
	}
}

func TestClassifyLinux(t *testing.T) {
	cfg := newCfg()
	base := "/mrom/roms/Ubuntu"
	cfg.Fs.MkdirAll(base, 0755)
	cfg.Fs.WriteFile(base+"/rom_info.txt", []byte(`type="kexec"`), 0644)
	if k := Classify(cfg, base, false, false); k != KindLinuxInternal {
		t.Fatalf("got %v", k)
	}
}

func TestClassifyUnknown(t *testing.T) {
	cfg := newCfg()
	base := "/mrom/roms/Empty"
	cfg.Fs.MkdirAll(base, 0755)
	if k := Classify(cfg, base, false, false); k != KindUnknown {
		t.Fatalf("got %v", k)
	}
}

func TestScanSortsDefaultFirstThenCaseInsensitive(t *testing.T) {
	cfg := newCfg()
	mrom := "/mrom"
	for _, name := range []string{"zeta", "Alpha", "beta"} {
		base := mrom + "/roms/" + name
		for _, d := range []string{"boot", "system", "data", "cache"} {
			cfg.Fs.MkdirAll(base+"/"+d, 0755)
		}
	}

	roms, err := Scan(cfg, mrom, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	var names []string
	for _, r := range roms {
		names = append(names, r.Name)
	}
	want := []string{"Internal", "Alpha", "beta", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}
