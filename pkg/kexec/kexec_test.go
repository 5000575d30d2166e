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

package kexec

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/multirom/multirom/pkg/types"
)

func gzipText(t *testing.T, s string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := gzip.NewWriter(buf)
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestProbeConfigGzSupported(t *testing.T) {
	cfg := types.Config{Fs: types.NewMemFS()}
	cfg.Fs.WriteFile("/proc/config.gz", gzipText(t, "CONFIG_KEXEC_HARDBOOT=y\nCONFIG_ATAGS_PROC=y\n"), 0644)

	cap := Probe(cfg, PlatformATags)
	if !cap.Supported {
		t.Fatalf("expected supported, got %+v", cap)
	}
}

func TestProbeConfigGzMissingHardboot(t *testing.T) {
	cfg := types.Config{Fs: types.NewMemFS()}
	cfg.Fs.WriteFile("/proc/config.gz", gzipText(t, "CONFIG_ATAGS_PROC=y\n"), 0644)

	cap := Probe(cfg, PlatformATags)
	if cap.Supported {
		t.Fatalf("expected unsupported without CONFIG_KEXEC_HARDBOOT")
	}
}

func TestProbeFallsBackToPresenceCheck(t *testing.T) {
	cfg := types.Config{Fs: types.NewMemFS()}
	cfg.Fs.WriteFile("/proc/device-tree", []byte{}, 0644)

	cap := Probe(cfg, PlatformDeviceTree)
	if !cap.Supported {
		t.Fatalf("expected supported via presence fallback, got %+v", cap)
	}
}

func TestAndroidCmdlineStripsDuplicateAndAppendsSentinel(t *testing.T) {
	got := AndroidCmdline("console=ttyMSM0", "androidboot.foo=bar console=ttyMSM0")
	want := "console=ttyMSM0 androidboot.foo=bar mrom_kexecd=1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
