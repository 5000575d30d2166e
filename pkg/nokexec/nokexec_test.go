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

package nokexec

import (
	"bytes"
	"testing"

	"github.com/multirom/multirom/pkg/types"
)

func minimalBootImage(t *testing.T, pageSize int) []byte {
	t.Helper()
	buf := make([]byte, pageSize)
	copy(buf, "ANDROID!")
	// PageSize field sits right after the three size/addr pairs used by
	// hdrV0Common (magic[8] + 6*uint32), matching pkg/bootimg's layout.
	off := 8 + 6*4 + 4 // + TagsAddr
	littleEndianPutUint32(buf[off:], uint32(pageSize))
	return buf
}

func littleEndianPutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func TestBackupPrimaryIfNeededCreatesBackupWhenMissing(t *testing.T) {
	cfg := types.Config{Fs: types.NewMemFS()}
	img := minimalBootImage(t, 2048)
	cfg.Fs.WriteFile("/dev/block/boot", img, 0644)

	if err := BackupPrimaryIfNeeded(cfg, "/dev/block/boot", "/mrom/primary_boot.img"); err != nil {
		t.Fatalf("BackupPrimaryIfNeeded: %v", err)
	}
	got, err := cfg.Fs.ReadFile("/mrom/primary_boot.img")
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if !bytes.Equal(got, img) {
		t.Fatalf("backup content mismatch")
	}
}

func TestRestoreNoOpWithoutTag(t *testing.T) {
	cfg := types.Config{Fs: types.NewMemFS()}
	img := minimalBootImage(t, 2048)
	cfg.Fs.WriteFile("/dev/block/boot", img, 0644)
	cfg.Fs.WriteFile("/mrom/primary_boot.img", []byte("stale-backup"), 0644)

	if err := Restore(cfg, "/dev/block/boot", "/mrom/primary_boot.img"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	// Backup must survive since the primary was never tagged.
	if _, err := cfg.Fs.ReadFile("/mrom/primary_boot.img"); err != nil {
		t.Fatalf("expected backup to remain untouched: %v", err)
	}
}
