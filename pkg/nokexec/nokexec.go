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

// Package nokexec implements the boot.img swap-and-reboot fallback used
// when kexec-hardboot is unavailable or disabled (spec.md §4.11). A
// gofrs/flock lock serializes the backup/restore dance against a
// concurrent trampoline run (e.g. a stray double-boot), since swapping the
// primary boot partition is not safe to interleave.
package nokexec

import (
	"context"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/multirom/multirom/pkg/bootimg"
	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/types"
)

const lockPath = "/dev/.mrom_nokexec.lock"

// WithLock runs fn while holding the single-writer backup/restore lock.
func WithLock(ctx context.Context, fn func() error) error {
	lock := flock.New(lockPath)
	locked, err := lock.TryLockContext(ctx, constants.WorkerTickInterval)
	if err != nil || !locked {
		return errors.Wrap(err, "acquiring no-kexec lock")
	}
	defer lock.Unlock()
	return fn()
}

// BackupPrimaryIfNeeded implements spec.md §4.11 step 1: back up the
// primary boot partition when no backup exists yet, or when one exists and
// the primary slot holds a non-tagged (i.e. genuinely-primary) image. An
// existing backup is kept while the slot carries a tagged secondary image.
func BackupPrimaryIfNeeded(cfg types.Config, primaryBootPartition, backupPath string) error {
	backupExists := types.FileExists(cfg.Fs, backupPath)
	if backupExists {
		hdr, err := bootimg.LoadHeader(cfg, primaryBootPartition)
		if err == nil && hdr.HasSecondaryTag() {
			return nil
		}
	}

	data, err := cfg.Fs.ReadFile(primaryBootPartition)
	if err != nil {
		return errors.Wrap(err, "reading primary boot partition")
	}
	return cfg.Fs.WriteFile(backupPath, data, 0644)
}

// SwapInSecondary implements spec.md §4.11 steps 2-3: overwrite the
// primary boot partition with the secondary ROM's boot.img, stamped with
// the secondary-in-primary tag byte.
func SwapInSecondary(cfg types.Config, secondaryBootImg, primaryBootPartition string) error {
	data, err := cfg.Fs.ReadFile(secondaryBootImg)
	if err != nil {
		return errors.Wrap(err, "reading secondary boot.img")
	}
	if err := cfg.Fs.WriteFile(primaryBootPartition, data, 0644); err != nil {
		return errors.Wrap(err, "writing secondary boot.img over primary partition")
	}

	hdr, err := bootimg.LoadHeader(cfg, primaryBootPartition)
	if err != nil {
		return errors.Wrap(err, "reloading header after swap")
	}
	hdr.SetSecondaryTag(true)
	return bootimg.RewriteHeader(cfg, primaryBootPartition, hdr)
}

// Restore implements spec.md §4.11's idempotent restore: check the tag
// before overwriting, then delete the backup on success.
func Restore(cfg types.Config, primaryBootPartition, backupPath string) error {
	hdr, err := bootimg.LoadHeader(cfg, primaryBootPartition)
	if err != nil {
		return errors.Wrap(err, "reading primary partition header")
	}
	if !hdr.HasSecondaryTag() {
		return nil // nothing to restore; avoids clobbering a legitimate primary boot
	}

	data, err := cfg.Fs.ReadFile(backupPath)
	if err != nil {
		return errors.Wrap(err, "reading primary boot backup")
	}
	if err := cfg.Fs.WriteFile(primaryBootPartition, data, 0644); err != nil {
		return errors.Wrap(err, "restoring primary boot partition")
	}
	return cfg.Fs.Remove(backupPath)
}
