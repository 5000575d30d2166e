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

// Package decrypt implements the FDE gate of spec.md §4.12: when /data
// fails to mount, extract the decrypt helper tree, locate the crypto
// footer hint in the fstab /data row, run the helper, and splice the
// returned dm-crypt device back into the fstab before retrying the mount
// across the alt-FS fallback cycle.
package decrypt

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/fstab"
	"github.com/multirom/multirom/pkg/types"
)

// Verdict is the helper's reply, parsed from its first stdout line.
type Verdict int

const (
	VerdictDevice Verdict = iota
	VerdictBootInternal
	VerdictBootRecovery
)

// Result is the outcome of running the decrypt helper.
type Result struct {
	Verdict Verdict
	Device  string // populated when Verdict == VerdictDevice
}

// CryptoFooterHint scans a fstab /data entry's second options column for
// one of the three crypto footer markers spec.md §4.12 names.
func CryptoFooterHint(e fstab.Entry) (string, bool) {
	for _, tok := range strings.FieldsFunc(e.Options2, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
		for _, marker := range []string{"encryptable=", "forceencrypt=", "forcefdeorfbe="} {
			if strings.HasPrefix(tok, marker) {
				return tok, true
			}
		}
	}
	return "", false
}

// ExtractHelperTree extracts the decrypt helper binary tree to /mrom_enc/
// (spec.md §4.12 step 1).
func ExtractHelperTree(cfg types.Config, mromDir string) error {
	src := mromDir + "/enc"
	dst := "/mrom_enc"
	if !types.IsDir(cfg.Fs, src) {
		return errors.Errorf("%s: encryption helper tree not present", src)
	}
	return copyTree(cfg, src, dst)
}

func copyTree(cfg types.Config, src, dst string) error {
	return cfg.Fs.Walk(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(p, src)
		rel = strings.TrimLeft(rel, "/")
		target := dst
		if rel != "" {
			target = dst + "/" + rel
		}
		if d.IsDir() {
			return cfg.Fs.MkdirAll(target, 0755)
		}
		data, err := cfg.Fs.ReadFile(p)
		if err != nil {
			return errors.Wrapf(err, "reading %s", p)
		}
		return cfg.Fs.WriteFile(target, data, 0750)
	})
}

// Run invokes the decrypt helper and parses its single-line reply.
// password may be empty, in which case the helper runs its own password
// UI; a non-empty password exists purely for automated testing.
func Run(ctx context.Context, cfg types.Config, helperPath, password string) (Result, error) {
	args := []string{"decrypt"}
	if password != "" {
		args = append(args, password)
	}
	out, err := cfg.Runner.Run(ctx, helperPath, args...)
	if err != nil {
		return Result{}, errors.Wrap(err, "running decrypt helper")
	}
	return parseVerdict(out)
}

func parseVerdict(out []byte) (Result, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	if !scanner.Scan() {
		return Result{}, errors.New("decrypt helper produced no output")
	}
	line := strings.TrimSpace(scanner.Text())
	switch {
	case line == "boot-internal-requested":
		return Result{Verdict: VerdictBootInternal}, nil
	case line == "boot-recovery-requested":
		return Result{Verdict: VerdictBootRecovery}, nil
	case strings.HasPrefix(line, "/dev/"):
		return Result{Verdict: VerdictDevice, Device: line}, nil
	default:
		return Result{}, errors.Errorf("unexpected decrypt helper output: %q", line)
	}
}

// SpliceDevice rewrites the fstab /data entry's device field to point at
// the dm-crypt device the helper returned.
func SpliceDevice(tbl *fstab.Table, device string) bool {
	for i := range tbl.Entries {
		if tbl.Entries[i].Path == "/data" {
			tbl.Entries[i].Device = device
			return true
		}
	}
	return false
}

// MountWithAltFS retries mount across constants.AltFsOrder, the way
// spec.md §4.12 step 4 describes ("cycling through ext4, f2fs, ext3,
// ext2"), using cenkalti/backoff for the bounded retry loop rather than a
// bare for-range, so a helper that is still settling the dm device gets a
// couple of short, fixed-interval retries per filesystem before moving on.
func MountWithAltFS(ctx context.Context, cfg types.Config, device, target string) error {
	var lastErr error
	for _, fsType := range constants.AltFsOrder {
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(constants.WorkerTickInterval), 2), ctx)
		err := backoff.Retry(func() error {
			return cfg.Mounter.Mount(device, target, fsType, []string{"noatime"})
		}, b)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return errors.Wrapf(lastErr, "mounting %s failed across every filesystem in AltFsOrder", device)
}

// RemoveDmDevice implements spec.md §4.12 step 5: invoke the helper with
// "remove" to detach the dm device on teardown.
func RemoveDmDevice(ctx context.Context, cfg types.Config, helperPath string) error {
	_, err := cfg.Runner.Run(ctx, helperPath, "remove")
	return errors.Wrap(err, "removing dm-crypt device")
}
