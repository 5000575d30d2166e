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

// Package fstab models /etc/fstab.* style files: an ordered list of entries
// supporting both the legacy ("path dev type …") and modern
// ("dev path type …") column orderings, with symlink-resolved device paths.
package fstab

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/multirom/multirom/pkg/types"
)

// Entry is one fstab line.
type Entry struct {
	Path      string // mount point
	Device    string // block device, as written in the file (not yet resolved)
	Type      string
	MountFlags uint64
	Options   string // the flag-bearing options column, verbatim
	Options2  string // fstab's second, free-form options column (fs_mgr flags)
	Disabled  bool   // line was commented out with '#'
}

// Table is an ordered fstab.
type Table struct {
	Entries []Entry
	Legacy  bool // column order inferred from the first data row
}

// flagWords mirrors the handful of mount(8) option words the original
// bootmgr recognizes as mountflags rather than free-form fs_mgr options.
var flagWords = map[string]uint64{
	"ro":       0x1,
	"nosuid":   0x2,
	"nodev":    0x4,
	"noexec":   0x8,
	"noatime":  0x400,
	"nodiratime": 0x800,
	"sync":     0x10,
	"defaults": 0,
}

func parseFlags(opts string) (uint64, string) {
	var flags uint64
	var rest []string
	for _, tok := range strings.Split(opts, ",") {
		if tok == "" {
			continue
		}
		if bit, ok := flagWords[tok]; ok {
			flags |= bit
			continue
		}
		rest = append(rest, tok)
	}
	return flags, strings.Join(rest, ",")
}

// Parse decodes fstab text. The column order (legacy "path dev type …" vs.
// modern "dev path type …") is inferred from the first uncommented data row:
// a row whose first column starts with '/' and whose second column also
// starts with '/' or "UUID="/"LABEL=" is ambiguous, so the heuristic instead
// keys off whether the first column looks like a device node
// (/dev/..., UUID=..., LABEL=...) — if so, modern ordering; otherwise legacy.
func Parse(data []byte) (*Table, error) {
	t := &Table{}
	inferred := false

	lines := strings.Split(string(data), "\n")
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		disabled := false
		if strings.HasPrefix(line, "#") {
			stripped := strings.TrimSpace(strings.TrimPrefix(line, "#"))
			fields := strings.Fields(stripped)
			if len(fields) < 3 {
				continue // a genuine comment, not a disabled entry
			}
			disabled = true
			line = stripped
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		if !inferred {
			t.Legacy = !looksLikeDevice(fields[0])
			inferred = true
		}

		var path, dev string
		if t.Legacy {
			path, dev = fields[0], fields[1]
		} else {
			dev, path = fields[0], fields[1]
		}
		typ := fields[2]

		var opts, opts2 string
		if len(fields) > 3 {
			opts = fields[3]
		}
		if len(fields) > 4 {
			opts2 = strings.Join(fields[4:], " ")
		}
		flags, _ := parseFlags(opts)

		t.Entries = append(t.Entries, Entry{
			Path:       path,
			Device:     dev,
			Type:       typ,
			MountFlags: flags,
			Options:    opts,
			Options2:   opts2,
			Disabled:   disabled,
		})
	}
	return t, nil
}

func looksLikeDevice(s string) bool {
	return strings.HasPrefix(s, "/dev/") ||
		strings.HasPrefix(s, "UUID=") ||
		strings.HasPrefix(s, "LABEL=")
}

// ByPath returns the first entry whose mount point matches path.
func (t *Table) ByPath(path string) (Entry, bool) {
	for _, e := range t.Entries {
		if e.Path == path {
			return e, true
		}
	}
	return Entry{}, false
}

// NextByPath returns the entry after the one at index i whose mount point
// matches path, used to walk multiple fstab rows for the same mount point
// (alternate filesystem fallbacks).
func (t *Table) NextByPath(path string, after int) (Entry, int, bool) {
	for i := after + 1; i < len(t.Entries); i++ {
		if t.Entries[i].Path == path {
			return t.Entries[i], i, true
		}
	}
	return Entry{}, -1, false
}

// ResolveDevice follows symlinks under the device node (e.g.
// /dev/block/platform/.../by-name/system -> /dev/block/mmcblk0p12),
// returning the final real path. It tolerates a non-symlink device (the
// common case for already-canonical nodes).
func ResolveDevice(cfg types.Config, device string) (string, error) {
	path := device
	for i := 0; i < 40; i++ {
		if _, err := cfg.Fs.Lstat(path); err != nil {
			return "", errors.Wrapf(err, "stat %s", path)
		}
		target, err := cfg.Fs.Readlink(path)
		if err != nil {
			// Not a symlink: this is the resolved path.
			return path, nil
		}
		if !strings.HasPrefix(target, "/") {
			target = joinParent(path, target)
		}
		path = target
	}
	return "", errors.Errorf("too many levels of symbolic links resolving %s", device)
}

func joinParent(path, rel string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return rel
	}
	return fmt.Sprintf("%s/%s", path[:idx], rel)
}

// LongestMatchSuffix is used by the trampoline's fstab auto-load step
// (spec.md §4.1 step 6): among candidate file names, pick the one whose
// suffix after "fstab." is the longest match against targetDevice, skipping
// the emulator-only "goldfish"/"ranchu" variants.
func LongestMatchSuffix(names []string, targetDevice string) (string, bool) {
	best := ""
	bestLen := -1
	for _, n := range names {
		base := n
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		if !strings.HasPrefix(base, "fstab.") {
			continue
		}
		suffix := strings.TrimPrefix(base, "fstab.")
		if suffix == "goldfish" || suffix == "ranchu" {
			continue
		}
		if suffix == targetDevice {
			return n, true
		}
		if len(suffix) > bestLen && strings.Contains(targetDevice, suffix) {
			best = n
			bestLen = len(suffix)
		}
	}
	return best, bestLen >= 0
}
