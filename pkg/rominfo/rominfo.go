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

// Package rominfo parses a Linux ROM's rom_info.txt descriptor: "#"
// comments, otherwise key="value" lines, plus the two-pass %-macro
// expansion spec.md §4.7 describes.
package rominfo

import (
	"strconv"
	"strings"

	"github.com/elliotwutingfeng/asciiset"
	"github.com/pkg/errors"

	"github.com/multirom/multirom/pkg/types"
)

// macroChars is the set of single-letter tokens that may follow '%' in a
// rom_info cmdline field; used to tell a real macro from a stray '%' the
// author left in by hand.
var macroChars, _ = asciiset.MakeASCIISet("bdrsifm")

// Info is the parsed, not-yet-macro-expanded rom_info.txt.
type Info struct {
	raw map[string]string
}

// Macros supplies the expansion values for §4.7's token set.
type Macros struct {
	BootloaderCmdline string // %b
	RootDir           string // %d (root_dir, post %m-expansion)
	RootBlockDevice   string // %r
	RootFsType        string // %s
	RootImg           string // %i (root_img, post %m-expansion)
	RootImgFsType     string // %f
	RomRelativePath   string // %m: ROM base path relative to the partition root
}

// Parse decodes rom_info.txt text into a raw key/value map, without
// performing macro expansion or required-key validation.
func Parse(data []byte) (*Info, error) {
	info := &Info{raw: map[string]string{}}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		val = strings.TrimPrefix(val, `"`)
		val = strings.TrimSuffix(val, `"`)
		info.raw[key] = val
	}
	return info, nil
}

func (i *Info) Get(key string) (string, bool) {
	v, ok := i.raw[key]
	return v, ok
}

func (i *Info) GetOr(key, def string) string {
	if v, ok := i.raw[key]; ok {
		return v
	}
	return def
}

// Validate enforces the required-key set spec.md §4.7 lists: type must be
// exactly "kexec" (so an older trampoline never mis-boots a future format),
// kernel_path and base_cmdline must be present, and at least one of
// root_dir/root_img must be present.
func (i *Info) Validate() error {
	if t := i.GetOr("type", ""); t != "kexec" {
		return errors.Errorf(`rom_info type=%q, want "kexec"`, t)
	}
	if _, ok := i.Get("kernel_path"); !ok {
		return errors.New("rom_info missing kernel_path")
	}
	if _, ok := i.Get("base_cmdline"); !ok {
		return errors.New("rom_info missing base_cmdline")
	}
	_, hasDir := i.Get("root_dir")
	_, hasImg := i.Get("root_img")
	if !hasDir && !hasImg {
		return errors.New("rom_info missing both root_dir and root_img")
	}
	return nil
}

// expandM replaces the literal "%m" token with romRelative in path-like
// fields (root_dir/root_img), per §4.7's first expansion pass.
func expandM(value, romRelative string) string {
	return strings.ReplaceAll(value, "%m", romRelative)
}

// ExpandPaths runs the first macro-expansion pass over root_dir/root_img.
func (i *Info) ExpandPaths(romRelative string) {
	for _, key := range []string{"root_dir", "root_img"} {
		if v, ok := i.raw[key]; ok {
			i.raw[key] = expandM(v, romRelative)
		}
	}
}

// ExpandCmdline runs the second macro-expansion pass over
// base_cmdline/img_cmdline/dir_cmdline, substituting the %b %d %r %s %i %f %m
// tokens. Unknown tokens (a '%' followed by a letter outside macroChars, or
// at end of string) are left in place and logged.
func (i *Info) ExpandCmdline(cfg types.Config, m Macros) {
	for _, key := range []string{"base_cmdline", "img_cmdline", "dir_cmdline"} {
		v, ok := i.raw[key]
		if !ok {
			continue
		}
		i.raw[key] = expandTokens(cfg, v, m)
	}
}

func expandTokens(cfg types.Config, s string, m Macros) string {
	var out strings.Builder
	for idx := 0; idx < len(s); idx++ {
		c := s[idx]
		if c != '%' || idx+1 >= len(s) {
			out.WriteByte(c)
			continue
		}
		next := s[idx+1]
		if !macroChars.Contains(next) {
			if cfg.Logger != nil {
				cfg.Logger.Warnf("rom_info: unknown macro token %%%c", next)
			}
			out.WriteByte(c)
			continue
		}
		switch next {
		case 'b':
			out.WriteString(m.BootloaderCmdline)
		case 'd':
			out.WriteString(m.RootDir)
		case 'r':
			out.WriteString(m.RootBlockDevice)
		case 's':
			out.WriteString(m.RootFsType)
		case 'i':
			out.WriteString(m.RootImg)
		case 'f':
			out.WriteString(m.RootImgFsType)
		case 'm':
			out.WriteString(m.RomRelativePath)
		default:
			if cfg.Logger != nil {
				cfg.Logger.Warnf("rom_info: unknown macro token %%%c", next)
			}
			out.WriteByte(c)
			out.WriteByte(next)
		}
		idx++
	}
	return out.String()
}

// RootBlockDevice resolves the %r token per spec.md §4.7: prefer the
// fstab /data entry's device, else fall back to "UUID=<partition uuid>".
func RootBlockDevice(dataDevice, partitionUUID string) string {
	if dataDevice != "" {
		return dataDevice
	}
	if partitionUUID != "" {
		return "UUID=" + partitionUUID
	}
	return ""
}

// KernelPathToken splits a rom_info kernel_path/initrd_path value on its
// last '/', returning the enclosing directory and the trailing match token
// that the caller wildcard-searches for (spec.md §4.9 step 3/4).
func KernelPathToken(value string) (dir, token string) {
	idx := strings.LastIndex(value, "/")
	if idx < 0 {
		return "", value
	}
	return value[:idx], value[idx+1:]
}

// AtoiDefault parses an integer field, defaulting on error. rom_info has no
// numeric fields in the base format, but downstream extensions (e.g. a
// future priority=N key) can use this helper without re-deriving it.
func AtoiDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}
