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

// Package status loads and saves <mrom>/multirom.ini, the line-oriented
// KEY=value status file. It is parsed with joho/godotenv, the same library
// the rest of the ecosystem reaches for on KEY=value formats, which gives us
// the unknown-key-preserving round trip for free: every key in the file
// lands in a map first, known fields are lifted out of it, and the
// remainder is carried forward untouched on Save.
package status

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/multirom/multirom/pkg/bootimg"
	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/types"
)

// Status is the in-memory multirom.ini.
type Status struct {
	IsSecondBoot bool

	CurrentRom  string
	CurrRomPart string // UUID, empty for internal

	AutoBootRom     string
	AutoBootSeconds int
	AutoBootType    constants.AutoBootType

	ColorScheme    int
	Brightness     int
	Rotation       int
	EnableADB      bool
	HideInternal   bool
	IntDisplayName bool

	NoKexec constants.NoKexecPolicy

	// unknown carries every key this version of the code does not
	// recognize, so Save never drops forward-compatible fields.
	unknown map[string]string
}

const (
	keyCurrentRom      = "current_rom"
	keyCurrRomPart     = "curr_rom_part"
	keyAutoBootRom     = "auto_boot_rom"
	keyAutoBootSeconds = "auto_boot_seconds"
	keyAutoBootType    = "auto_boot_type"
	keyColorScheme     = "color_scheme"
	keyBrightness      = "brightness"
	keyRotation        = "rotation"
	keyEnableADB       = "enable_adb"
	keyHideInternal    = "hide_internal"
	keyIntDisplayName  = "int_display_name"
	keyNoKexec         = "no_kexec"
)

var knownKeys = map[string]bool{
	keyCurrentRom: true, keyCurrRomPart: true, keyAutoBootRom: true,
	keyAutoBootSeconds: true, keyAutoBootType: true, keyColorScheme: true,
	keyBrightness: true, keyRotation: true, keyEnableADB: true,
	keyHideInternal: true, keyIntDisplayName: true, keyNoKexec: true,
}

// Default returns the zero-value status used when multirom.ini is missing.
func Default() *Status {
	return &Status{
		NoKexec: constants.NoKexecAllowed,
		unknown: map[string]string{},
	}
}

// Load reads <mrom>/multirom.ini. A missing file yields Default(), per
// spec.md §4.6 ("Missing file → defaults"). is_second_boot is never stored
// in the file itself (matching the original trampoline): it is recomputed
// here on every successful load from the kmsg sentinel and the primary boot
// header's secondary tag, per §4.6.
func Load(cfg types.Config, path string) (*Status, error) {
	data, err := cfg.Fs.ReadFile(path)
	if err != nil {
		return Default(), nil
	}
	s, err := Parse(data)
	if err != nil {
		return nil, err
	}
	s.IsSecondBoot = detectSecondBoot(cfg)
	return s, nil
}

// detectSecondBoot gathers the two §4.6 detection sources from the live
// system and folds them through DetectSecondBoot.
func detectSecondBoot(cfg types.Config) bool {
	kmsg, _ := cfg.Fs.ReadFile(constants.LastKmsgPath)

	tagged := false
	if cfg.Paths.PrimaryBootPartition != "" {
		if hdr, err := bootimg.LoadHeader(cfg, cfg.Paths.PrimaryBootPartition); err == nil {
			tagged = hdr.HasSecondaryTag()
		}
	}
	return DetectSecondBoot(kmsg, tagged)
}

// Parse decodes raw multirom.ini bytes.
func Parse(data []byte) (*Status, error) {
	kv, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "parsing multirom.ini")
	}

	s := Default()
	for k, v := range kv {
		if !knownKeys[k] {
			s.unknown[k] = v
			continue
		}
		switch k {
		case keyCurrentRom:
			s.CurrentRom = v
		case keyCurrRomPart:
			s.CurrRomPart = v
		case keyAutoBootRom:
			s.AutoBootRom = v
		case keyAutoBootSeconds:
			s.AutoBootSeconds = atoiOr(v, 0)
		case keyAutoBootType:
			s.AutoBootType = constants.AutoBootType(atoiOr(v, 0))
		case keyColorScheme:
			s.ColorScheme = atoiOr(v, 0)
		case keyBrightness:
			s.Brightness = atoiOr(v, 0)
		case keyRotation:
			s.Rotation = atoiOr(v, 0)
		case keyEnableADB:
			s.EnableADB = v == "1"
		case keyHideInternal:
			s.HideInternal = v == "1"
		case keyIntDisplayName:
			s.IntDisplayName = v == "1"
		case keyNoKexec:
			s.NoKexec = constants.NoKexecPolicy(atoiOr(v, int(constants.NoKexecAllowed)))
		}
	}
	return s, nil
}

func atoiOr(v string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Encode renders the status back to multirom.ini form, preserving every
// unrecognized key it was loaded with (Testable Property 8).
func (s *Status) Encode() ([]byte, error) {
	kv := map[string]string{}
	for k, v := range s.unknown {
		kv[k] = v
	}
	kv[keyCurrentRom] = s.CurrentRom
	kv[keyCurrRomPart] = s.CurrRomPart
	kv[keyAutoBootRom] = s.AutoBootRom
	kv[keyAutoBootSeconds] = strconv.Itoa(s.AutoBootSeconds)
	kv[keyAutoBootType] = strconv.Itoa(int(s.AutoBootType))
	kv[keyColorScheme] = strconv.Itoa(s.ColorScheme)
	kv[keyBrightness] = strconv.Itoa(s.Brightness)
	kv[keyRotation] = strconv.Itoa(s.Rotation)
	kv[keyEnableADB] = boolStr(s.EnableADB)
	kv[keyHideInternal] = boolStr(s.HideInternal)
	kv[keyIntDisplayName] = boolStr(s.IntDisplayName)
	kv[keyNoKexec] = strconv.Itoa(int(s.NoKexec))

	out, err := godotenv.Marshal(kv)
	if err != nil {
		return nil, errors.Wrap(err, "encoding multirom.ini")
	}
	return []byte(out + "\n"), nil
}

// Save writes the status to path.
func (s *Status) Save(cfg types.Config, path string) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	return cfg.Fs.WriteFile(path, data, 0644)
}

// DetectSecondBoot implements spec.md §4.6: either the kernel ring-buffer
// sentinel appears verbatim in /proc/last_kmsg, or the primary boot
// partition's header already carries the secondary tag byte.
func DetectSecondBoot(lastKmsg []byte, primaryHasSecondaryTag bool) bool {
	if primaryHasSecondaryTag {
		return true
	}
	for _, line := range strings.Split(string(lastKmsg), "\n") {
		if strings.TrimSpace(line) == constants.SecondBootSentinel {
			return true
		}
	}
	return false
}

// ResolveCurrentRomDeadline bounds the USB-retry loop spec.md §4.6
// describes: "retried up to ten times with a one-second sleep before giving
// up". It is a pure helper so callers can drive the actual sleep/retry loop
// with a context.Context and this package stays untestable-timer-free.
func ResolveCurrentRomDeadline() (retries int, gap time.Duration) {
	return constants.USBPartitionRetries, constants.USBPartitionRetryGap
}
