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

// Package kexec probes kernel support for the kexec-hardboot patch and
// drives the external kexec helper, per spec.md §4.10.
package kexec

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/zcalusic/sysinfo"

	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/types"
)

// Platform selects which device-description mechanism to check for:
// legacy ATAGs or a flattened device tree.
type Platform int

const (
	PlatformATags Platform = iota
	PlatformDeviceTree
)

// Capability is the result of one hardboot capability probe; Probe
// recomputes it on every call.
type Capability struct {
	Supported bool
	Reason    string
}

// Probe implements spec.md §4.10's capability probe. When /proc/config.gz
// is readable it is preferred (it yields a precise answer); otherwise the
// probe falls back to checking for the presence of /proc/atags or
// /proc/device-tree depending on platform.
func Probe(cfg types.Config, platform Platform) Capability {
	if data, err := cfg.Fs.ReadFile(constants.ConfigGzPath); err == nil {
		return probeConfigGz(data, platform)
	}

	var path string
	if platform == PlatformDeviceTree {
		path = constants.DeviceTreeDir
	} else {
		path = constants.AtagsPath
	}
	if types.FileExists(cfg.Fs, path) {
		return Capability{Supported: true, Reason: "fallback presence check: " + path}
	}
	return Capability{Supported: false, Reason: path + " not present"}
}

func probeConfigGz(data []byte, platform Platform) Capability {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return Capability{Supported: false, Reason: "config.gz unreadable: " + err.Error()}
	}
	defer r.Close()
	text, err := io.ReadAll(r)
	if err != nil {
		return Capability{Supported: false, Reason: "config.gz decompress failed: " + err.Error()}
	}

	if !hasConfig(text, "CONFIG_KEXEC_HARDBOOT") {
		return Capability{Supported: false, Reason: "CONFIG_KEXEC_HARDBOOT not set"}
	}
	want := "CONFIG_ATAGS_PROC"
	if platform == PlatformDeviceTree {
		want = "CONFIG_PROC_DEVICETREE"
	}
	if !hasConfig(text, want) {
		return Capability{Supported: false, Reason: want + " not set"}
	}
	return Capability{Supported: true, Reason: "config.gz: all required options set"}
}

func hasConfig(configText []byte, key string) bool {
	for _, line := range strings.Split(string(configText), "\n") {
		if strings.TrimSpace(line) == key+"=y" {
			return true
		}
	}
	return false
}

// LogEnvironment records the running kernel/OS facts zcalusic/sysinfo
// exposes alongside a capability-probe result, so the error.txt dump
// (pkg/trampoline) always has enough context to diagnose a failed probe on
// an unfamiliar device without a second round-trip.
func LogEnvironment(cfg types.Config, cap Capability) {
	if cfg.Logger == nil {
		return
	}
	var si sysinfo.SysInfo
	si.GetSysInfo()
	cfg.Logger.Infof("kexec-hardboot probe: supported=%v reason=%q kernel=%s os=%s",
		cap.Supported, cap.Reason, si.Kernel.Release, si.OS.Name)
}

// AndroidCmdline implements spec.md §4.10's Android cmdline assembly: the
// existing boot-image cmdline, the bootloader cmdline with the boot-image
// portion stripped if present, and the mrom_kexecd=1 sentinel.
func AndroidCmdline(bootImageCmdline, bootloaderCmdline string) string {
	bootloaderCmdline = strings.TrimSpace(bootloaderCmdline)
	if bootImageCmdline != "" && strings.Contains(bootloaderCmdline, bootImageCmdline) {
		bootloaderCmdline = strings.TrimSpace(strings.Replace(bootloaderCmdline, bootImageCmdline, "", 1))
	}
	parts := []string{}
	if bootImageCmdline != "" {
		parts = append(parts, bootImageCmdline)
	}
	if bootloaderCmdline != "" {
		parts = append(parts, bootloaderCmdline)
	}
	parts = append(parts, constants.KexecCmdlineTag)
	return strings.Join(parts, " ")
}

// LoadArgs is what Load passes to the external kexec helper.
type LoadArgs struct {
	MemMin   string
	Kernel   string
	Initrd   string
	Cmdline  string
	Dtb      string // optional, DT builds only
}

// Load invokes the external kexec helper with --load-hardboot.
func Load(ctx context.Context, cfg types.Config, kexecHelper string, args LoadArgs) error {
	cliArgs := []string{
		"--load-hardboot",
		fmt.Sprintf("--mem-min=%s", args.MemMin),
		args.Kernel,
		fmt.Sprintf("--initrd=%s", args.Initrd),
		fmt.Sprintf("--command-line=%s", args.Cmdline),
	}
	if args.Dtb != "" {
		cliArgs = append(cliArgs, fmt.Sprintf("--dtb=%s", args.Dtb))
	}
	if _, err := cfg.Runner.Run(ctx, kexecHelper, cliArgs...); err != nil {
		return errors.Wrap(err, "kexec --load-hardboot failed")
	}
	return nil
}

// StageHelper copies the kexec helper binary to /kexec so the trampoline
// can execve it after every other subsystem has been torn down.
func StageHelper(cfg types.Config, kexecHelperPath string) error {
	data, err := cfg.Fs.ReadFile(kexecHelperPath)
	if err != nil {
		return errors.Wrap(err, "reading kexec helper")
	}
	if err := cfg.Fs.WriteFile(constants.KexecPath, data, 0750); err != nil {
		return errors.Wrap(err, "staging /kexec")
	}
	return nil
}
