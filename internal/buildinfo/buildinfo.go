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

// Package buildinfo holds the version stamps the ramdisk injector and the
// `-v`/`-apkL` CLI surfaces need, the way the teacher's version information
// is threaded through ldflags rather than hardcoded. TrampolineVersion and
// NoKexecVersion are overridden at link time:
//
//	go build -ldflags "-X github.com/multirom/multirom/internal/buildinfo.trampolineVersion=12 \
//	                    -X github.com/multirom/multirom/internal/buildinfo.noKexecVersion=3"
package buildinfo

import "strconv"

var (
	// trampolineVersion is the integer stamped into a boot image's name
	// field as "tr_ver<N>" (spec.md §4.3 step 7). Defaults to 1 so a
	// development build still injects something self-consistent.
	trampolineVersion = "1"

	// noKexecVersion is the no-kexec feature version byte. Defaults to 1.
	noKexecVersion = "1"

	// multiromVersion/apkVersion back `multirom -v`'s two-line reply.
	multiromVersion = "dev"
	devFix          = ""
	apkVersion      = "dev"
)

// TrampolineVersion returns the int stamped on boot images at inject time.
func TrampolineVersion() int {
	n, err := strconv.Atoi(trampolineVersion)
	if err != nil {
		return 1
	}
	return n
}

// NoKexecVersion returns the no-kexec feature version byte.
func NoKexecVersion() byte {
	n, err := strconv.Atoi(noKexecVersion)
	if err != nil || n < 0 || n > 255 {
		return 1
	}
	return byte(n)
}

// MultiromVersionLine is `multirom -v`'s first line (spec.md §6).
func MultiromVersionLine() string {
	return multiromVersion + devFix
}

// ApkVersionLine is `multirom -v`'s second line.
func ApkVersionLine() string {
	return "apkL" + apkVersion
}
