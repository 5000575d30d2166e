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

package rominfo

import (
	"testing"

	"github.com/multirom/multirom/pkg/types"
)

const sampleRomInfo = `# sample
type="kexec"
kernel_path="/boot/%r"
base_cmdline="%b root=%r rootfstype=%s"
root_dir="%m/system"
`

func TestParseAndValidate(t *testing.T) {
	info, err := Parse([]byte(sampleRomInfo))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := info.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsWrongType(t *testing.T) {
	info, _ := Parse([]byte(`type="legacy"
kernel_path="/boot/x"
base_cmdline="x"
root_dir="/x"
`))
	if err := info.Validate(); err == nil {
		t.Fatalf("expected validation error for non-kexec type")
	}
}

func TestExpandPathsAndCmdline(t *testing.T) {
	info, err := Parse([]byte(sampleRomInfo))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	info.ExpandPaths("roms/Ubuntu")
	if v, _ := info.Get("root_dir"); v != "roms/Ubuntu/system" {
		t.Fatalf("got root_dir=%q", v)
	}

	cfg := types.Config{Logger: nopLogger{}}
	m := Macros{
		BootloaderCmdline: "console=ttyMSM0",
		RootBlockDevice:   "/dev/block/mmcblk0p1",
		RootFsType:        "ext4",
	}
	info.ExpandCmdline(cfg, m)
	got, _ := info.Get("base_cmdline")
	want := "console=ttyMSM0 root=/dev/block/mmcblk0p1 rootfstype=ext4"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExpandCmdlineLeavesUnknownTokens(t *testing.T) {
	info, _ := Parse([]byte(`type="kexec"
kernel_path="/boot/x"
base_cmdline="foo %z bar"
root_dir="/x"
`))
	cfg := types.Config{Logger: nopLogger{}}
	info.ExpandCmdline(cfg, Macros{})
	got, _ := info.Get("base_cmdline")
	if got != "foo %z bar" {
		t.Fatalf("unknown token should be left in place, got %q", got)
	}
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
