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

package main

import (
	"context"
	"os/exec"
	"time"

	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/types"
)

// realDevice implements trampoline.DeviceOps on real hardware. Both methods
// touch the process tree directly instead of going through types.Runner:
// ScanUevents's busybox call needs no output capture, and StartADB needs to
// outlive the call that starts it, neither of which fits Runner's
// run-to-completion contract.
type realDevice struct{ busybox string }

func newRealDevice(busybox string) *realDevice { return &realDevice{busybox: busybox} }

// ScanUevents replays the /sys uevent tree to populate /dev/block, the
// portable equivalent of the original trampoline's devices_init() uevent
// netlink listener: busybox mdev -s walks /sys and creates the device nodes
// a netlink listener would have created as events arrived.
func (d *realDevice) ScanUevents(ctx context.Context, cfg types.Config) error {
	cmd := exec.CommandContext(ctx, d.busybox, "mdev", "-s")
	return cmd.Run()
}

// StartADB launches adbd detached and returns a stop func that kills it.
// adbd is expected to live under the multirom directory's busybox-adjacent
// tools, matching the original's adb_init(path_multirom).
func (d *realDevice) StartADB(ctx context.Context, cfg types.Config) (func(), error) {
	path := cfg.Paths.MultiromDir + "/adbd"
	cmd := exec.Command(path, "-a")
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	stop := func() {
		_ = cmd.Process.Kill()
		done := make(chan struct{})
		go func() { cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(constants.ADBRestartDelay):
		}
	}
	return stop, nil
}
