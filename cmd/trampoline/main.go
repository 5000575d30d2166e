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

// Command trampoline is the PID-1 entry point: argv[0] is /init. It also
// doubles as the ramdisk injector's invocation path (--inject=), since both
// roles are built from the same binary in the original (trampoline.c
// handles `-v`, `--inject=`, `--mrom_dir=`, `-f` before ever touching PID 1
// duties).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/multirom/multirom/internal/buildinfo"
	"github.com/multirom/multirom/internal/config"
	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/kexec"
	"github.com/multirom/multirom/pkg/ramdisk"
	"github.com/multirom/multirom/pkg/rom"
	"github.com/multirom/multirom/pkg/selection"
	"github.com/multirom/multirom/pkg/status"
	"github.com/multirom/multirom/pkg/trampoline"
	"github.com/multirom/multirom/pkg/types"
)

func main() {
	flags := pflag.NewFlagSet("trampoline", pflag.ContinueOnError)
	printVersion := flags.BoolP("version", "v", false, "print the trampoline version and exit")
	injectPath := flags.String("inject", "", "patch this boot image's ramdisk instead of running as init")
	mromDir := flags.String("mrom_dir", "", "multirom data directory (required with --inject)")
	force := flags.BoolP("force", "f", false, "bypass the inject idempotency check")
	configPath := flags.String("config", "", "optional config file layered under flags/environment")
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *printVersion {
		fmt.Println(buildinfo.TrampolineVersion())
		return
	}

	if *injectPath != "" {
		if *mromDir == "" {
			fmt.Println("--mrom_dir=[path to multirom's data dir] needs to be specified!")
			os.Exit(1)
		}
		os.Exit(runInject(*injectPath, *mromDir, *force))
	}

	opts, err := config.Load(flags, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := types.NewLogrusLogger("trampoline")
	cfg := types.Config{
		Logger:  logger,
		Fs:      types.NewRealFS(),
		Mounter: types.NewRealMounter(),
		Runner:  types.NewRealRunner(),
		Paths: types.Paths{
			MultiromDir:          opts.MultiromDir,
			RealData:             "/realdata",
			BusyboxPath:          opts.BusyboxPath,
			KexecHelper:          opts.KexecHelper,
			DecryptHelper:        opts.DecryptHelper,
			BlkidHelper:          opts.BlkidHelper,
			PrimaryBootPartition: opts.PrimaryBoot,
		},
	}

	platform := kexec.PlatformATags
	if opts.DeviceTree {
		platform = kexec.PlatformDeviceTree
	}

	deps := trampoline.Deps{
		Device:            newRealDevice(opts.BusyboxPath),
		UI:                noopUI{},
		EncryptionBuiltIn: opts.EncryptionBuiltIn,
		UseMromFstab:      opts.UseMromFstab,
		EnableADB:         opts.EnableADB,
		ChargerMode:       chargerModeFromCmdline(cfg),
		KexecPlatform:     platform,
	}

	exitFlags, err := trampoline.Run(context.Background(), cfg, deps)
	if err != nil {
		logger.Errorf("trampoline exited with error: %v", err)
		if exitFlags.Has(constants.ExitReboot) {
			if rerr := trampoline.Reboot(unix.LINUX_REBOOT_CMD_RESTART); rerr != nil {
				logger.Errorf("reboot request failed: %v", rerr)
			}
		}
		os.Exit(1)
	}
}

func runInject(imgPath, mromDir string, force bool) int {
	cfg := types.Config{
		Logger:  types.NewLogrusLogger("trampoline_inject"),
		Fs:      types.NewRealFS(),
		Mounter: types.NewRealMounter(),
		Runner:  types.NewRealRunner(),
	}
	err := ramdisk.Inject(cfg, ramdisk.Options{
		BootImagePath:     imgPath,
		MultiromDir:       mromDir,
		TrampolineVersion: buildinfo.TrampolineVersion(),
		NoKexecVersion:    buildinfo.NoKexecVersion(),
		Force:             force,
	})
	if err != nil {
		cfg.Logger.Errorf("inject failed: %v", err)
		return 1
	}
	return 0
}

func chargerModeFromCmdline(cfg types.Config) bool {
	data, err := cfg.Fs.ReadFile("/proc/cmdline")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "androidboot.mode=charger")
}

// noopUI is the headless stand-in for MultiROM's interactive list/animation
// UI, which is out of this spec's scope (spec.md §4.13 Non-goals). It always
// reboots rather than guessing a ROM, matching the original's behaviour when
// no UI widget toolkit is linked in. A real product build links a
// framebuffer-backed UI satisfying selection.UI here instead.
type noopUI struct{}

func (noopUI) Run(ctx context.Context, cfg types.Config, roms []*rom.Rom, st *status.Status) (selection.UIResult, error) {
	return selection.UIResult{Verdict: constants.VerdictReboot}, nil
}
