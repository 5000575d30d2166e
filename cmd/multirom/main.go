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

// Command multirom is the main process: the ROM-selection-through-load
// pipeline, invoked either by the trampoline in-process (pkg/trampoline.Run
// runs the same pipeline that pkg/trampoline.Select, which this binary
// wraps, exposes) or directly from a
// running Android userspace with --boot-rom= to force an immediate reboot
// into a named secondary, mirroring the original main.c's three-way
// dispatch (-v, -apkL, normal run).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/multirom/multirom/internal/buildinfo"
	"github.com/multirom/multirom/internal/config"
	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/kexec"
	"github.com/multirom/multirom/pkg/partition"
	"github.com/multirom/multirom/pkg/rom"
	"github.com/multirom/multirom/pkg/selection"
	"github.com/multirom/multirom/pkg/status"
	"github.com/multirom/multirom/pkg/trampoline"
	"github.com/multirom/multirom/pkg/types"
)

func main() {
	var (
		printVersion bool
		apkList      bool
		bootRom      string
		configPath   string
		dumpConfig   bool
	)

	root := &cobra.Command{
		Use:          "multirom",
		Short:        "MultiROM ROM selection and boot-staging process",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case printVersion:
				fmt.Println(buildinfo.MultiromVersionLine())
				fmt.Println(buildinfo.ApkVersionLine())
				return nil
			case dumpConfig:
				return runDumpConfig(configPath)
			case apkList:
				return runApkList(configPath)
			default:
				return runSelect(configPath, bootRom)
			}
		},
	}

	root.Flags().BoolVarP(&printVersion, "version", "v", false, "print the multirom and apk version lines")
	root.Flags().BoolVar(&apkList, "apkL", false, "list installed ROMs for the MultiROM Manager app")
	root.Flags().StringVar(&bootRom, "boot-rom", "", "force immediate boot of the named ROM")
	root.Flags().StringVar(&configPath, "config", "", "optional config file layered under flags/environment")
	root.Flags().BoolVar(&dumpConfig, "dump-config", false, "print the fully layered configuration as YAML and exit")

	// pflag reads a single-dash multi-letter token as a run of shorthands,
	// so the literal "-apkL" is rewritten to its long form first.
	args := os.Args[1:]
	for i, a := range args {
		if a == "-apkL" {
			args[i] = "--apkL"
		}
	}
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildConfig(configPath string) (types.Config, config.Options, error) {
	opts, err := config.Load(nil, configPath)
	if err != nil {
		return types.Config{}, opts, err
	}
	cfg := types.Config{
		Logger:  types.NewLogrusLogger("multirom"),
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
	return cfg, opts, nil
}

// runApkList implements `-apkL`: discover external partitions, scan every
// ROM (internal and external), and print one `ROM:` line each in the format
// the MultiROM Manager app expects (spec.md §6).
func runApkList(configPath string) error {
	cfg, opts, err := buildConfig(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	parts, err := partition.Discover(ctx, cfg, opts.BlkidHelper)
	if err != nil {
		cfg.Logger.Warnf("partition discovery: %v", err)
	}
	set := partition.NewSet()
	set.Replace(parts)

	usbRoots := map[string]string{}
	device := hardwareFromCmdline(cfg)
	for _, p := range set.All() {
		if !p.Mounted {
			continue
		}
		usbRoots[p.UUID] = p.MountPath + "/multirom-" + device
	}

	roms, err := rom.Scan(cfg, cfg.Paths.MultiromDir, usbRoots)
	if err != nil {
		return err
	}

	for _, r := range roms {
		if r.PartitionUUID == "" {
			fmt.Printf("ROM: name=%s base=%s icon=%s\n", r.Name, r.BaseDir, r.BaseDir+"/icon.png")
			continue
		}
		p, _ := set.ByUUID(r.PartitionUUID)
		fmt.Printf("ROM: name=%s base=%s icon=%s part_name=%s part_mount=%s part_uuid=%s part_fs=%s\n",
			r.Name, r.BaseDir, r.BaseDir+"/icon.png", p.Name, p.MountPath, p.UUID, p.Type)
	}
	return nil
}

// runDumpConfig implements `--dump-config`, printing the fully resolved
// Options (defaults, config file, MULTIROM_* environment, flags, in that
// precedence) as YAML for a device maintainer to inspect.
func runDumpConfig(configPath string) error {
	opts, err := config.Load(nil, configPath)
	if err != nil {
		return err
	}
	out, err := opts.DumpYAML()
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func hardwareFromCmdline(cfg types.Config) string {
	data, err := cfg.Fs.ReadFile("/proc/cmdline")
	if err != nil {
		return ""
	}
	for _, tok := range strings.Fields(string(data)) {
		if strings.HasPrefix(tok, "androidboot.hardware=") {
			return strings.TrimPrefix(tok, "androidboot.hardware=")
		}
	}
	return ""
}

// runSelect implements the normal run / --boot-rom= path: stage and load the
// resolved ROM, then act on the returned exit flags the way main.c's tail
// does (reboot variants, kexec, or leave /realdata mounted).
func runSelect(configPath, bootRom string) error {
	cfg, opts, err := buildConfig(configPath)
	if err != nil {
		return err
	}

	platform := kexec.PlatformATags
	if opts.DeviceTree {
		platform = kexec.PlatformDeviceTree
	}

	deps := trampoline.Deps{
		UI:                refuseUI{},
		RequestedRomName:  bootRom,
		EncryptionBuiltIn: opts.EncryptionBuiltIn,
		UseMromFstab:      opts.UseMromFstab,
		KexecPlatform:     platform,
	}

	flags, err := trampoline.Select(context.Background(), cfg, deps, cfg.Paths.MultiromDir)
	if err != nil {
		return err
	}

	// Select stages the helper at /kexec and returns ExitKexec only after a
	// successful load, but does not execute it; that is done here with
	// `/kexec -e`. Otherwise act on the reboot variants, matching main.c's
	// tail switch.
	if flags.Has(constants.ExitKexec) {
		argv := []string{constants.KexecPath, "-e"}
		return fmt.Errorf("execve %s: %w", constants.KexecPath, unix.Exec(constants.KexecPath, argv, nil))
	}
	if cmd, ok := rebootCmd(flags); ok {
		if err := trampoline.Reboot(cmd); err != nil {
			cfg.Logger.Warnf("reboot request failed: %v", err)
		}
	}
	return nil
}

// rebootCmd maps the trampoline/selection exit bitset onto the reboot(2)
// command constants main.c picks between (REBOOT_RECOVERY, REBOOT_BOOTLOADER,
// REBOOT_SHUTDOWN, plain REBOOT), in that same priority order. Recovery and
// bootloader requests both become a plain restart: unix.Reboot passes no
// reason string, so the device does not land in recovery or the bootloader.
func rebootCmd(flags constants.ExitFlag) (int, bool) {
	switch {
	case flags.Has(constants.ExitRebootRecovery):
		return unix.LINUX_REBOOT_CMD_RESTART, true
	case flags.Has(constants.ExitRebootBootloader):
		return unix.LINUX_REBOOT_CMD_RESTART, true
	case flags.Has(constants.ExitShutdown):
		return unix.LINUX_REBOOT_CMD_POWER_OFF, true
	case flags.Has(constants.ExitReboot):
		return unix.LINUX_REBOOT_CMD_RESTART, true
	default:
		return 0, false
	}
}

// refuseUI mirrors cmd/trampoline's noopUI: multirom invoked standalone
// never has a UI widget toolkit linked in either.
type refuseUI struct{}

func (refuseUI) Run(ctx context.Context, cfg types.Config, roms []*rom.Rom, st *status.Status) (selection.UIResult, error) {
	return selection.UIResult{Verdict: constants.VerdictReboot}, nil
}
