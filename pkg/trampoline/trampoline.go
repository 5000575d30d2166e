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

// Package trampoline drives the PID-1 lifecycle of spec.md §4.1: pseudo-fs
// setup, fstab auto-load, the /data mount (with the encryption gate as
// fallback), ROM selection, and the teardown/re-exec sequence that hands
// control to the vendor init. It is the orchestration layer; every step
// with real logic of its own (staging, injection, decryption, kexec) lives
// in its own package and is merely sequenced here, the way the teacher's
// install/reset actions sequence its snapshotter and mount packages.
package trampoline

import (
	"context"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sanity-io/litter"
	"golang.org/x/sys/unix"

	"github.com/multirom/multirom/pkg/bootimg"
	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/decrypt"
	"github.com/multirom/multirom/pkg/fstab"
	"github.com/multirom/multirom/pkg/kexec"
	"github.com/multirom/multirom/pkg/nokexec"
	"github.com/multirom/multirom/pkg/rom"
	"github.com/multirom/multirom/pkg/selection"
	"github.com/multirom/multirom/pkg/stage"
	"github.com/multirom/multirom/pkg/status"
	"github.com/multirom/multirom/pkg/types"
)

// DeviceOps is the hardware-facing subsystem the driver delegates operations
// to that have no portable Go implementation: replaying uevents to populate
// /dev/block, and supervising the adbd child. Real builds wire a concrete
// implementation; tests supply a no-op fake, the same split pkg/selection
// uses for its out-of-scope UI.
type DeviceOps interface {
	ScanUevents(ctx context.Context, cfg types.Config) error
	StartADB(ctx context.Context, cfg types.Config) (stop func(), err error)
}

// Deps bundles everything Run needs beyond cfg: the out-of-scope
// collaborators, helper binary paths, and the knobs spec.md's components
// take as parameters.
type Deps struct {
	Device DeviceOps
	UI     selection.UI

	RequestedRomName string

	EncryptionBuiltIn bool
	UseMromFstab      bool
	EnableADB         bool
	ChargerMode       bool // true if androidboot.mode=charger was seen on cmdline

	KexecPlatform kexec.Platform
}

// Run implements spec.md §4.1's ten-step lifecycle, returning the exit
// flags the final teardown acted on (useful to callers/tests that want to
// assert on the decision without actually re-exec'ing).
func Run(ctx context.Context, cfg types.Config, deps Deps) (constants.ExitFlag, error) {
	if err := mountPseudoFS(cfg); err != nil {
		return 0, errors.Wrap(err, "mounting pseudo filesystems")
	}
	initKernelLogging(cfg)

	if !deps.ChargerMode {
		if err := deps.Device.ScanUevents(ctx, cfg); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnf("uevent scan: %v", err)
		}
		waitForFramebuffer(cfg)

		if err := autoLoadFstab(cfg); err != nil {
			return fatal(cfg, "loading fstab", err)
		}

		bootInternal, bootRecovery, err := mountData(ctx, cfg, deps)
		if err != nil {
			return fatal(cfg, "mounting /data", err)
		}
		if bootInternal || bootRecovery {
			flags := constants.ExitReboot
			if bootRecovery {
				flags |= constants.ExitRebootRecovery
			}
			return teardown(ctx, cfg, flags)
		}
	}

	mromDir, err := locateMultiromDir(cfg)
	if err != nil {
		return fatal(cfg, "locating multirom directory", err)
	}
	cfg.Paths.MultiromDir = mromDir

	var stopADB func()
	if deps.EnableADB && !deps.ChargerMode {
		stop, err := deps.Device.StartADB(ctx, cfg)
		if err != nil && cfg.Logger != nil {
			cfg.Logger.Warnf("starting adb: %v", err)
		}
		stopADB = stop
	}

	flags, err := runMain(ctx, cfg, deps, mromDir)
	if stopADB != nil {
		stopADB()
	}
	if err != nil {
		return fatal(cfg, "running main process", err)
	}

	return teardown(ctx, cfg, flags)
}

// mountPseudoFS implements step 1: umask is a process-wide setting the
// caller's main() establishes before Run; everything mountable is listed
// here in the order the kernel expects (proc/sys need no predecessor, but
// /dev/pts requires /dev to already be tmpfs-backed).
func mountPseudoFS(cfg types.Config) error {
	mounts := []struct{ src, target, fstype string }{
		{"tmpfs", constants.DevDir, "tmpfs"},
		{"devpts", constants.DevDir + "/pts", "devpts"},
		{"proc", constants.ProcDir, "proc"},
		{"sysfs", constants.SysDir, "sysfs"},
		{"pstore", constants.PstoreDir, "pstore"},
	}
	for _, m := range mounts {
		if err := cfg.Fs.MkdirAll(m.target, 0755); err != nil {
			return errors.Wrapf(err, "creating %s", m.target)
		}
		if err := cfg.Mounter.Mount(m.src, m.target, m.fstype, nil); err != nil {
			return errors.Wrapf(err, "mounting %s", m.target)
		}
	}
	// debugfs is optional: some kernels ship it disabled.
	if err := cfg.Fs.MkdirAll(constants.DebugfsDir, 0755); err == nil {
		if err := cfg.Mounter.Mount("debugfs", constants.DebugfsDir, "debugfs", nil); err != nil && cfg.Logger != nil {
			cfg.Logger.Debugf("debugfs unavailable: %v", err)
		}
	}
	return nil
}

// initKernelLogging implements step 2 as a log milestone only. The logger
// that cmd/trampoline builds writes to the process's stderr, and nothing here
// redirects it to the kernel log; this just announces that the
// pseudo-filesystems are up.
func initKernelLogging(cfg types.Config) {
	if cfg.Logger != nil {
		cfg.Logger.Infof("trampoline: pseudo-filesystems mounted, logging initialised")
	}
}

// waitForFramebuffer implements step 5: poll for up to
// constants.FramebufferWaitTimeout, proceeding regardless on timeout (a
// missing fb device is logged, not fatal — some devices boot headless).
func waitForFramebuffer(cfg types.Config) {
	deadline := time.Now().Add(constants.FramebufferWaitTimeout)
	for {
		if types.FileExists(cfg.Fs, constants.FbDevice) {
			return
		}
		if time.Now().After(deadline) {
			if cfg.Logger != nil {
				cfg.Logger.Warnf("timed out waiting for %s", constants.FbDevice)
			}
			return
		}
		time.Sleep(constants.WorkerTickInterval)
	}
}

// autoLoadFstab implements step 6: prefer /mrom.fstab, else the
// longest-matching /fstab.<TARGET_DEVICE>.
func autoLoadFstab(cfg types.Config) error {
	if types.FileExists(cfg.Fs, constants.FstabPreferredName) {
		return nil
	}

	candidates, err := collectFstabCandidates(cfg)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return errors.New("no /fstab.* candidate found")
	}
	device := cmdlineField(cfg, "androidboot.hardware")
	chosen, ok := fstab.LongestMatchSuffix(candidates, device)
	if !ok {
		return errors.New("no suitable fstab matched the target device")
	}
	data, err := cfg.Fs.ReadFile(chosen)
	if err != nil {
		return errors.Wrapf(err, "reading %s", chosen)
	}
	return cfg.Fs.WriteFile(constants.FstabPreferredName, data, 0644)
}

// collectFstabCandidates lists the root-level /fstab.* files.
func collectFstabCandidates(cfg types.Config) ([]string, error) {
	var names []string
	err := cfg.Fs.Walk("/", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || path.Dir(p) != "/" {
			return nil
		}
		if strings.HasPrefix(path.Base(p), "fstab.") {
			names = append(names, p)
		}
		return nil
	})
	return names, err
}

// cmdlineField extracts `key=value` from /proc/cmdline.
func cmdlineField(cfg types.Config, key string) string {
	data, err := cfg.Fs.ReadFile(constants.CmdlinePath)
	if err != nil {
		return ""
	}
	for _, tok := range strings.Fields(string(data)) {
		if strings.HasPrefix(tok, key+"=") {
			return strings.TrimPrefix(tok, key+"=")
		}
	}
	return ""
}

// rawCmdline returns /proc/cmdline verbatim (trimmed), used as the
// bootloader command line input to kexec.AndroidCmdline.
func rawCmdline(cfg types.Config) string {
	data, err := cfg.Fs.ReadFile(constants.CmdlinePath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// mountData implements step 7: try the fstab-declared FS, then the alt-FS
// cycle; on total failure, run the encryption gate if compiled in.
func mountData(ctx context.Context, cfg types.Config, deps Deps) (bootInternal, bootRecovery bool, err error) {
	data, err := cfg.Fs.ReadFile(constants.FstabPreferredName)
	if err != nil {
		return false, false, errors.Wrap(err, "reading loaded fstab")
	}
	tbl, err := fstab.Parse(data)
	if err != nil {
		return false, false, err
	}
	entry, ok := tbl.ByPath("/data")
	if !ok {
		return false, false, errors.New("fstab has no /data entry")
	}

	device, rerr := fstab.ResolveDevice(cfg, entry.Device)
	if rerr != nil {
		device = entry.Device
	}

	if err := cfg.Mounter.Mount(device, constants.RealDataMount, entry.Type, []string{"noatime"}); err == nil {
		return false, false, nil
	}
	if err := decrypt.MountWithAltFS(ctx, cfg, device, constants.RealDataMount); err == nil {
		return false, false, nil
	}

	if !deps.EncryptionBuiltIn {
		return false, false, errors.New("/data mount failed and encryption is not compiled in")
	}
	return runEncryptionGate(ctx, cfg, tbl, entry)
}

// encHelperPath is where the decrypt helper ends up once extracted. The
// enc/ tree it is extracted from was baked into the ramdisk's root at
// injection time (pkg/ramdisk.injectTarget's EncryptionBuiltIn copy), not
// fetched from the not-yet-mounted /data, so the extraction source here is
// the ramdisk root's own "/enc" rather than <mromDir>/enc.
const encHelperPath = "/mrom_enc/decrypt"

func runEncryptionGate(ctx context.Context, cfg types.Config, tbl *fstab.Table, entry fstab.Entry) (bootInternal, bootRecovery bool, err error) {
	if !types.IsDir(cfg.Fs, "/mrom_enc") {
		if err := decrypt.ExtractHelperTree(cfg, ""); err != nil {
			return false, false, err
		}
	}
	if _, ok := decrypt.CryptoFooterHint(entry); !ok {
		return false, false, errors.New("no crypto footer hint in fstab /data row")
	}

	res, err := decrypt.Run(ctx, cfg, encHelperPath, "")
	if err != nil {
		return false, false, err
	}
	switch res.Verdict {
	case decrypt.VerdictBootInternal:
		return true, false, nil
	case decrypt.VerdictBootRecovery:
		return false, true, nil
	}

	decrypt.SpliceDevice(tbl, res.Device)
	if err := decrypt.MountWithAltFS(ctx, cfg, res.Device, constants.RealDataMount); err != nil {
		return false, false, errors.Wrap(err, "mounting decrypted device")
	}
	return false, false, nil
}

// locateMultiromDir implements step 8: find <realdata>/media/[0/]multirom.
func locateMultiromDir(cfg types.Config) (string, error) {
	for _, rel := range []string{"media/0/multirom", "media/multirom"} {
		dir := path.Join(constants.RealDataMount, rel)
		if types.IsDir(cfg.Fs, dir) {
			return dir, nil
		}
	}
	return "", errors.New("multirom data directory not found under /realdata/media")
}

// Select runs the ROM-selection-through-load pipeline (steps 9's core, minus
// ADB supervision) against an already-mounted root. It is what `cmd/multirom
// --boot-rom=` calls directly when invoked from a running Android userspace
// instead of through the full PID-1 lifecycle; it wraps runMain, which Run's
// step 9 calls once /data is mounted and mromDir is known.
func Select(ctx context.Context, cfg types.Config, deps Deps, mromDir string) (constants.ExitFlag, error) {
	return runMain(ctx, cfg, deps, mromDir)
}

// runMain implements step 9's "run the main MultiROM process": scan ROMs,
// load status, and hand off to the selection engine, then stage and load
// whatever it picked.
func runMain(ctx context.Context, cfg types.Config, deps Deps, mromDir string) (constants.ExitFlag, error) {
	st, err := status.Load(cfg, path.Join(mromDir, constants.StatusFileName))
	if err != nil {
		return 0, err
	}

	roms, err := rom.Scan(cfg, mromDir, nil)
	if err != nil {
		return 0, err
	}

	outcome, err := selection.Decide(ctx, cfg, roms, st, deps.UI, deps.RequestedRomName)
	if err != nil {
		return 0, err
	}
	if outcome.Rom == nil {
		return outcome.ExitFlags, nil
	}

	flags, err := stageAndLoad(ctx, cfg, deps, outcome.Rom, st)
	if err != nil {
		return 0, err
	}
	return flags | outcome.ExitFlags, nil
}

// stageAndLoad implements spec.md §2's three-way pipeline. A second boot
// (Scenario C) only ever means an Android ROM whose staging already ran
// through the no-kexec swap or a prior kexec: it is handed off in place via
// bind/loop mounts, no reboot and no kexec. Every other boot stages only
// what the chosen loader needs: Linux always stages (the loader needs its
// resolved kernel/initrd/cmdline), Android only bind-mounts when this is a
// second boot — a first-boot Android kexec pulls its payload straight out
// of boot.img instead (loadViaKexec), and the no-kexec fallback swaps the
// whole image without touching the running root at all.
func stageAndLoad(ctx context.Context, cfg types.Config, deps Deps, r *rom.Rom, st *status.Status) (constants.ExitFlag, error) {
	if st.IsSecondBoot && r.Kind.IsAndroid() {
		if _, err := (stage.AndroidStager{}).Stage(ctx, cfg, r); err != nil {
			return 0, errors.Wrap(err, "staging rom")
		}
		st.IsSecondBoot = false
		if err := st.Save(cfg, path.Join(cfg.Paths.MultiromDir, constants.StatusFileName)); err != nil {
			return 0, errors.Wrap(err, "saving status")
		}
		return 0, nil
	}

	noKexecForced := st.NoKexec == constants.NoKexecForced
	capability := kexec.Probe(cfg, deps.KexecPlatform)
	kexec.LogEnvironment(cfg, capability)

	if r.Kind.IsLinux() {
		result, err := (stage.LinuxStager{}).Stage(ctx, cfg, r)
		if err != nil {
			return 0, errors.Wrap(err, "staging rom")
		}
		if capability.Supported && !noKexecForced {
			return loadViaKexec(ctx, cfg, deps, r, result)
		}
		return loadViaNoKexec(ctx, cfg, r)
	}

	if capability.Supported && !noKexecForced {
		return loadViaKexec(ctx, cfg, deps, r, &stage.Result{})
	}
	return loadViaNoKexec(ctx, cfg, r)
}

func loadViaKexec(ctx context.Context, cfg types.Config, deps Deps, r *rom.Rom, result *stage.Result) (constants.ExitFlag, error) {
	cmdline := result.Cmdline
	if r.Kind.IsAndroid() {
		payload, err := stage.AndroidKexecPayload(cfg, r.BaseDir)
		if err != nil {
			return 0, errors.Wrap(err, "extracting kexec payload")
		}
		result = payload

		bootCmdline := ""
		if hdr, err := bootimg.LoadHeader(cfg, path.Join(r.BaseDir, "boot.img")); err == nil {
			bootCmdline = hdr.Cmdline()
		}
		cmdline = kexec.AndroidCmdline(bootCmdline, rawCmdline(cfg))
	}

	dtb := ""
	if deps.KexecPlatform == kexec.PlatformDeviceTree {
		dtb = result.Dtb
	}

	writeSecondBootSentinel(cfg)

	if err := kexec.Load(ctx, cfg, cfg.Paths.KexecHelper, kexec.LoadArgs{
		MemMin:  "0x00100000",
		Kernel:  result.KernelPath,
		Initrd:  result.InitrdPath,
		Dtb:     dtb,
		Cmdline: cmdline,
	}); err != nil {
		return 0, err
	}
	if err := kexec.StageHelper(cfg, cfg.Paths.KexecHelper); err != nil {
		return 0, err
	}
	return constants.ExitReboot | constants.ExitKexec, nil
}

// writeSecondBootSentinel implements spec.md §4.6/§6: write the sentinel
// line to the kernel log before a kexec, so /proc/last_kmsg carries it
// across into the kernel this kexec loads and the next boot's
// status.DetectSecondBoot finds it. Best-effort: a device without /dev/kmsg
// still falls back to the primary-boot-header tag on the no-kexec path, and
// a failure here must not abort an otherwise-successful kexec load.
func writeSecondBootSentinel(cfg types.Config) {
	if err := cfg.Fs.WriteFile(constants.KmsgDevice, []byte(constants.SecondBootSentinel+"\n"), 0); err != nil && cfg.Logger != nil {
		cfg.Logger.Warnf("writing second-boot sentinel to %s: %v", constants.KmsgDevice, err)
	}
}

// loadViaNoKexec implements spec.md §4.11: only meaningful for a secondary
// carrying its own boot.img. Internal ROMs (no boot.img of their own) have
// no fallback when kexec is unavailable.
func loadViaNoKexec(ctx context.Context, cfg types.Config, r *rom.Rom) (constants.ExitFlag, error) {
	if !r.HasBootImg {
		return 0, errors.New("kexec unsupported and rom carries no boot.img to fall back on")
	}
	backup := path.Join(cfg.Paths.MultiromDir, constants.PrimaryBootBak)
	err := nokexec.WithLock(ctx, func() error {
		if err := nokexec.BackupPrimaryIfNeeded(cfg, cfg.Paths.PrimaryBootPartition, backup); err != nil {
			return err
		}
		return nokexec.SwapInSecondary(cfg, path.Join(r.BaseDir, "boot.img"), cfg.Paths.PrimaryBootPartition)
	})
	if err != nil {
		return 0, err
	}
	return constants.ExitReboot | constants.ExitUmount, nil
}

// teardown implements step 10: unmount /realdata and pseudo-fs (unless
// KEEP_REALDATA is set or the exit flags say otherwise), then rename
// /main_init to /init and execve it, or execve /kexec if KEXEC was set.
func teardown(ctx context.Context, cfg types.Config, flags constants.ExitFlag) (constants.ExitFlag, error) {
	var result *multierror.Error

	if cfg.Paths.PrimaryBootPartition != "" && cfg.Paths.MultiromDir != "" {
		backup := path.Join(cfg.Paths.MultiromDir, constants.PrimaryBootBak)
		if types.FileExists(cfg.Fs, backup) {
			if err := nokexec.Restore(cfg, cfg.Paths.PrimaryBootPartition, backup); err != nil && cfg.Logger != nil {
				cfg.Logger.Warnf("teardown: restoring primary boot partition: %v", err)
			}
		}
	}

	keepRealdata := types.FileExists(cfg.Fs, constants.KeepRealdataSentinel)
	if flags.Has(constants.ExitUmount) && !keepRealdata {
		if err := cfg.Mounter.Unmount(constants.RealDataMount); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "unmounting /realdata"))
		}
	}

	for _, dir := range []string{constants.PstoreDir, constants.SysDir, constants.ProcDir, constants.DevDir + "/pts"} {
		if err := cfg.Mounter.Unmount(dir); err != nil && cfg.Logger != nil {
			cfg.Logger.Debugf("teardown: unmounting %s: %v", dir, err)
		}
	}
	if !keepRealdata {
		if err := cfg.Mounter.Unmount(constants.DevDir); err != nil && cfg.Logger != nil {
			cfg.Logger.Debugf("teardown: unmounting %s: %v", constants.DevDir, err)
		}
	}

	if flags.Has(constants.ExitKexec) {
		if err := execInto(constants.KexecPath, []string{"-e"}); err != nil {
			result = multierror.Append(result, err)
		}
		return flags, result.ErrorOrNil()
	}

	if types.FileExists(cfg.Fs, constants.MainInitPath) {
		if err := cfg.Fs.Rename(constants.MainInitPath, constants.InitPath); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "renaming main_init to init"))
			return flags, result.ErrorOrNil()
		}
	}
	if err := execInto(constants.InitPath, nil); err != nil {
		result = multierror.Append(result, err)
	}
	return flags, result.ErrorOrNil()
}

// execInto replaces the current process image, the terminal act of
// teardown — if it returns at all, it failed.
func execInto(path string, args []string) error {
	argv := append([]string{path}, args...)
	return errors.Wrapf(unix.Exec(path, argv, nil), "execve %s", path)
}

// fatal implements spec.md §7's "fatal to this boot" category: dump the
// kernel log plus a litter-formatted snapshot to <mrom>/error.txt when the
// data directory is known, then return ExitReboot|ExitRebootRecovery with the
// error. cmd/trampoline answers that with a plain restart; the recovery
// reason is not passed on to reboot(2).
func fatal(cfg types.Config, stage string, cause error) (constants.ExitFlag, error) {
	wrapped := errors.Wrap(cause, stage)
	if cfg.Logger != nil {
		cfg.Logger.Errorf("fatal: %v", wrapped)
	}
	dumpErrorLog(cfg, stage, wrapped)
	return constants.ExitReboot | constants.ExitRebootRecovery, wrapped
}

func dumpErrorLog(cfg types.Config, stage string, cause error) {
	if cfg.Paths.MultiromDir == "" {
		return
	}
	kmsg, _ := cfg.Fs.ReadFile(constants.LastKmsgPath)
	dump := litter.Sdump(struct {
		Stage string
		Cause string
		Kmsg  string
	}{Stage: stage, Cause: cause.Error(), Kmsg: string(kmsg)})
	_ = cfg.Fs.WriteFile(path.Join(cfg.Paths.MultiromDir, constants.ErrorFileName), []byte(dump), 0644)
}

// Reboot issues a real reboot(2) with the given LINUX_REBOOT_CMD_*. Callers
// translate exit flags (REBOOT_RECOVERY, REBOOT_BOOTLOADER, SHUTDOWN) to the
// appropriate cmd/magic pair; plain REBOOT uses unix.LINUX_REBOOT_CMD_RESTART.
func Reboot(cmd int) error {
	return errors.Wrap(unix.Reboot(cmd), "reboot(2)")
}
