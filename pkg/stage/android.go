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

// Package stage implements the Android and Linux staging sequences of
// spec.md §4.8/§4.9 behind a single Stager interface, mirroring the
// kind-dispatched backend pattern the teacher's snapshotter package used
// for btrfs vs. loop-device snapshots — here dispatching on ROM kind
// instead of snapshot backend.
package stage

import (
	"context"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/multirom/multirom/pkg/bootimg"
	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/fstab"
	"github.com/multirom/multirom/pkg/rom"
	"github.com/multirom/multirom/pkg/types"
)

// Stager prepares a chosen ROM for hand-off, either by bind/loop-mounting
// it in place (Android) or by resolving kernel/initrd/cmdline for a kexec
// load (Linux). Exactly one of AndroidStager/LinuxStager implements it for
// any given ROM kind.
type Stager interface {
	Stage(ctx context.Context, cfg types.Config, r *rom.Rom) (*Result, error)
}

// Result is what a Stager hands back to the trampoline driver.
type Result struct {
	// Android: nothing further to do, hand off to /init in the bind-mounted tree.
	// Linux: kernel/initrd paths and assembled cmdline for the kexec loader.
	KernelPath string
	InitrdPath string
	Dtb        string
	Cmdline    string
}

// AndroidStager implements spec.md §4.8: copy /boot/*, neutralise
// mount_all, bind/loop-mount system/data/cache, fix up /data/media layout.
type AndroidStager struct{}

func (AndroidStager) Stage(ctx context.Context, cfg types.Config, r *rom.Rom) (*Result, error) {
	hasFirmware := types.FileExists(cfg.Fs, path.Join(r.BaseDir, "firmware.img"))

	if err := copyBootFiles(cfg, r.BaseDir); err != nil {
		return nil, errors.Wrap(err, "copying boot files")
	}

	fstabPath, err := locateRcFstab(cfg)
	if err != nil {
		return nil, err
	}

	if err := neutralizeFstab(cfg, fstabPath, hasFirmware); err != nil {
		return nil, errors.Wrap(err, "neutralizing fstab")
	}

	for _, d := range mountDirs(hasFirmware) {
		if err := cfg.Fs.MkdirAll(d, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating %s", d)
		}
	}

	isImg := r.Kind == rom.KindAndroidUsbImg
	if err := mountAndroidPartitions(ctx, cfg, r.BaseDir, isImg); err != nil {
		return nil, err
	}

	if hasFirmware {
		if err := bindMount(cfg, path.Join(r.BaseDir, "firmware.img"), "/firmware"); err != nil {
			return nil, errors.Wrap(err, "bind-mounting firmware.img")
		}
	}

	if err := fixupDataMediaLayout(cfg); err != nil {
		return nil, errors.Wrap(err, "fixing up /data/media layout")
	}

	if err := applyRcQuirks(cfg); err != nil {
		return nil, errors.Wrap(err, "applying rc quirks")
	}

	if err := maybePatchBuildProp(cfg, r); err != nil {
		return nil, errors.Wrap(err, "patching build.prop")
	}

	return &Result{}, nil
}

// AndroidKexecPayload extracts the kernel and ramdisk (and dtb, if present)
// from <base>/boot.img for the kexec loader, per spec.md §4.10's "initrd and
// zImage extracted from <base>/boot.img". It is only ever needed on a first
// boot that kexecs an Android ROM directly; the bind-mounted staging path
// above hands off through /main_init instead and never touches these.
func AndroidKexecPayload(cfg types.Config, base string) (*Result, error) {
	img, err := bootimg.LoadAll(path.Join(base, "boot.img"))
	if err != nil {
		return nil, errors.Wrap(err, "loading boot.img")
	}

	if err := bootimg.DumpKernel(cfg, img, constants.KexecKernelPath); err != nil {
		return nil, errors.Wrap(err, "extracting kernel")
	}
	if err := bootimg.DumpRamdisk(cfg, img, constants.KexecInitrdPath); err != nil {
		return nil, errors.Wrap(err, "extracting ramdisk")
	}

	result := &Result{KernelPath: constants.KexecKernelPath, InitrdPath: constants.KexecInitrdPath}
	if len(img.Dtb) > 0 {
		if err := bootimg.DumpDtb(cfg, img, constants.KexecDtbPath); err != nil {
			return nil, errors.Wrap(err, "extracting dtb")
		}
		result.Dtb = constants.KexecDtbPath
	}
	return result, nil
}

// maybePatchBuildProp implements spec.md §4.8.1's conditional build.prop
// patch: when the secondary carries no boot image of its own (it boots
// under the primary kernel, whose header is used) or its own boot.img
// attests a higher os_version/security_patch than the ROM's build.prop,
// rewrite those two properties to match what that header attests.
func maybePatchBuildProp(cfg types.Config, r *rom.Rom) error {
	hdrPath := cfg.Paths.PrimaryBootPartition
	if r.HasBootImg {
		hdrPath = path.Join(r.BaseDir, "boot.img")
	}
	hdr, err := bootimg.LoadHeader(cfg, hdrPath)
	if err != nil {
		return nil // no boot image header available to attest against
	}
	release, patchLevel := hdr.OsVersionRelease(), hdr.OsVersionPatchLevel()
	if release == "" && patchLevel == "" {
		return nil
	}

	if r.HasBootImg {
		existingRelease, existingPatch := readBuildPropVersions(cfg)
		if !versionGreater(release, existingRelease) && !versionGreater(patchLevel, existingPatch) {
			return nil
		}
	}
	return PatchBuildProp(cfg, release, patchLevel)
}

func readBuildPropVersions(cfg types.Config) (release, patchLevel string) {
	data, err := cfg.Fs.ReadFile("/system/build.prop")
	if err != nil {
		return "", ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "ro.build.version.release="):
			release = strings.TrimPrefix(line, "ro.build.version.release=")
		case strings.HasPrefix(line, "ro.build.version.security_patch="):
			patchLevel = strings.TrimPrefix(line, "ro.build.version.security_patch=")
		}
	}
	return release, patchLevel
}

// versionGreater compares zero-padded date strings ("2023-05-01") as plain
// strings, and numeric release strings ("8.1.0", "10") component-wise,
// since "10" must beat "9".
func versionGreater(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	if strings.Contains(a, "-") {
		return a > b
	}
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, _ := strconv.Atoi(as[i])
		bn, _ := strconv.Atoi(bs[i])
		if an != bn {
			return an > bn
		}
	}
	return len(as) > len(bs)
}

// copyBootFiles copies every regular file from <base>/boot/ into /,
// renaming the new init to main_init and setting .rc files to 0750
// (spec.md §4.8 step 2).
func copyBootFiles(cfg types.Config, base string) error {
	bootDir := path.Join(base, "boot")
	if !types.IsDir(cfg.Fs, bootDir) {
		return errors.Errorf("%s: no boot/ directory", base)
	}

	err := cfg.Fs.Walk(bootDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel := strings.TrimPrefix(p, bootDir)
		rel = strings.TrimLeft(rel, "/")
		dest := "/" + rel

		data, err := cfg.Fs.ReadFile(p)
		if err != nil {
			return errors.Wrapf(err, "reading %s", p)
		}
		perm := fs.FileMode(0644)
		if strings.HasSuffix(rel, ".rc") {
			perm = 0750
		}
		if err := cfg.Fs.MkdirAll(path.Dir(dest), 0755); err != nil {
			return err
		}
		if err := cfg.Fs.WriteFile(dest, data, perm); err != nil {
			return errors.Wrapf(err, "writing %s", dest)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if types.FileExists(cfg.Fs, "/init") {
		if err := cfg.Fs.Rename("/init", "/main_init"); err != nil {
			return errors.Wrap(err, "renaming new init to main_init")
		}
	}
	return nil
}

// locateRcFstab implements spec.md §4.8 step 3: return the path of the first
// "mount_all <path>" directive found in any init.*.rc file (searched in walk
// order, not limited to the device-specific rc), falling back to the first
// /fstab.* file at the root.
func locateRcFstab(cfg types.Config) (string, error) {
	var rcCandidates []string
	err := cfg.Fs.Walk("/", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		base := path.Base(p)
		if strings.HasPrefix(base, "init.") && strings.HasSuffix(base, ".rc") {
			rcCandidates = append(rcCandidates, p)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	for _, rc := range rcCandidates {
		data, err := cfg.Fs.ReadFile(rc)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "mount_all ") {
				continue
			}
			return strings.TrimSpace(strings.TrimPrefix(line, "mount_all")), nil
		}
	}

	var fstabFiles []string
	err = cfg.Fs.Walk("/", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || path.Dir(p) != "/" {
			return nil
		}
		if strings.HasPrefix(path.Base(p), "fstab.") {
			fstabFiles = append(fstabFiles, p)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(fstabFiles) == 0 {
		return "", errors.New("no fstab file found to neutralize")
	}
	return fstabFiles[0], nil
}

// neutralizeFstab implements spec.md §4.8 step 4.
func neutralizeFstab(cfg types.Config, fstabPath string, hasFirmware bool) error {
	data, err := cfg.Fs.ReadFile(fstabPath)
	if err != nil {
		return err
	}
	tbl, err := fstab.Parse(data)
	if err != nil {
		return err
	}

	targets := map[string]bool{"/system": true, "/cache": true, "/data": true}
	if hasFirmware {
		targets["/firmware"] = true
	}
	maxAllowed := 3
	if hasFirmware {
		maxAllowed = 4
	}

	var out strings.Builder
	commented, active := 0, 0
	for _, e := range tbl.Entries {
		line := fstabLine(e)
		switch {
		case e.Disabled:
			out.WriteString("#")
		case targets[e.Path]:
			out.WriteString("#")
			commented++
		default:
			active++
		}
		out.WriteString(line)
		out.WriteString("\n")
	}
	if commented > maxAllowed {
		return errors.Errorf("neutralizing fstab would comment %d entries, max allowed %d", commented, maxAllowed)
	}

	text := out.String()
	if active == 0 {
		text += "tmpfs /dummy_tmpfs tmpfs ro,nosuid,nodev defaults\n"
	}
	return cfg.Fs.WriteFile(fstabPath, []byte(text), 0644)
}

func fstabLine(e fstab.Entry) string {
	fields := []string{e.Device, e.Path, e.Type}
	opts := e.Options
	if opts == "" {
		opts = "defaults"
	}
	fields = append(fields, opts)
	if e.Options2 != "" {
		fields = append(fields, e.Options2)
	}
	return strings.Join(fields, " ")
}

func mountDirs(hasFirmware bool) []string {
	dirs := []string{"/system", "/data", "/cache"}
	if hasFirmware {
		dirs = append(dirs, "/firmware")
	}
	return dirs
}

func mountAndroidPartitions(ctx context.Context, cfg types.Config, base string, isImg bool) error {
	parts := []struct {
		name, target, fsType string
		readOnly             bool
	}{
		{"system", "/system", "ext4", true},
		{"data", "/data", "ext4", false},
		{"cache", "/cache", "ext4", false},
	}
	for _, p := range parts {
		if isImg {
			opts := []string{"discard", "nomblk_io_submit"}
			if p.readOnly {
				opts = append(opts, "ro")
			}
			src := path.Join(base, p.name+".img")
			if err := cfg.Mounter.Mount(src, p.target, p.fsType, opts); err != nil {
				return errors.Wrapf(err, "loop-mounting %s", src)
			}
		} else {
			if err := bindMount(cfg, path.Join(base, p.name), p.target); err != nil {
				return errors.Wrapf(err, "bind-mounting %s", p.name)
			}
		}
	}
	return nil
}

func bindMount(cfg types.Config, src, target string) error {
	return cfg.Mounter.Mount(src, target, "", []string{"bind"})
}

// fixupDataMediaLayout implements spec.md §4.8 step 9: decide whether the
// media directory must live at /data/media or /data/media/0 based on the
// detected Android API level, bind-mount it into place, and stamp
// /data/.layout_version = 2 for API >= 17.
func fixupDataMediaLayout(cfg types.Config) error {
	apiLevel := detectAPILevel(cfg)

	wantsPerUser := apiLevel >= 17
	hasPerUser := types.IsDir(cfg.Fs, "/data/media/0")

	var src string
	switch {
	case wantsPerUser && hasPerUser:
		src = "/data/media/0"
	case wantsPerUser && !hasPerUser:
		if err := cfg.Fs.MkdirAll("/data/media/0", 0775); err != nil {
			return err
		}
		src = "/data/media/0"
	default:
		src = "/data/media"
	}

	if err := cfg.Fs.MkdirAll("/data/media", 0775); err != nil {
		return err
	}
	if src != "/data/media" {
		if err := bindMount(cfg, src, "/data/media"); err != nil {
			return err
		}
	}

	if apiLevel >= 17 {
		if err := cfg.Fs.WriteFile("/data/.layout_version", []byte("2"), 0644); err != nil {
			return err
		}
	}
	return nil
}

func detectAPILevel(cfg types.Config) int {
	data, err := cfg.Fs.ReadFile("/system/build.prop")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "ro.build.version.sdk=") {
			continue
		}
		v := strings.TrimPrefix(line, "ro.build.version.sdk=")
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return 0
}

// applyRcQuirks implements spec.md §4.8.1: comment out any "mount" command
// touching /system in every .rc script, and inject a restorecon exclusion
// for MultiROM's directory (falling back to commenting
// restorecon_recursive lines when no file_contexts variant accepts the
// exclusion).
func applyRcQuirks(cfg types.Config) error {
	var rcFiles []string
	err := cfg.Fs.Walk("/", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, ".rc") {
			rcFiles = append(rcFiles, p)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, rc := range rcFiles {
		if err := commentSystemMounts(cfg, rc); err != nil {
			return err
		}
	}

	injected := false
	for _, fc := range []string{"/file_contexts", "/file_contexts.bin", "/plat_file_contexts"} {
		if !types.FileExists(cfg.Fs, fc) {
			continue
		}
		if injectFileContextsExclusion(cfg, fc) == nil {
			injected = true
		}
	}
	if !injected {
		for _, rc := range rcFiles {
			if err := commentRestoreconRecursive(cfg, rc); err != nil {
				return err
			}
		}
	}
	return nil
}

func commentSystemMounts(cfg types.Config, rc string) error {
	data, err := cfg.Fs.ReadFile(rc)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "mount ") && strings.Contains(trimmed, "/system") && !strings.HasPrefix(trimmed, "#") {
			lines[i] = "#" + line
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return cfg.Fs.WriteFile(rc, []byte(strings.Join(lines, "\n")), 0750)
}

func commentRestoreconRecursive(cfg types.Config, rc string) error {
	targets := []string{"/data", "/system", "/cache", "/mnt", "/vendor"}
	data, err := cfg.Fs.ReadFile(rc)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "restorecon_recursive") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, t := range targets {
			if strings.Contains(trimmed, t) {
				lines[i] = "#" + line
				changed = true
				break
			}
		}
	}
	if !changed {
		return nil
	}
	return cfg.Fs.WriteFile(rc, []byte(strings.Join(lines, "\n")), 0750)
}

// injectFileContextsExclusion appends a MultiROM directory exclusion line
// so restorecon does not rewrite labels on the shared media tree.
func injectFileContextsExclusion(cfg types.Config, fc string) error {
	if strings.HasSuffix(fc, ".bin") {
		// Binary sepolicy file_contexts cannot be text-patched; the caller
		// falls back to commenting restorecon_recursive instead.
		return errors.New("cannot patch binary file_contexts")
	}
	data, err := cfg.Fs.ReadFile(fc)
	if err != nil {
		return err
	}
	exclusion := "/data/media/multirom(/.*)?  <<none>>\n"
	if strings.Contains(string(data), exclusion) {
		return nil
	}
	return cfg.Fs.WriteFile(fc, append(data, []byte(exclusion)...), 0644)
}

// PatchBuildProp implements spec.md §4.8.1's build.prop patch: rewrite
// ro.build.version.release/ro.build.version.security_patch to match what
// the secondary's boot image (or the primary kernel, when the secondary
// will boot under it) attests, then bind-mount the rewritten copy over
// /system/build.prop.
func PatchBuildProp(cfg types.Config, release, securityPatch string) error {
	data, err := cfg.Fs.ReadFile("/system/build.prop")
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "ro.build.version.release="):
			lines[i] = "ro.build.version.release=" + release
		case strings.HasPrefix(line, "ro.build.version.security_patch="):
			lines[i] = "ro.build.version.security_patch=" + securityPatch
		}
	}

	const patched = "/system/build.prop.mrom"
	if err := cfg.Fs.WriteFile(patched, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return err
	}
	return bindMount(cfg, patched, "/system/build.prop")
}
