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

package ramdisk

import (
	"os"
	"path"

	"github.com/phayes/permbits"
	"github.com/pkg/errors"

	"github.com/multirom/multirom/pkg/bootimg"
	"github.com/multirom/multirom/pkg/types"
)

// trampolinePerm is the mode the trampoline binary must land with inside
// the injected ramdisk (spec.md §4.3 step 5: "chmod 0750"). permbits gives
// us a symbolic round trip for this single call site instead of a raw
// octal literal threaded through os.FileMode arithmetic.
func trampolinePerm() (uint32, error) {
	pb := permbits.FileMode(0)
	pb.SetUserRead(true)
	pb.SetUserWrite(true)
	pb.SetUserExecute(true)
	pb.SetGroupRead(true)
	pb.SetGroupExecute(true)
	return uint32(pb), nil
}

// Options configures Inject.
type Options struct {
	BootImagePath     string
	MultiromDir       string
	TrampolineVersion int
	NoKexecVersion    byte
	Force             bool
	UseMromFstab      bool
	EncryptionBuiltIn bool
	RamdiskLoadAddr   uint32 // 0 means "leave unchanged"
}

// Inject implements spec.md §4.3's full injection sequence.
func Inject(cfg types.Config, opts Options) error {
	hdr, err := bootimg.LoadHeader(cfg, opts.BootImagePath)
	if err != nil {
		return errors.Wrap(err, "loading boot image header")
	}

	if !opts.Force {
		if n, ok := hdr.TrampolineVersion(); ok && n == opts.TrampolineVersion && hdr.NoKexecVersion() == opts.NoKexecVersion {
			return nil // already injected and up to date (spec.md §4.3 step 2)
		}
	}

	img, err := bootimg.LoadAll(opts.BootImagePath)
	if err != nil {
		return errors.Wrap(err, "loading boot image")
	}

	format, ok := Sniff(img.Ramdisk)
	if !ok {
		if cfg.Logger != nil {
			cfg.Logger.Warnf("ramdisk magic not recognized, skipping injection")
		}
		return nil
	}

	raw, err := Decompress(format, img.Ramdisk)
	if err != nil {
		return errors.Wrap(err, "decompressing ramdisk")
	}
	outer, err := DecodeCpio(raw)
	if err != nil {
		return errors.Wrap(err, "decoding outer ramdisk cpio")
	}

	scratch := "/tmp/mrom_inject"
	if err := cfg.Fs.RemoveAll(scratch); err != nil {
		return err
	}
	if err := outer.ExtractTo(cfg.Fs, scratch); err != nil {
		return errors.Wrap(err, "extracting outer ramdisk")
	}

	var nestedFormat Format
	var hasNested bool
	nestedDir := scratch
	if ent, ok := outer.Get("sbin/ramdisk.cpio"); ok {
		hasNested = true
		nf, ok := Sniff(ent.Data)
		if !ok {
			return errors.New("nested sbin/ramdisk.cpio has unrecognized compression")
		}
		nestedFormat = nf
		nestedRaw, err := Decompress(nf, ent.Data)
		if err != nil {
			return errors.Wrap(err, "decompressing nested ramdisk.cpio")
		}
		inner, err := DecodeCpio(nestedRaw)
		if err != nil {
			return errors.Wrap(err, "decoding nested ramdisk cpio")
		}
		nestedDir = path.Join(scratch, "sbin-ramdisk")
		if err := inner.ExtractTo(cfg.Fs, nestedDir); err != nil {
			return errors.Wrap(err, "extracting nested ramdisk")
		}
	}

	if err := injectTarget(cfg, nestedDir, opts); err != nil {
		return err
	}

	if hasNested {
		repacked, err := BuildFromDir(cfg.Fs, nestedDir)
		if err != nil {
			return err
		}
		encoded, err := repacked.EncodeCpio()
		if err != nil {
			return err
		}
		compressed, err := Compress(nestedFormat, encoded)
		if err != nil {
			return err
		}
		outer.Put(Entry{Name: "sbin/ramdisk.cpio", Mode: 0o100644, Data: compressed})
		// Remove the now-stale extraction directory from the outer tree so
		// it is not accidentally repacked twice.
		if err := cfg.Fs.RemoveAll(nestedDir); err != nil {
			return err
		}
	}

	finalOuter, err := BuildFromDir(cfg.Fs, scratch)
	if err != nil {
		return err
	}
	if hasNested {
		if ent, ok := outer.Get("sbin/ramdisk.cpio"); ok {
			finalOuter.Put(ent)
		}
	}

	encodedOuter, err := finalOuter.EncodeCpio()
	if err != nil {
		return err
	}
	newRamdisk, err := Compress(format, encodedOuter)
	if err != nil {
		return err
	}

	img.Ramdisk = newRamdisk
	img.Header.SetRamdiskSize(uint32(len(newRamdisk)))
	img.Header.SetTrampolineVersion(opts.TrampolineVersion)
	img.Header.SetNoKexecVersion(opts.NoKexecVersion)
	if opts.RamdiskLoadAddr != 0 {
		img.Header.SetRamdiskAddr(opts.RamdiskLoadAddr)
	}

	newPath := opts.BootImagePath + ".new"
	if err := bootimg.Write(cfg, img, newPath); err != nil {
		return errors.Wrap(err, "writing patched boot image")
	}
	data, err := cfg.Fs.ReadFile(newPath)
	if err != nil {
		return err
	}
	if err := cfg.Fs.WriteFile(opts.BootImagePath, data, 0644); err != nil {
		return err
	}
	return cfg.Fs.Remove(newPath)
}

// injectTarget implements spec.md §4.3 step 5 against dir, which is either
// the ramdisk root or the nested sbin/ramdisk.cpio extraction directory.
func injectTarget(cfg types.Config, dir string, opts Options) error {
	initPath := path.Join(dir, "init")
	initReal := path.Join(dir, "init.real")
	mainInit := path.Join(dir, "main_init")

	if !types.FileExists(cfg.Fs, initReal) {
		if types.FileExists(cfg.Fs, initPath) {
			if err := cfg.Fs.Rename(initPath, mainInit); err != nil {
				return errors.Wrap(err, "renaming init to main_init")
			}
		}
	}

	trampolineSrc := path.Join(opts.MultiromDir, "trampoline")
	data, err := cfg.Fs.ReadFile(trampolineSrc)
	if err != nil {
		return errors.Wrap(err, "reading trampoline binary")
	}
	perm, err := trampolinePerm()
	if err != nil {
		return err
	}
	if err := cfg.Fs.WriteFile(initPath, data, fsMode(perm)); err != nil {
		return errors.Wrap(err, "writing trampoline as init")
	}

	for _, name := range []string{"sbin/ueventd", "sbin/watchdogd"} {
		target := path.Join(dir, name)
		if types.FileExists(cfg.Fs, target) || isSymlink(cfg, target) {
			cfg.Fs.Remove(target)
		}
		if err := cfg.Fs.MkdirAll(path.Dir(target), 0755); err != nil {
			return err
		}
		if err := cfg.Fs.Symlink("../main_init", target); err != nil {
			return errors.Wrapf(err, "symlinking %s", name)
		}
	}

	for _, name := range []string{"plat_hwservice_contexts", "nonplat_hwservice_contexts"} {
		if err := copyFromMromDir(cfg, opts.MultiromDir, name, path.Join(dir, name)); err != nil {
			return err
		}
	}

	fstabDst := path.Join(dir, "mrom.fstab")
	if opts.UseMromFstab {
		if err := copyFromMromDir(cfg, opts.MultiromDir, "mrom.fstab", fstabDst); err != nil {
			return err
		}
	} else {
		cfg.Fs.Remove(fstabDst)
	}

	if opts.EncryptionBuiltIn {
		if err := copyDirFromMromDir(cfg, opts.MultiromDir, "enc", path.Join(dir, "mrom_enc")); err != nil {
			return err
		}
	}

	return nil
}

func fsMode(perm uint32) (mode os.FileMode) {
	return os.FileMode(perm & 0o7777)
}

func copyFromMromDir(cfg types.Config, mromDir, name, dst string) error {
	data, err := cfg.Fs.ReadFile(path.Join(mromDir, name))
	if err != nil {
		return errors.Wrapf(err, "reading %s from multirom dir", name)
	}
	return cfg.Fs.WriteFile(dst, data, 0644)
}

func copyDirFromMromDir(cfg types.Config, mromDir, name, dst string) error {
	arc, err := BuildFromDir(cfg.Fs, path.Join(mromDir, name))
	if err != nil {
		return errors.Wrapf(err, "reading %s tree from multirom dir", name)
	}
	return arc.ExtractTo(cfg.Fs, dst)
}

func isSymlink(cfg types.Config, p string) bool {
	info, err := cfg.Fs.Lstat(p)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}
