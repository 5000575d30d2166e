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

// Package rom models one installed system: its kind, base directory,
// optional owning partition, and the directory-scan classification rule of
// spec.md §3/§4.5.
package rom

import (
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/diskfs/go-diskfs"

	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/types"
)

// Kind is the tagged ROM classification of spec.md §3.
type Kind int

const (
	KindUnknown Kind = iota
	KindDefaultInternal
	KindAndroidInternal
	KindAndroidUsbDir
	KindAndroidUsbImg
	KindLinuxInternal
	KindLinuxUsb
	KindUnsupportedInt
	KindUnsupportedUsb
)

func (k Kind) String() string {
	switch k {
	case KindDefaultInternal:
		return "default_internal"
	case KindAndroidInternal:
		return "android_internal"
	case KindAndroidUsbDir:
		return "android_usb_dir"
	case KindAndroidUsbImg:
		return "android_usb_img"
	case KindLinuxInternal:
		return "linux_internal"
	case KindLinuxUsb:
		return "linux_usb"
	case KindUnsupportedInt:
		return "unsupported_internal"
	case KindUnsupportedUsb:
		return "unsupported_usb"
	default:
		return "unknown"
	}
}

// IsAndroid reports whether the kind is one of the Android variants.
func (k Kind) IsAndroid() bool {
	switch k {
	case KindDefaultInternal, KindAndroidInternal, KindAndroidUsbDir, KindAndroidUsbImg:
		return true
	default:
		return false
	}
}

// IsLinux reports whether the kind is one of the Linux variants.
func (k Kind) IsLinux() bool {
	return k == KindLinuxInternal || k == KindLinuxUsb
}

// IsUsb reports whether the kind lives on an external partition.
func (k Kind) IsUsb() bool {
	switch k {
	case KindAndroidUsbDir, KindAndroidUsbImg, KindLinuxUsb, KindUnsupportedUsb:
		return true
	default:
		return false
	}
}

// Rom is one record produced by a directory scan. It is never persisted as
// an object: only Name and the owning partition's UUID survive in the
// status store (spec.md §3: "lifetime... never persisted as an object").
type Rom struct {
	ID             int
	Name           string // ≤ constants.AndroidROMNameMaxLen for Android kinds
	BaseDir        string
	Kind           Kind
	PartitionUUID  string // empty for internal ROMs
	HasBootImg     bool
}

// Classify implements spec.md §3's classification rule against a
// directory's layout. isDefaultSlot is true only for <mrom>/roms/Internal.
func Classify(cfg types.Config, baseDir string, isDefaultSlot, usb bool) Kind {
	if isDefaultSlot {
		return KindDefaultInternal
	}

	hasBootDir := types.IsDir(cfg.Fs, path.Join(baseDir, "boot"))
	hasSystemDir := types.IsDir(cfg.Fs, path.Join(baseDir, "system"))
	hasDataDir := types.IsDir(cfg.Fs, path.Join(baseDir, "data"))
	hasCacheDir := types.IsDir(cfg.Fs, path.Join(baseDir, "cache"))
	hasSystemImg := types.FileExists(cfg.Fs, path.Join(baseDir, "system.img"))
	hasDataImg := types.FileExists(cfg.Fs, path.Join(baseDir, "data.img"))
	hasCacheImg := types.FileExists(cfg.Fs, path.Join(baseDir, "cache.img"))
	hasRomInfo := types.FileExists(cfg.Fs, path.Join(baseDir, "rom_info.txt"))
	hasRootDir := types.IsDir(cfg.Fs, path.Join(baseDir, "root"))
	hasBootImg := types.FileExists(cfg.Fs, path.Join(baseDir, "boot.img"))

	androidDirs := hasBootDir && hasSystemDir && hasDataDir && hasCacheDir
	androidImgs := hasSystemImg && hasDataImg && hasCacheImg

	switch {
	case androidImgs:
		return KindAndroidUsbImg
	case androidDirs:
		if usb {
			return KindAndroidUsbDir
		}
		return KindAndroidInternal
	case hasRomInfo:
		if usb {
			return KindLinuxUsb
		}
		return KindLinuxInternal
	case hasRootDir || hasBootImg:
		if usb {
			return KindUnsupportedUsb
		}
		return KindUnsupportedInt
	default:
		return KindUnknown
	}
}

// ValidateImage sanity-checks a *.img ROM file by attempting to open it
// read-only as a disk image. Classify, Scan and staging do not call it.
func ValidateImage(realPath string) error {
	img, err := diskfs.Open(realPath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return err
	}
	defer img.File.Close()
	return nil
}

// lastID is the most recent ROM ID handed out by Scan in this process.
var lastID atomic.Int64

// Scan enumerates <mrom>/roms/* (per spec.md §4.5), assigning process-unique
// monotonic IDs and sorting default-internal first, then case-insensitive
// name order. usbRoots additionally supplies each mounted external
// partition's multirom-<device>/ directory paired with its partition UUID.
func Scan(cfg types.Config, mromDir string, usbRoots map[string]string) ([]*Rom, error) {
	var roms []*Rom

	romsRoot := path.Join(mromDir, constants.RomsDirName)
	if err := cfg.Fs.MkdirAll(path.Join(romsRoot, constants.InternalRomName), 0755); err != nil {
		return nil, err
	}

	addDir := func(dir string, usb bool, partUUID string) error {
		info, err := cfg.Fs.Stat(dir)
		if err != nil || !info.IsDir() {
			return nil
		}
		name := path.Base(dir)
		isDefault := !usb && name == constants.InternalRomName
		kind := Classify(cfg, dir, isDefault, usb)
		roms = append(roms, &Rom{
			ID:            int(lastID.Add(1)),
			Name:          name,
			BaseDir:       dir,
			Kind:          kind,
			PartitionUUID: partUUID,
			HasBootImg:    types.FileExists(cfg.Fs, path.Join(dir, "boot.img")),
		})
		return nil
	}

	entries, err := listDirNames(cfg, romsRoot)
	if err != nil {
		return nil, err
	}
	for _, name := range entries {
		if err := addDir(path.Join(romsRoot, name), false, ""); err != nil {
			return nil, err
		}
	}

	for uuid, root := range usbRoots {
		names, err := listDirNames(cfg, root)
		if err != nil {
			continue
		}
		for _, name := range names {
			if err := addDir(path.Join(root, name), true, uuid); err != nil {
				return nil, err
			}
		}
	}

	sort.SliceStable(roms, func(i, j int) bool {
		a, b := roms[i], roms[j]
		if (a.Kind == KindDefaultInternal) != (b.Kind == KindDefaultInternal) {
			return a.Kind == KindDefaultInternal
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return roms, nil
}

// listDirNames returns the immediate children of dir. It filters the
// recursive walk Walk performs down to depth 1 rather than relying on
// fs.SkipDir, since FS's Walk contract does not guarantee SkipDir support.
func listDirNames(cfg types.Config, dir string) ([]string, error) {
	clean := path.Clean(dir)
	var names []string
	err := cfg.Fs.Walk(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if p == dir || path.Dir(p) != clean {
			return nil
		}
		names = append(names, d.Name())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}
