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

package stage

import (
	"context"
	"io/fs"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/multirom/multirom/pkg/rom"
	"github.com/multirom/multirom/pkg/rominfo"
	"github.com/multirom/multirom/pkg/types"
)

// LinuxStager implements spec.md §4.9: resolve the ROM's root, kernel,
// and initrd from a parsed rom_info, and assemble the kexec cmdline.
type LinuxStager struct {
	Macros rominfo.Macros
}

func (s LinuxStager) Stage(ctx context.Context, cfg types.Config, r *rom.Rom) (*Result, error) {
	data, err := cfg.Fs.ReadFile(path.Join(r.BaseDir, "rom_info.txt"))
	if err != nil {
		return nil, errors.Wrap(err, "reading rom_info.txt")
	}
	info, err := rominfo.Parse(data)
	if err != nil {
		return nil, err
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}

	romRelative := relativeToPartitionRoot(r.BaseDir)
	info.ExpandPaths(romRelative)

	root, usedImg, err := resolveRoot(ctx, cfg, info)
	if err != nil {
		return nil, err
	}

	m := s.Macros
	m.RomRelativePath = romRelative
	m.RootDir = info.GetOr("root_dir", "")
	m.RootImg = info.GetOr("root_img", "")
	m.RootImgFsType = info.GetOr("root_img_fs", "ext4")
	info.ExpandCmdline(cfg, m)

	kernelPath, ok := info.Get("kernel_path")
	if !ok {
		return nil, errors.New("rom_info missing kernel_path after validation")
	}
	resolvedKernel, e := resolveWildcard(cfg, root, kernelPath)
	if e != nil {
		return nil, errors.Wrap(e, "resolving kernel_path")
	}

	var resolvedInitrd string
	if initrdPath, ok := info.Get("initrd_path"); ok {
		resolvedInitrd, e = resolveWildcard(cfg, root, initrdPath)
		if e != nil {
			return nil, errors.Wrap(e, "resolving initrd_path")
		}
	}

	cmdlineKey := "dir_cmdline"
	if usedImg {
		cmdlineKey = "img_cmdline"
	}
	cmdline := info.GetOr("base_cmdline", "") + " " + info.GetOr(cmdlineKey, "")

	return &Result{
		KernelPath: resolvedKernel,
		InitrdPath: resolvedInitrd,
		Cmdline:    strings.TrimSpace(cmdline),
	}, nil
}

// resolveRoot implements spec.md §4.9 step 2: loop-mount root_img when
// present, else use root_dir directly. usedImg tells the caller which of
// dir_cmdline/img_cmdline to use.
func resolveRoot(ctx context.Context, cfg types.Config, info *rominfo.Info) (root string, usedImg bool, err error) {
	if img, ok := info.Get("root_img"); ok && types.FileExists(cfg.Fs, img) {
		fsType := info.GetOr("root_img_fs", "ext4")
		const mountPoint = "/mnt/image"
		if err := cfg.Fs.MkdirAll(mountPoint, 0755); err != nil {
			return "", false, err
		}
		if err := cfg.Mounter.Mount(img, mountPoint, fsType, []string{"noatime"}); err != nil {
			return "", false, errors.Wrapf(err, "loop-mounting %s", img)
		}
		return mountPoint, true, nil
	}
	if dir, ok := info.Get("root_dir"); ok && types.IsDir(cfg.Fs, dir) {
		return dir, false, nil
	}
	return "", false, errors.New("rom_info: neither root_img nor root_dir exists")
}

// resolveWildcard implements spec.md §4.9 steps 3/4: split the macro-
// expanded path on its last '/' and scan the enclosing directory for the
// first entry whose name contains the trailing token.
func resolveWildcard(cfg types.Config, root, value string) (string, error) {
	dir, token := rominfo.KernelPathToken(value)
	searchDir := path.Join(root, dir)

	var match string
	err := cfg.Fs.Walk(searchDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path.Dir(p) != path.Clean(searchDir) || d.IsDir() {
			return nil
		}
		if match == "" && strings.Contains(d.Name(), token) {
			match = p
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if match == "" {
		return "", errors.Errorf("no file matching %q under %s", token, searchDir)
	}
	return match, nil
}

func relativeToPartitionRoot(base string) string {
	idx := strings.Index(base, "/multirom-")
	if idx < 0 {
		idx = strings.Index(base, "/multirom/")
	}
	if idx < 0 {
		return base
	}
	return strings.TrimLeft(base[idx:], "/")
}
