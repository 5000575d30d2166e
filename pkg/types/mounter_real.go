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

package types

import (
	"github.com/pkg/errors"
	mountutils "k8s.io/mount-utils"
)

// realMounter backs Mounter with k8s.io/mount-utils, the same library the
// teacher uses for every bind/loop/pseudo-fs mount it issues, instead of
// shelling out to /bin/mount or calling syscall.Mount directly.
type realMounter struct {
	inner mountutils.Interface
}

// NewRealMounter returns a Mounter backed by the host's mount(8)/umount(8)
// (mount-utils falls back to the external binaries when it cannot use the
// syscall path directly, exactly as it does for the teacher).
func NewRealMounter() Mounter {
	return &realMounter{inner: mountutils.New("")}
}

func (m *realMounter) Mount(source, target, fstype string, options []string) error {
	return errors.Wrapf(m.inner.Mount(source, target, fstype, options),
		"mounting %s on %s (fstype=%s)", source, target, fstype)
}

func (m *realMounter) Unmount(target string) error {
	return errors.Wrapf(m.inner.Unmount(target), "unmounting %s", target)
}

// IsMountPoint reports whether target is currently a mount point, per
// /proc/mounts rather than mount-utils' heuristic IsLikelyNotMountPoint
// (which can be fooled by bind mounts onto the same device).
func (m *realMounter) IsMountPoint(target string) (bool, error) {
	notMount, err := mountutils.IsNotMountPoint(m.inner, target)
	if err != nil {
		return false, errors.Wrapf(err, "checking mount point %s", target)
	}
	return !notMount, nil
}
