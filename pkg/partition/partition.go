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

// Package partition discovers external block devices from blkid-style text
// output, mounts them with the appropriate helper, and runs the USB refresh
// worker spec.md §4.4 describes.
//
// Partitions are held in a Set: a flat, indexed arena rather than
// individually heap-allocated structs threaded through raw pointers, so a
// ROM references its owning partition by UUID (pkg/rom.Rom.PartitionUUID)
// instead of holding a pointer whose lifetime would otherwise have to be
// tracked by a "keep_mounted" flag living on the pointee.
package partition

import (
	"context"
	"strings"
	"sync"

	"github.com/jaypipes/ghw"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/types"
)

// Partition is one external block device.
type Partition struct {
	Name        string // kernel name, e.g. "sda1"
	UUID        string
	Type        string // filesystem tag: ext4, ntfs, exfat, ...
	MountPath   string
	Mounted     bool
	KeepMounted bool // survives trampoline teardown; set on the booted USB ROM's partition
}

// Set is the arena of currently-known partitions, indexed and guarded by a
// single mutex (spec.md §5: partition list access is lock-protected).
type Set struct {
	mu    sync.Mutex
	byIdx []Partition
	byUUID map[string]int
}

func NewSet() *Set {
	return &Set{byUUID: map[string]int{}}
}

// Replace swaps the entire partition list, preserving KeepMounted/Mounted
// state for UUIDs that survive the rebuild.
func (s *Set) Replace(next []Partition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.byUUID
	oldList := s.byIdx
	for i := range next {
		if idx, ok := old[next[i].UUID]; ok {
			next[i].Mounted = oldList[idx].Mounted
			next[i].KeepMounted = oldList[idx].KeepMounted
		}
	}
	s.byIdx = next
	s.byUUID = map[string]int{}
	for i, p := range s.byIdx {
		s.byUUID[p.UUID] = i
	}
}

// ByUUID returns a copy of the partition with the given UUID.
func (s *Set) ByUUID(uuid string) (Partition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byUUID[uuid]
	if !ok {
		return Partition{}, false
	}
	return s.byIdx[idx], true
}

// SetKeepMounted marks a partition to survive trampoline teardown.
func (s *Set) SetKeepMounted(uuid string, keep bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byUUID[uuid]; ok {
		s.byIdx[idx].KeepMounted = keep
	}
}

// All returns a snapshot of every known partition.
func (s *Set) All() []Partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Partition, len(s.byIdx))
	copy(out, s.byIdx)
	return out
}

// ParseBlkid decodes blkid-style output: one line per device,
// `/dev/<name>: UUID="…" TYPE="…"`. Any /dev/mmcblk* device is skipped
// (internal NAND is handled through fstab, not partition discovery).
func ParseBlkid(output string) []Partition {
	var out []Partition
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		dev := strings.TrimSpace(line[:colon])
		if !strings.HasPrefix(dev, "/dev/") {
			continue
		}
		name := strings.TrimPrefix(dev, "/dev/")
		if strings.HasPrefix(name, "mmcblk") {
			continue
		}

		p := Partition{Name: name, MountPath: "/mnt/" + name}
		rest := line[colon+1:]
		for _, kv := range extractQuoted(rest) {
			switch kv.key {
			case "UUID":
				p.UUID = kv.val
			case "TYPE":
				p.Type = kv.val
			}
		}
		if p.UUID == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type kvPair struct{ key, val string }

// extractQuoted scans `KEY="value"` pairs out of a blkid output tail.
func extractQuoted(s string) []kvPair {
	var out []kvPair
	for {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		if sp := strings.LastIndexByte(key, ' '); sp >= 0 {
			key = key[sp+1:]
		}
		rest := s[eq+1:]
		if !strings.HasPrefix(rest, `"`) {
			break
		}
		rest = rest[1:]
		end := strings.IndexByte(rest, '"')
		if end < 0 {
			break
		}
		out = append(out, kvPair{key: key, val: rest[:end]})
		s = rest[end+1:]
	}
	return out
}

// Mount attempts to mount p, dispatching to the appropriate user-space
// helper per spec.md §4.4. It creates the mount-point directory first.
func Mount(ctx context.Context, cfg types.Config, p *Partition) error {
	if err := cfg.Fs.MkdirAll(p.MountPath, 0755); err != nil {
		return errors.Wrapf(err, "creating mount point %s", p.MountPath)
	}

	switch p.Type {
	case "ntfs":
		if _, err := cfg.Runner.Run(ctx, "ntfs-3g", "/dev/"+p.Name, p.MountPath); err != nil {
			return errors.Wrapf(err, "mounting ntfs partition %s", p.Name)
		}
	case "exfat":
		if _, err := cfg.Runner.Run(ctx, "exfat-fuse", "-o", constants.ExfatMountOptions, "/dev/"+p.Name, p.MountPath); err != nil {
			return errors.Wrapf(err, "mounting exfat partition %s", p.Name)
		}
	default:
		if err := cfg.Mounter.Mount("/dev/"+p.Name, p.MountPath, p.Type, []string{"noatime"}); err != nil {
			return errors.Wrapf(err, "mounting %s partition %s", p.Type, p.Name)
		}
	}
	p.Mounted = true
	return nil
}

// Unmount tears p down unless it is marked KeepMounted.
func Unmount(cfg types.Config, p *Partition) error {
	if p.KeepMounted {
		return nil
	}
	if !p.Mounted {
		return nil
	}
	if err := cfg.Mounter.Unmount(p.MountPath); err != nil {
		return errors.Wrapf(err, "unmounting %s", p.MountPath)
	}
	p.Mounted = false
	return nil
}

// removableDeviceNames cross-checks blkid's output against sysfs block-device
// topology via ghw, the way spec.md §4.4 describes discovery distrusting
// blkid's own device-vs-partition distinction on odd controllers. Internal,
// non-removable disks beyond plain /dev/mmcblk* (e.g. an internal NVMe/UFS
// exposed as sdX on some SoCs) are excluded from the removable set.
func removableDeviceNames() (map[string]bool, error) {
	info, err := ghw.Block()
	if err != nil {
		return nil, errors.Wrap(err, "reading block device topology")
	}
	removable := map[string]bool{}
	for _, disk := range info.Disks {
		if !disk.IsRemovable {
			continue
		}
		for _, p := range disk.Partitions {
			removable[p.Name] = true
		}
	}
	return removable, nil
}

// Discover runs the blkid helper and mounts every discovered partition,
// returning the ones that mounted.
func Discover(ctx context.Context, cfg types.Config, blkidHelper string) ([]Partition, error) {
	out, err := cfg.Runner.Run(ctx, blkidHelper)
	if err != nil {
		return nil, errors.Wrap(err, "running blkid helper")
	}
	parts := ParseBlkid(string(out))

	if removable, err := removableDeviceNames(); err != nil {
		if cfg.Logger != nil {
			cfg.Logger.Warnf("block topology cross-check unavailable: %v", err)
		}
	} else if len(removable) > 0 {
		filtered := parts[:0]
		for _, p := range parts {
			if removable[p.Name] {
				filtered = append(filtered, p)
			} else if cfg.Logger != nil {
				cfg.Logger.Debugf("dropping %s: not a removable block device", p.Name)
			}
		}
		parts = filtered
	}

	for i := range parts {
		if err := Mount(ctx, cfg, &parts[i]); err != nil {
			if cfg.Logger != nil {
				cfg.Logger.Warnf("partition %s: %v", parts[i].Name, err)
			}
			continue
		}
	}
	// Only partitions that mounted successfully are kept (spec.md §4.4).
	kept := parts[:0]
	for _, p := range parts {
		if p.Mounted {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// CtimeReader is the shape of a djherbis/times ctime-change check.
// RefreshWorker does not take one: it calls readDevBlockCtime directly.
type CtimeReader func(path string) (hasChanged bool, err error)

// RefreshWorker polls /dev/block's ctime every USBRefreshInterval and
// rebuilds the partition Set when it changes, invoking onChange under no
// lock so the UI callback may itself call Set methods. It stops
// cooperatively when ctx is cancelled or Stop is called.
type RefreshWorker struct {
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

func NewRefreshWorker() *RefreshWorker {
	return &RefreshWorker{stop: make(chan struct{}), done: make(chan struct{})}
}

// Run blocks until ctx is cancelled or Stop is called. tick is injected so
// tests can drive it synchronously instead of sleeping 50ms per iteration.
func (w *RefreshWorker) Run(ctx context.Context, tick <-chan struct{}, blkidHelper string, cfg types.Config, set *Set, onChange func([]Partition)) {
	w.running.Store(true)
	defer w.running.Store(false)
	defer close(w.done)

	var lastCtime int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-tick:
			ctime, err := readDevBlockCtime()
			if err != nil {
				continue
			}
			if ctime == lastCtime {
				continue
			}
			lastCtime = ctime
			parts, err := Discover(ctx, cfg, blkidHelper)
			if err != nil {
				if cfg.Logger != nil {
					cfg.Logger.Warnf("partition refresh: %v", err)
				}
				continue
			}
			set.Replace(parts)
			if onChange != nil {
				onChange(set.All())
			}
		}
	}
}

// Stop requests the worker to exit and waits for it to do so.
func (w *RefreshWorker) Stop() {
	if !w.running.Load() {
		return
	}
	close(w.stop)
	<-w.done
}
