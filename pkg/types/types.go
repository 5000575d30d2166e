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

// Package types holds the ambient interfaces threaded through every
// component instead of file-scope globals (Design Notes §9: "Global mutable
// state → explicit context").
package types

import (
	"context"
	"io/fs"
	"os"
)

// Logger is satisfied by *logrus.Logger / *logrus.Entry.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// FS is the filesystem surface every component touches: a symlink-aware
// superset of afero.Fs (mirroring twpayne/go-vfs's vfs.FS) with the
// ReadFile/WriteFile/Walk convenience methods this codebase calls
// everywhere. realFS (NewRealFS, fs_real.go) backs it with the OS root; MemFS
// (fs_mem.go) backs it with an in-memory tree for tests.
type FS interface {
	Open(name string) (fs.File, error)
	Create(name string) (WriteFile, error)
	Mkdir(name string, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Remove(name string) error
	RemoveAll(path string) error
	Rename(oldname, newname string) error
	Stat(name string) (os.FileInfo, error)
	Lstat(name string) (os.FileInfo, error)
	Chmod(name string, mode os.FileMode) error
	Symlink(oldname, newname string) error
	Readlink(name string) (string, error)

	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	Walk(root string, fn fs.WalkDirFunc) error
}

// WriteFile is the subset of *os.File used after Create.
type WriteFile interface {
	Write([]byte) (int, error)
	Close() error
}

// Mounter abstracts mount(2)/umount(2) so that only the trampoline's main
// thread ever calls the real syscalls (§5: "No other thread may call mount
// or umount").
type Mounter interface {
	Mount(source, target, fstype string, options []string) error
	Unmount(target string) error
	IsMountPoint(path string) (bool, error)
}

// Runner executes external helpers (blkid, kexec, ntfs-3g, the decrypt
// helper, …) so staging/injection code never calls exec.Command directly.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Paths is the set of filesystem locations that used to be file-scope
// statics (multirom_dir, busybox path, kexec path, log tag) in the original
// C implementation. It is constructed once at process startup and threaded
// through every component, which is what lets the ramdisk injector and
// stagers be unit-tested against a fake root.
type Paths struct {
	// MultiromDir is <realdata>/media[/0]/multirom.
	MultiromDir string
	RealData    string
	BusyboxPath string

	KexecHelper         string
	DecryptHelper       string
	BlkidHelper         string
	PrimaryBootPartition string // e.g. /dev/block/platform/.../by-name/boot

	LogTag string
}

// Config bundles the ambient collaborators a component needs. It plays the
// same role as the teacher's types.Config: a small struct of interfaces
// passed by value into every operation instead of being looked up from
// package globals.
type Config struct {
	Logger  Logger
	Fs      FS
	Mounter Mounter
	Runner  Runner
	Paths   Paths
}

// FileExists is a small helper used throughout the codebase in place of
// repeating the os.Stat/os.IsNotExist dance.
func FileExists(f FS, path string) bool {
	_, err := f.Stat(path)
	return err == nil
}

// IsDir reports whether path exists and is a directory.
func IsDir(f FS, path string) bool {
	info, err := f.Stat(path)
	return err == nil && info.IsDir()
}
