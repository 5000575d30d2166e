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
	"io"
	"io/fs"
	"os"
	"path"

	vfs "github.com/twpayne/go-vfs/v4"
)

// realFS implements FS over the live "/" using twpayne/go-vfs's OSFS, which
// is a symlink-aware superset of afero.Fs. It is the concrete FS every cmd/
// binary uses outside of tests.
type realFS struct {
	inner vfs.FS
}

// NewRealFS returns an FS rooted at the process's real filesystem.
func NewRealFS() FS {
	return &realFS{inner: vfs.OSFS}
}

func (r *realFS) Open(name string) (fs.File, error) {
	f, err := r.inner.Open(name)
	if err != nil {
		return nil, err
	}
	return vfsFile{f}, nil
}

type vfsFile struct{ f interface {
	Close() error
	Read([]byte) (int, error)
	Stat() (os.FileInfo, error)
} }

func (v vfsFile) Close() error               { return v.f.Close() }
func (v vfsFile) Read(p []byte) (int, error) { return v.f.Read(p) }
func (v vfsFile) Stat() (fs.FileInfo, error) { return v.f.Stat() }

func (r *realFS) Create(name string) (WriteFile, error) { return r.inner.Create(name) }
func (r *realFS) Mkdir(name string, perm os.FileMode) error { return r.inner.Mkdir(name, perm) }
func (r *realFS) MkdirAll(p string, perm os.FileMode) error { return r.inner.MkdirAll(p, perm) }
func (r *realFS) Remove(name string) error                  { return r.inner.Remove(name) }
func (r *realFS) RemoveAll(p string) error                   { return r.inner.RemoveAll(p) }
func (r *realFS) Rename(oldname, newname string) error      { return r.inner.Rename(oldname, newname) }
func (r *realFS) Stat(name string) (os.FileInfo, error)     { return r.inner.Stat(name) }
func (r *realFS) Lstat(name string) (os.FileInfo, error)    { return r.inner.Lstat(name) }
func (r *realFS) Chmod(name string, mode os.FileMode) error { return r.inner.Chmod(name, mode) }
func (r *realFS) Symlink(oldname, newname string) error     { return r.inner.Symlink(oldname, newname) }
func (r *realFS) Readlink(name string) (string, error)      { return r.inner.Readlink(name) }

func (r *realFS) ReadFile(name string) ([]byte, error) {
	f, err := r.inner.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (r *realFS) WriteFile(name string, data []byte, perm os.FileMode) error {
	f, err := r.inner.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Walk recurses depth-first through root, calling fn for every entry
// (directories included) the way filepath.WalkDir does, but going through
// the FS abstraction instead of the OS directly.
func (r *realFS) Walk(root string, fn fs.WalkDirFunc) error {
	return r.walk(root, fn)
}

func (r *realFS) walk(p string, fn fs.WalkDirFunc) error {
	info, err := r.inner.Lstat(p)
	if err != nil {
		return fn(p, nil, err)
	}
	d := dirEntryFromInfo(info)
	if err := fn(p, d, nil); err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}

	f, err := r.inner.Open(p)
	if err != nil {
		return fn(p, d, err)
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := r.walk(path.Join(p, name), fn); err != nil {
			return err
		}
	}
	return nil
}

type dirEntry struct{ info os.FileInfo }

func dirEntryFromInfo(info os.FileInfo) fs.DirEntry { return dirEntry{info} }

func (d dirEntry) Name() string               { return d.info.Name() }
func (d dirEntry) IsDir() bool                { return d.info.IsDir() }
func (d dirEntry) Type() fs.FileMode          { return d.info.Mode().Type() }
func (d dirEntry) Info() (fs.FileInfo, error) { return d.info, nil }
