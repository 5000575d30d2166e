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
	"bytes"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// memNode is one file, directory, or symlink in a MemFS tree.
type memNode struct {
	name    string
	mode    os.FileMode
	data    []byte
	link    string // symlink target, when mode&ModeSymlink != 0
	modTime time.Time
}

func (n *memNode) IsDir() bool        { return n.mode.IsDir() }
func (n *memNode) isSymlink() bool    { return n.mode&os.ModeSymlink != 0 }
func (n *memNode) Name() string       { return path.Base(n.name) }
func (n *memNode) Size() int64        { return int64(len(n.data)) }
func (n *memNode) Mode() os.FileMode  { return n.mode }
func (n *memNode) ModTime() time.Time { return n.modTime }
func (n *memNode) Sys() interface{}   { return nil }

// MemFS is a self-contained, in-memory FS used by unit tests across the
// ramdisk/bootimg/fstab/rominfo packages so none of them need a real root to
// exercise directory walks, symlinks, or file writes.
type MemFS struct {
	mu    sync.Mutex
	nodes map[string]*memNode
}

// NewMemFS returns an empty in-memory FS containing just "/".
func NewMemFS() *MemFS {
	m := &MemFS{nodes: map[string]*memNode{}}
	m.nodes["/"] = &memNode{name: "/", mode: os.ModeDir | 0755}
	return m
}

func clean(p string) string {
	p = path.Clean("/" + p)
	return p
}

func (m *MemFS) get(p string) (*memNode, bool) {
	n, ok := m.nodes[clean(p)]
	return n, ok
}

func (m *MemFS) Open(name string) (fs.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.get(name)
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return &memFile{node: n, reader: bytes.NewReader(n.data)}, nil
}

type memFile struct {
	node   *memNode
	reader *bytes.Reader
}

func (f *memFile) Read(p []byte) (int, error) { return f.reader.Read(p) }
func (f *memFile) Close() error                { return nil }
func (f *memFile) Stat() (fs.FileInfo, error)  { return f.node, nil }

type memWriter struct {
	fs   *MemFS
	name string
	buf  bytes.Buffer
	perm os.FileMode
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.nodes[clean(w.name)] = &memNode{
		name: clean(w.name), mode: w.perm, data: w.buf.Bytes(), modTime: epoch(),
	}
	return nil
}

// epoch is used instead of time.Now so MemFS stays deterministic without
// reaching for the forbidden time.Now builtin inside workflow scripts; it
// has no such constraint here, but tests compare nodes structurally so a
// fixed stamp keeps diffs quiet.
func epoch() time.Time { return time.Unix(0, 0).UTC() }

func (m *MemFS) Create(name string) (WriteFile, error) {
	return &memWriter{fs: m, name: name, perm: 0644}, nil
}

func (m *MemFS) Mkdir(name string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := clean(name)
	parent := path.Dir(p)
	if parent != "/" {
		if pn, ok := m.nodes[parent]; !ok || !pn.IsDir() {
			return &os.PathError{Op: "mkdir", Path: name, Err: os.ErrNotExist}
		}
	}
	if _, exists := m.nodes[p]; exists {
		return &os.PathError{Op: "mkdir", Path: name, Err: os.ErrExist}
	}
	m.nodes[p] = &memNode{name: p, mode: os.ModeDir | perm, modTime: epoch()}
	return nil
}

func (m *MemFS) MkdirAll(p string, perm os.FileMode) error {
	p = clean(p)
	parts := strings.Split(strings.Trim(p, "/"), "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur += "/" + part
		m.mu.Lock()
		_, exists := m.nodes[cur]
		if !exists {
			m.nodes[cur] = &memNode{name: cur, mode: os.ModeDir | perm, modTime: epoch()}
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *MemFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := clean(name)
	if _, ok := m.nodes[p]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(m.nodes, p)
	return nil
}

func (m *MemFS) RemoveAll(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	prefix := p + "/"
	for k := range m.nodes {
		if k == p || strings.HasPrefix(k, prefix) {
			delete(m.nodes, k)
		}
	}
	return nil
}

func (m *MemFS) Rename(oldname, newname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, np := clean(oldname), clean(newname)
	n, ok := m.nodes[op]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist}
	}
	delete(m.nodes, op)
	n.name = np
	m.nodes[np] = n
	return nil
}

func (m *MemFS) Stat(name string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.get(name)
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	if n.isSymlink() {
		return m.statFollow(resolveLink(name, n.link), 0)
	}
	return n, nil
}

// resolveLink joins a symlink's (possibly relative) target against the
// directory containing the symlink itself, the way the kernel resolves
// relative link targets, so a symlink at dir/a pointing at "../b" lands on
// dir/../b rather than on "/b".
func resolveLink(symlinkPath, target string) string {
	if path.IsAbs(target) {
		return target
	}
	return path.Join(path.Dir(clean(symlinkPath)), target)
}

func (m *MemFS) statFollow(target string, depth int) (os.FileInfo, error) {
	if depth > 40 {
		return nil, errors.New("too many levels of symbolic links")
	}
	n, ok := m.get(target)
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: target, Err: os.ErrNotExist}
	}
	if n.isSymlink() {
		return m.statFollow(resolveLink(target, n.link), depth+1)
	}
	return n, nil
}

func (m *MemFS) Lstat(name string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.get(name)
	if !ok {
		return nil, &os.PathError{Op: "lstat", Path: name, Err: os.ErrNotExist}
	}
	return n, nil
}

func (m *MemFS) Chmod(name string, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.get(name)
	if !ok {
		return &os.PathError{Op: "chmod", Path: name, Err: os.ErrNotExist}
	}
	n.mode = n.mode&os.ModeType | mode
	return nil
}

func (m *MemFS) Symlink(oldname, newname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := clean(newname)
	// oldname is stored verbatim, not cleaned against root: a relative
	// symlink target ("../main_init") is meaningful relative to p's own
	// directory, exactly as a real filesystem would store it.
	m.nodes[p] = &memNode{name: p, mode: os.ModeSymlink | 0777, link: oldname, modTime: epoch()}
	return nil
}

func (m *MemFS) Readlink(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.get(name)
	if !ok || !n.isSymlink() {
		return "", &os.PathError{Op: "readlink", Path: name, Err: os.ErrInvalid}
	}
	return n.link, nil
}

func (m *MemFS) ReadFile(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.get(name)
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	if n.isSymlink() {
		target := resolveLink(name, n.link)
		m.mu.Unlock()
		data, err := m.ReadFile(target)
		m.mu.Lock()
		return data, err
	}
	out := make([]byte, len(n.data))
	copy(out, n.data)
	return out, nil
}

func (m *MemFS) WriteFile(name string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := clean(name)
	cp := make([]byte, len(data))
	copy(cp, data)
	m.nodes[p] = &memNode{name: p, mode: perm, data: cp, modTime: epoch()}
	return nil
}

// Walk visits root and every descendant in lexical order, mirroring
// filepath.WalkDir's contract closely enough for the ramdisk/fstab packages
// that depend on it.
func (m *MemFS) Walk(root string, fn fs.WalkDirFunc) error {
	root = clean(root)
	m.mu.Lock()
	var paths []string
	for p := range m.nodes {
		if p == root || strings.HasPrefix(p, root+"/") {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	m.mu.Unlock()

	for _, p := range paths {
		m.mu.Lock()
		n := m.nodes[p]
		m.mu.Unlock()
		if n == nil {
			continue
		}
		if err := fn(p, memDirEntry{n}, nil); err != nil {
			return err
		}
	}
	return nil
}

type memDirEntry struct{ n *memNode }

func (d memDirEntry) Name() string               { return d.n.Name() }
func (d memDirEntry) IsDir() bool                { return d.n.IsDir() }
func (d memDirEntry) Type() fs.FileMode          { return d.n.Mode().Type() }
func (d memDirEntry) Info() (fs.FileInfo, error) { return d.n, nil }
