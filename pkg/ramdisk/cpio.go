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

// cpio.go decodes and re-encodes the "newc" (070701) ASCII cpio format used
// by every Android ramdisk. Grounded on magiskboot_go's cpio/cpio.go
// (LoadFromData/Dump), adapted here to operate against an in-memory entry
// list plus a vfs.FS target instead of mmap'd files, so the injector can be
// exercised against a fake root in tests.
package ramdisk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/multirom/multirom/pkg/types"
)

const (
	newcMagic   = "070701"
	trailerName = "TRAILER!!!"

	modeDir = 0o040000
	modeReg = 0o100000
	modeLnk = 0o120000
)

// Entry is one file/dir/symlink inside a cpio archive.
type Entry struct {
	Name string
	Mode uint32 // full st_mode, including the S_IF* type bits
	Data []byte // file contents, or the symlink target for S_IFLNK entries
}

func (e Entry) IsDir() bool  { return e.Mode&0o170000 == modeDir }
func (e Entry) IsLink() bool { return e.Mode&0o170000 == modeLnk }
func (e Entry) IsReg() bool  { return e.Mode&0o170000 == modeReg }

// Archive is an ordered collection of cpio entries; order is preserved
// because Android init is sensitive to directories appearing before their
// contents.
type Archive struct {
	Entries []Entry
	index   map[string]int
}

func newArchive() *Archive {
	return &Archive{index: map[string]int{}}
}

func (a *Archive) Get(name string) (Entry, bool) {
	i, ok := a.index[normName(name)]
	if !ok {
		return Entry{}, false
	}
	return a.Entries[i], true
}

func (a *Archive) Has(name string) bool {
	_, ok := a.index[normName(name)]
	return ok
}

// Put inserts or replaces an entry by name.
func (a *Archive) Put(e Entry) {
	e.Name = normName(e.Name)
	if i, ok := a.index[e.Name]; ok {
		a.Entries[i] = e
		return
	}
	a.index[e.Name] = len(a.Entries)
	a.Entries = append(a.Entries, e)
}

// Remove deletes an entry by name, if present.
func (a *Archive) Remove(name string) {
	name = normName(name)
	i, ok := a.index[name]
	if !ok {
		return
	}
	a.Entries = append(a.Entries[:i], a.Entries[i+1:]...)
	delete(a.index, name)
	for n, idx := range a.index {
		if idx > i {
			a.index[n] = idx - 1
		}
	}
}

func normName(p string) string {
	return strings.TrimLeft(path.Clean("/"+p), "/")
}

func align4(n int) int { return (n + 3) &^ 3 }

type cpioHeader struct {
	Magic     [6]byte
	Ino       [8]byte
	Mode      [8]byte
	UID       [8]byte
	GID       [8]byte
	Nlink     [8]byte
	Mtime     [8]byte
	Filesize  [8]byte
	DevMajor  [8]byte
	DevMinor  [8]byte
	RDevMajor [8]byte
	RDevMinor [8]byte
	Namesize  [8]byte
	Check     [8]byte
}

const cpioHeaderSize = 110 // 6 + 13*8

func hex8(v uint32) [8]byte {
	var out [8]byte
	copy(out[:], fmt.Sprintf("%08X", v))
	return out
}

func parseHex8(b [8]byte) (uint32, error) {
	v, err := strconv.ParseUint(string(b[:]), 16, 32)
	if err != nil {
		return 0, errors.Wrap(err, "bad cpio header field")
	}
	return uint32(v), nil
}

// DecodeCpio parses a newc-format cpio stream into an Archive.
func DecodeCpio(data []byte) (*Archive, error) {
	a := newArchive()
	pos := 0
	ino := uint32(1)

	for pos < len(data) {
		if pos+cpioHeaderSize > len(data) {
			break
		}
		var hdr cpioHeader
		if err := binary.Read(bytes.NewReader(data[pos:pos+cpioHeaderSize]), binary.BigEndian, &hdr); err != nil {
			return nil, errors.Wrap(err, "decoding cpio header")
		}
		if string(hdr.Magic[:]) != newcMagic {
			return nil, errors.Errorf("invalid cpio magic %q at offset %d", hdr.Magic, pos)
		}
		pos += cpioHeaderSize

		nameSize, err := parseHex8(hdr.Namesize)
		if err != nil {
			return nil, err
		}
		if pos+int(nameSize) > len(data) {
			return nil, errors.Errorf("cpio name overruns archive")
		}
		name := strings.TrimRight(string(data[pos:pos+int(nameSize)]), "\x00")
		pos = align4(pos + int(nameSize))

		if name == trailerName {
			break
		}

		fileSize, err := parseHex8(hdr.Filesize)
		if err != nil {
			return nil, err
		}
		if pos+int(fileSize) > len(data) {
			return nil, errors.Errorf("cpio body overruns archive for %q", name)
		}
		mode, err := parseHex8(hdr.Mode)
		if err != nil {
			return nil, err
		}
		body := append([]byte(nil), data[pos:pos+int(fileSize)]...)
		pos = align4(pos + int(fileSize))

		if name == "." || name == ".." {
			ino++
			continue
		}
		a.Put(Entry{Name: name, Mode: mode, Data: body})
		ino++
	}
	return a, nil
}

// EncodeCpio serializes the archive back to a newc-format cpio stream,
// followed by the TRAILER!!! end marker.
func (a *Archive) EncodeCpio() ([]byte, error) {
	buf := &bytes.Buffer{}
	ino := uint32(1)

	write := func(name string, mode uint32, data []byte) error {
		nameBytes := append([]byte(name), 0)
		hdr := cpioHeader{
			Magic:    [6]byte{'0', '7', '0', '7', '0', '1'},
			Ino:      hex8(ino),
			Mode:     hex8(mode),
			Nlink:    hex8(1),
			Filesize: hex8(uint32(len(data))),
			Namesize: hex8(uint32(len(nameBytes))),
		}
		ino++
		if err := binary.Write(buf, binary.BigEndian, hdr); err != nil {
			return err
		}
		buf.Write(nameBytes)
		padTo(buf, align4(buf.Len()))
		buf.Write(data)
		padTo(buf, align4(buf.Len()))
		return nil
	}

	for _, e := range a.Entries {
		if err := write(e.Name, e.Mode, e.Data); err != nil {
			return nil, err
		}
	}
	if err := write(trailerName, 0, nil); err != nil {
		return nil, err
	}
	// cpio archives are traditionally padded to a 512-byte boundary.
	padTo(buf, (buf.Len()+511)&^511)
	return buf.Bytes(), nil
}

func padTo(buf *bytes.Buffer, n int) {
	if pad := n - buf.Len(); pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

// ExtractTo materializes every entry of the archive under dir on fs,
// giving each file its archived permission bits (mode & 07777) so the
// trampoline binary and support files land with the exact modes spec.md
// §4.3 step 5 requires; directories are created 0755.
func (a *Archive) ExtractTo(vfs types.FS, dir string) error {
	for _, e := range a.Entries {
		target := path.Join(dir, e.Name)
		switch {
		case e.IsDir():
			if err := vfs.MkdirAll(target, 0755); err != nil {
				return errors.Wrapf(err, "creating %s", target)
			}
		case e.IsLink():
			if err := vfs.Symlink(string(e.Data), target); err != nil {
				return errors.Wrapf(err, "symlinking %s", target)
			}
		default:
			if err := vfs.MkdirAll(path.Dir(target), 0755); err != nil {
				return err
			}
			if err := vfs.WriteFile(target, e.Data, fs.FileMode(e.Mode&0o7777)); err != nil {
				return errors.Wrapf(err, "writing %s", target)
			}
		}
	}
	return nil
}

// BuildFromDir walks dir on fs and builds an Archive out of its contents,
// used to repack the scratch directory the injector staged files into.
func BuildFromDir(vfsFS types.FS, dir string) (*Archive, error) {
	a := newArchive()
	err := vfsFS.Walk(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(p, dir)
		rel = strings.TrimLeft(rel, "/")
		if rel == "" {
			return nil
		}

		switch {
		case d.IsDir():
			a.Put(Entry{Name: rel, Mode: modeDir | 0o755})
		case d.Type()&fs.ModeSymlink != 0:
			target, err := vfsFS.Readlink(p)
			if err != nil {
				return errors.Wrapf(err, "reading symlink %s", p)
			}
			a.Put(Entry{Name: rel, Mode: modeLnk | 0o777, Data: []byte(target)})
		default:
			info, err := d.Info()
			if err != nil {
				return errors.Wrapf(err, "stat %s", p)
			}
			data, err := vfsFS.ReadFile(p)
			if err != nil {
				return errors.Wrapf(err, "reading %s", p)
			}
			mode := modeReg | uint32(info.Mode().Perm())
			a.Put(Entry{Name: rel, Mode: mode, Data: data})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}
