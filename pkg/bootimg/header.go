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

// Package bootimg reads and writes Android boot images: an 8-byte "ANDROID!"
// magic, a fixed header (legacy v0/v1/v2 layout, the only ones MultiROM-class
// devices ship), followed by the kernel, ramdisk, optional second stage and
// optional dtb, each section padded out to the header's page size.
package bootimg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/multirom/multirom/pkg/constants"
	"github.com/multirom/multirom/pkg/types"
)

const (
	bootMagicSize = 8
	bootMagic     = "ANDROID!"
	bootArgsSize  = 512
	bootIDSize    = 32
	bootExtraArgsSize = 1024
)

// hdrV0Common is the portion shared by every legacy header version.
type hdrV0Common struct {
	Magic       [bootMagicSize]byte
	KernelSize  uint32
	KernelAddr  uint32
	RamdiskSize uint32
	RamdiskAddr uint32
	SecondSize  uint32
	SecondAddr  uint32
}

// hdrV2 is the on-disk layout for the legacy header, large enough to also
// cover v0 and v1 (the v1/v2 extra fields are simply zero/unused on a v0
// image). MultiROM only ever needs the fields referenced below; everything
// else is kept in Header.raw and written back unchanged by encode.
type hdrV2 struct {
	hdrV0Common
	TagsAddr      uint32
	PageSize      uint32
	HeaderVersion uint32
	OsVersion     uint32
	Name          [constants.BootNameSize]byte
	Cmdline       [bootArgsSize]byte
	ID            [bootIDSize]byte
	ExtraCmdline  [bootExtraArgsSize]byte

	// v1
	RecoveryDtboSize   uint32
	RecoveryDtboOffset uint64
	HeaderSize         uint32

	// v2
	DtbSize uint32
	DtbAddr uint64
}

const hdrV2Size = 8 + 6*4 + 4*4 + constants.BootNameSize + bootArgsSize + bootIDSize + bootExtraArgsSize + 4 + 8 + 4 + 4 + 8

// Header is the decoded, caller-friendly view of a boot image header. The
// name field is kept as opaque bytes per spec.md §4.2: "callers read/write
// the tr_ver and no-kexec marker bytes directly".
type Header struct {
	raw      hdrV2
	PageSize uint32
}

// Image is a boot image fully read into memory: header plus each section as
// an owned byte buffer, per spec.md §4.2.
type Image struct {
	Header   Header
	Kernel   []byte
	Ramdisk  []byte
	Second   []byte
	Dtb      []byte
}

func pageRoundUp(size, pageSize uint32) uint32 {
	if pageSize == 0 {
		pageSize = 2048
	}
	return (size + pageSize - 1) / pageSize * pageSize
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < hdrV2Size {
		return Header{}, errors.Errorf("boot image header truncated: have %d bytes, need %d", len(buf), hdrV2Size)
	}
	var h hdrV2
	if err := binary.Read(bytes.NewReader(buf[:hdrV2Size]), binary.LittleEndian, &h); err != nil {
		return Header{}, errors.Wrap(err, "decoding boot image header")
	}
	if string(h.Magic[:]) != bootMagic {
		return Header{}, errors.Errorf("not an Android boot image: bad magic %q", h.Magic)
	}
	pageSize := h.PageSize
	if pageSize == 0 {
		pageSize = 2048
	}
	return Header{raw: h, PageSize: pageSize}, nil
}

func (h Header) encode() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, h.raw); err != nil {
		return nil, errors.Wrap(err, "encoding boot image header")
	}
	out := make([]byte, pageRoundUp(uint32(buf.Len()), h.PageSize))
	copy(out, buf.Bytes())
	return out, nil
}

func (h Header) KernelSize() uint32  { return h.raw.KernelSize }
func (h Header) RamdiskSize() uint32 { return h.raw.RamdiskSize }
func (h Header) SecondSize() uint32  { return h.raw.SecondSize }
func (h Header) DtbSize() uint32     { return h.raw.DtbSize }
func (h Header) RamdiskAddr() uint32 { return h.raw.RamdiskAddr }

// SetRamdiskSize updates the section size after the injector repacks it.
func (h *Header) SetRamdiskSize(size uint32) { h.raw.RamdiskSize = size }

// SetRamdiskAddr overrides the ramdisk load address, per spec.md §4.3 step 7
// ("optionally override the ramdisk load address").
func (h *Header) SetRamdiskAddr(addr uint32) { h.raw.RamdiskAddr = addr }

// Cmdline returns the NUL-terminated base+extra command line.
func (h Header) Cmdline() string {
	base := nulString(h.raw.Cmdline[:])
	extra := nulString(h.raw.ExtraCmdline[:])
	if extra == "" {
		return base
	}
	return base + extra
}

func nulString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// TrampolineVersion parses the "tr_ver<N>" marker from name[0..], returning
// (0, false) if the field holds something else (an unpatched image).
func (h Header) TrampolineVersion() (int, bool) {
	name := nulString(h.raw.Name[:])
	if !bytes.HasPrefix([]byte(name), []byte(constants.TrVerPrefix)) {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(name, constants.TrVerPrefix+"%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// SetTrampolineVersion stamps name[0..] with "tr_ver<N>" while leaving the
// two trailing marker bytes (no-kexec version, secondary tag) untouched.
func (h *Header) SetTrampolineVersion(n int) {
	tail0 := h.raw.Name[constants.NoKexecByteOffset]
	tail1 := h.raw.Name[constants.SecondaryTagByteOffset]
	for i := range h.raw.Name {
		h.raw.Name[i] = 0
	}
	copy(h.raw.Name[:], fmt.Sprintf("%s%d", constants.TrVerPrefix, n))
	h.raw.Name[constants.NoKexecByteOffset] = tail0
	h.raw.Name[constants.SecondaryTagByteOffset] = tail1
}

// NoKexecVersion reads name[BOOT_NAME_SIZE-2].
func (h Header) NoKexecVersion() byte { return h.raw.Name[constants.NoKexecByteOffset] }

// SetNoKexecVersion writes name[BOOT_NAME_SIZE-2].
func (h *Header) SetNoKexecVersion(v byte) { h.raw.Name[constants.NoKexecByteOffset] = v }

// HasSecondaryTag reports whether this slot currently holds a secondary
// ROM's boot image (§4.11, §6).
func (h Header) HasSecondaryTag() bool {
	return h.raw.Name[constants.SecondaryTagByteOffset] == constants.SecondaryTagValue
}

// SetSecondaryTag sets or clears the secondary-in-primary tag byte.
func (h *Header) SetSecondaryTag(set bool) {
	if set {
		h.raw.Name[constants.SecondaryTagByteOffset] = constants.SecondaryTagValue
	} else {
		h.raw.Name[constants.SecondaryTagByteOffset] = 0
	}
}

// OsVersionRelease decodes the header's packed os_version field (AOSP boot
// image header v1 layout: 7 bits each of major/minor/patch in the top 21
// bits) into a "major.minor.patch" string. Returns "" if no version is
// encoded (header v0, or a zero field).
func (h Header) OsVersionRelease() string {
	v := h.raw.OsVersion >> 11
	if v == 0 {
		return ""
	}
	major := (v >> 14) & 0x7f
	minor := (v >> 7) & 0x7f
	patch := v & 0x7f
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// OsVersionPatchLevel decodes the header's packed security patch level
// (bottom 11 bits: 7-bit year offset from 2000, 4-bit month) into a
// "YYYY-MM-01" string matching ro.build.version.security_patch's format.
// Returns "" if no patch level is encoded.
func (h Header) OsVersionPatchLevel() string {
	v := h.raw.OsVersion & 0x7ff
	if v == 0 {
		return ""
	}
	year := 2000 + (v >> 4)
	month := v & 0xf
	return fmt.Sprintf("%04d-%02d-01", year, month)
}

// Equal reports whether two headers are byte-for-byte identical, used by
// Testable Property 6 (no-kexec restore must match the backed-up primary
// exactly).
func (h Header) Equal(o Header) bool {
	return h.raw == o.raw
}

// LoadHeader reads just the first page of path and decodes its header,
// without touching the (possibly large) kernel/ramdisk sections.
func LoadHeader(cfg types.Config, path string) (Header, error) {
	f, err := cfg.Fs.Open(path)
	if err != nil {
		return Header{}, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	buf := make([]byte, hdrV2Size)
	if _, err := f.Read(buf); err != nil {
		return Header{}, errors.Wrapf(err, "reading header of %s", path)
	}
	return decodeHeader(buf)
}

// LoadAll reads the full boot image (header + every section) into memory.
// It mmaps the file read-only rather than slurping it with io.ReadAll, and
// copies each section out of the mapping into its own buffer, so the
// returned Image stays valid after the mapping is closed.
func LoadAll(path string) (*Image, error) {
	f, err := mmapOpen(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := f.data
	hdr, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	off := uint64(pageRoundUp(uint32(hdrV2Size), hdr.PageSize))
	img := &Image{Header: hdr}

	img.Kernel, off = sliceSection(data, off, hdr.KernelSize(), hdr.PageSize)
	img.Ramdisk, off = sliceSection(data, off, hdr.RamdiskSize(), hdr.PageSize)
	img.Second, off = sliceSection(data, off, hdr.SecondSize(), hdr.PageSize)
	img.Dtb, _ = sliceSection(data, off, hdr.DtbSize(), hdr.PageSize)

	return img, nil
}

func sliceSection(data []byte, off uint64, size uint32, pageSize uint32) ([]byte, uint64) {
	if size == 0 {
		return nil, off
	}
	end := off + uint64(size)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	out := make([]byte, end-off)
	copy(out, data[off:end])
	return out, off + uint64(pageRoundUp(size, pageSize))
}

type mmapFile struct {
	f    interface{ Close() error }
	data mmap.MMap
}

func (m *mmapFile) Close() error {
	m.data.Unmap()
	return m.f.Close()
}

// DumpKernel writes the kernel section of img to out.
func DumpKernel(cfg types.Config, img *Image, out string) error {
	cfg.Logger.Infof("dumping kernel (%s) to %s", humanize.Bytes(uint64(len(img.Kernel))), out)
	return cfg.Fs.WriteFile(out, img.Kernel, 0644)
}

// DumpRamdisk writes the ramdisk section of img to out.
func DumpRamdisk(cfg types.Config, img *Image, out string) error {
	cfg.Logger.Infof("dumping ramdisk (%s) to %s", humanize.Bytes(uint64(len(img.Ramdisk))), out)
	return cfg.Fs.WriteFile(out, img.Ramdisk, 0644)
}

// DumpDtb writes the dtb section of img to out. A zero-length section (no
// dtb in this image) is still written so callers can tell "extracted but
// empty" apart from "extraction never ran".
func DumpDtb(cfg types.Config, img *Image, out string) error {
	cfg.Logger.Infof("dumping dtb (%s) to %s", humanize.Bytes(uint64(len(img.Dtb))), out)
	return cfg.Fs.WriteFile(out, img.Dtb, 0644)
}

// LoadKernel replaces img's kernel section with the contents of path.
func LoadKernel(cfg types.Config, img *Image, path string) error {
	data, err := cfg.Fs.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "loading kernel from %s", path)
	}
	img.Kernel = data
	img.Header.raw.KernelSize = uint32(len(data))
	return nil
}

// LoadRamdisk replaces img's ramdisk section with the contents of path and
// updates the header's ramdisk size accordingly.
func LoadRamdisk(cfg types.Config, img *Image, path string) error {
	data, err := cfg.Fs.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "loading ramdisk from %s", path)
	}
	img.Ramdisk = data
	img.Header.SetRamdiskSize(uint32(len(data)))
	return nil
}

// Write serializes img back out to path, page-aligning every section per
// spec.md §4.2 ("Section sizes round up to the header page size on write").
func Write(cfg types.Config, img *Image, path string) error {
	hdrBytes, err := img.Header.encode()
	if err != nil {
		return err
	}

	buf := &bytes.Buffer{}
	buf.Write(hdrBytes)
	writeSection(buf, img.Kernel, img.Header.PageSize)
	writeSection(buf, img.Ramdisk, img.Header.PageSize)
	writeSection(buf, img.Second, img.Header.PageSize)
	writeSection(buf, img.Dtb, img.Header.PageSize)

	cfg.Logger.Infof("writing boot image to %s (%s)", path, humanize.Bytes(uint64(buf.Len())))
	return cfg.Fs.WriteFile(path, buf.Bytes(), 0644)
}

// RewriteHeader overwrites just the header page of an on-disk boot image,
// leaving the kernel/ramdisk/second/dtb sections that follow untouched.
// Used by the no-kexec fallback, which only ever needs to flip the
// secondary-tag byte on an already-written boot partition rather than
// re-encode the whole image.
func RewriteHeader(cfg types.Config, path string, hdr Header) error {
	data, err := cfg.Fs.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}
	hdrBytes, err := hdr.encode()
	if err != nil {
		return err
	}
	if len(data) < len(hdrBytes) {
		return errors.Errorf("%s is smaller than one header page", path)
	}
	copy(data[:len(hdrBytes)], hdrBytes)
	return cfg.Fs.WriteFile(path, data, 0644)
}

func writeSection(buf *bytes.Buffer, data []byte, pageSize uint32) {
	if len(data) == 0 {
		return
	}
	buf.Write(data)
	padded := pageRoundUp(uint32(len(data)), pageSize)
	if pad := int(padded) - len(data); pad > 0 {
		buf.Write(make([]byte, pad))
	}
}
