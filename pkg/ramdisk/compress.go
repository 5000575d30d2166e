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
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Format is a ramdisk compression format, sniffed from the leading bytes of
// the archive per spec.md §4.3 step 1.
type Format int

const (
	FormatNone Format = iota
	FormatGzip
	FormatLZ4
)

var (
	gzipMagic = []byte{0x1F, 0x8B}
	lz4Magic  = []byte{0x02, 0x21, 0x4C, 0x18}
)

// Sniff inspects the leading bytes of a ramdisk blob and reports its
// compression format. An unrecognized magic returns (FormatNone, false) so
// the caller can log a warning and no-op, per spec.md §4.3 step 1.
func Sniff(data []byte) (Format, bool) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return FormatGzip, true
	case bytes.HasPrefix(data, lz4Magic):
		return FormatLZ4, true
	default:
		return FormatNone, false
	}
}

func (f Format) String() string {
	switch f {
	case FormatGzip:
		return "gzip"
	case FormatLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// Decompress decompresses data according to format.
func Decompress(format Format, data []byte) ([]byte, error) {
	switch format {
	case FormatGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "opening gzip ramdisk")
		}
		defer r.Close()
		return io.ReadAll(r)
	case FormatLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	default:
		return nil, errors.Errorf("unsupported compression format %v", format)
	}
}

// Compress recompresses data into format, matching the original compression
// so that the repacked ramdisk stays in the format the bootloader/kernel
// expects (spec.md §4.3 step 6: "repack... in the original compression
// format").
func Compress(format Format, data []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	switch format {
	case FormatGzip:
		w := gzip.NewWriter(buf)
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, "gzip-compressing ramdisk")
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case FormatLZ4:
		w := lz4.NewWriter(buf)
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, "lz4-compressing ramdisk")
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unsupported compression format %v", format)
	}
	return buf.Bytes(), nil
}
