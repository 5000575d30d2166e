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

package bootimg

import (
	"bytes"
	"testing"
)

func freshHeader(t *testing.T) Header {
	t.Helper()
	var raw hdrV2
	copy(raw.Magic[:], bootMagic)
	raw.PageSize = 2048
	raw.KernelSize = 10
	raw.RamdiskSize = 20
	return Header{raw: raw, PageSize: 2048}
}

func TestTrampolineVersionRoundTrip(t *testing.T) {
	h := freshHeader(t)
	if _, ok := h.TrampolineVersion(); ok {
		t.Fatalf("fresh header should not report a trampoline version")
	}

	h.SetTrampolineVersion(7)
	n, ok := h.TrampolineVersion()
	if !ok || n != 7 {
		t.Fatalf("got (%d, %v), want (7, true)", n, ok)
	}
}

func TestSetTrampolineVersionPreservesTailBytes(t *testing.T) {
	h := freshHeader(t)
	h.SetNoKexecVersion(3)
	h.SetSecondaryTag(true)

	h.SetTrampolineVersion(12)

	if h.NoKexecVersion() != 3 {
		t.Fatalf("no-kexec byte clobbered: got %d", h.NoKexecVersion())
	}
	if !h.HasSecondaryTag() {
		t.Fatalf("secondary tag clobbered")
	}
}

func TestSecondaryTagToggle(t *testing.T) {
	h := freshHeader(t)
	if h.HasSecondaryTag() {
		t.Fatalf("fresh header should not carry the secondary tag")
	}
	h.SetSecondaryTag(true)
	if !h.HasSecondaryTag() {
		t.Fatalf("expected secondary tag to be set")
	}
	h.SetSecondaryTag(false)
	if h.HasSecondaryTag() {
		t.Fatalf("expected secondary tag to be cleared")
	}
}

func TestHeaderEqual(t *testing.T) {
	a := freshHeader(t)
	b := freshHeader(t)
	if !a.Equal(b) {
		t.Fatalf("identical headers should compare equal")
	}
	b.SetTrampolineVersion(1)
	if a.Equal(b) {
		t.Fatalf("headers differing in name[] should not compare equal")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := freshHeader(t)
	h.SetTrampolineVersion(4)
	h.SetNoKexecVersion(2)

	encoded, err := h.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(encoded)%int(h.PageSize) != 0 {
		t.Fatalf("encoded header not page-aligned: %d bytes", len(encoded))
	}

	decoded, err := decodeHeader(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(h) {
		t.Fatalf("round-trip mismatch")
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	buf := bytes.Repeat([]byte{0}, hdrV2Size)
	if _, err := decodeHeader(buf); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestPageRoundUp(t *testing.T) {
	cases := []struct{ size, page, want uint32 }{
		{0, 2048, 0},
		{1, 2048, 2048},
		{2048, 2048, 2048},
		{2049, 2048, 4096},
	}
	for _, c := range cases {
		if got := pageRoundUp(c.size, c.page); got != c.want {
			t.Errorf("pageRoundUp(%d, %d) = %d, want %d", c.size, c.page, got, c.want)
		}
	}
}
