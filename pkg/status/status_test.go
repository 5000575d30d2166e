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

package status

import (
	"strings"
	"testing"

	"github.com/multirom/multirom/pkg/types"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	s, err := Load(types.Config{Fs: types.NewMemFS()}, "/mrom/multirom.ini")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.NoKexec == 0 {
		t.Fatalf("expected a non-zero default no_kexec policy")
	}
}

func TestRoundTripPreservesUnknownKeys(t *testing.T) {
	data := []byte("current_rom=Internal\nsome_future_key=wat\n")
	s, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.CurrentRom != "Internal" {
		t.Fatalf("got current_rom=%q", s.CurrentRom)
	}

	out, err := s.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(out), "some_future_key=") {
		t.Fatalf("unknown key dropped on round trip: %s", out)
	}

	s2, err := Parse(out)
	if err != nil {
		t.Fatalf("re-parsing encoded status: %v", err)
	}
	if s2.CurrentRom != "Internal" {
		t.Fatalf("current_rom lost across round trip")
	}
}

func TestDetectSecondBootFromSentinel(t *testing.T) {
	kmsg := []byte("foo\nMultiromSaysNextBootShouldBeSecondMagic108\nbar\n")
	if !DetectSecondBoot(kmsg, false) {
		t.Fatalf("expected sentinel line to be detected")
	}
	if DetectSecondBoot([]byte("nothing here"), false) {
		t.Fatalf("did not expect second boot to be detected")
	}
}

func TestDetectSecondBootFromTag(t *testing.T) {
	if !DetectSecondBoot(nil, true) {
		t.Fatalf("expected tag byte to signal second boot")
	}
}
