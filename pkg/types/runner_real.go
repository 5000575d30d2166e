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
	"context"
	"os/exec"

	"github.com/pkg/errors"
)

// realRunner backs Runner with os/exec to fork helper processes (blkid,
// ntfs-3g, exfat-fuse, kexec, the decrypt helper). Every pkg/ package takes
// a Runner instead of importing os/exec directly, so staging/injection logic
// stays exercisable against a fake Runner in tests; cmd/trampoline's
// device.go is the one other place that uses os/exec itself.
type realRunner struct{}

// NewRealRunner returns a Runner that forks real processes.
func NewRealRunner() Runner {
	return realRunner{}
}

func (realRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), errors.Wrapf(err, "running %s %v: %s", name, args, stderr.String())
	}
	return stdout.Bytes(), nil
}
