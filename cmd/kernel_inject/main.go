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

// Command kernel_inject replaces the kernel section of a boot image and
// rewrites it in place, for devices whose recovery flow patches a kernel
// into an existing boot.img rather than rebuilding one from scratch.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/multirom/multirom/pkg/bootimg"
	"github.com/multirom/multirom/pkg/types"
)

func main() {
	flags := pflag.NewFlagSet("kernel_inject", pflag.ContinueOnError)
	imgPath := flags.String("inject", "", "path to the boot image to patch")
	kernelPath := flags.String("kernel", "", "path to the replacement kernel image")
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *imgPath == "" || *kernelPath == "" {
		fmt.Println("--inject=[path to bootimage to patch] --kernel=[path to the new kernel] needs to be specified!")
		os.Exit(1)
	}

	cfg := types.Config{
		Logger: types.NewLogrusLogger("kernel_inject"),
		Fs:     types.NewRealFS(),
	}

	if err := replaceKernel(cfg, *imgPath, *kernelPath); err != nil {
		cfg.Logger.Errorf("kernel_inject: %v", err)
		os.Exit(1)
	}
}

// replaceKernel loads the full boot image, swaps in the new kernel section,
// and writes it back to the same path, the Go equivalent of the original's
// libbootimg_init_load → libbootimg_load_kernel → libbootimg_write_img →
// copy-over-original sequence (it writes to a temp path and renames instead
// of writing the live file directly, for the same reason: a crash mid-write
// must not leave a half-patched boot image on disk).
func replaceKernel(cfg types.Config, imgPath, kernelPath string) error {
	img, err := bootimg.LoadAll(imgPath)
	if err != nil {
		return fmt.Errorf("opening boot image: %w", err)
	}
	if err := bootimg.LoadKernel(cfg, img, kernelPath); err != nil {
		return fmt.Errorf("loading replacement kernel: %w", err)
	}

	tmp := imgPath + ".new"
	if err := bootimg.Write(cfg, img, tmp); err != nil {
		return fmt.Errorf("writing patched boot image: %w", err)
	}
	if err := cfg.Fs.Rename(tmp, imgPath); err != nil {
		return fmt.Errorf("replacing %s: %w", imgPath, err)
	}
	return nil
}
