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

package constants

import "time"

const (
	// MultiromDirName is the leaf directory name under /data/media[/0].
	MultiromDirName = "multirom"
	RomsDirName     = "roms"
	InternalRomName = "Internal"
	StatusFileName  = "multirom.ini"
	ErrorFileName   = "error.txt"
	PrimaryBootBak  = "primary_boot.img"

	RealDataMount = "/realdata"
	DevDir        = "/dev"
	ProcDir       = "/proc"
	SysDir        = "/sys"
	PstoreDir     = "/sys/fs/pstore"
	DebugfsDir    = "/sys/kernel/debug"
	FbDevice      = "/dev/graphics/fb0"
	CmdlinePath   = "/proc/cmdline"
	LastKmsgPath  = "/proc/last_kmsg"
	ConfigGzPath  = "/proc/config.gz"
	AtagsPath     = "/proc/atags"
	DeviceTreeDir = "/proc/device-tree"

	MainInitPath = "/main_init"
	InitPath     = "/init"
	KexecPath    = "/kexec"
	KeepRealdataSentinel = "/dev/.keep_realdata"

	// KmsgDevice is the kernel log sink the second-boot sentinel is written
	// to before a kexec, so /proc/last_kmsg carries it into the next boot.
	KmsgDevice = "/dev/kmsg"

	// Extraction targets for an Android secondary's boot.img sections, used
	// only to feed the kexec loader (the bind-mounted staging path never
	// needs them).
	KexecKernelPath = "/mrom_kexec_kernel"
	KexecInitrdPath = "/mrom_kexec_initrd"
	KexecDtbPath    = "/mrom_kexec_dtb"

	// BootNameSize is the length, in bytes, of the Android boot image header's
	// "name" field. The last two bytes of that field are repurposed by
	// MultiROM; see TrVerPrefix / NoKexecByteOffset / SecondaryTagByteOffset below.
	BootNameSize = 16

	// NoKexecByteOffset is name[BOOT_NAME_SIZE-2]: the no-kexec feature version.
	NoKexecByteOffset = BootNameSize - 2
	// SecondaryTagByteOffset is name[BOOT_NAME_SIZE-1].
	SecondaryTagByteOffset = BootNameSize - 1
	// SecondaryTagValue marks a boot slot as currently holding a secondary ROM.
	SecondaryTagValue byte = 0x71

	TrVerPrefix = "tr_ver"

	// SecondBootSentinel is written to the kernel ring buffer before a kexec
	// so that /proc/last_kmsg carries it across the new kernel's boot.
	SecondBootSentinel = "MultiromSaysNextBootShouldBeSecondMagic108"

	// KexecCmdlineTag is appended to an Android secondary's kernel command
	// line so its own init can detect it is running under MultiROM.
	KexecCmdlineTag = "mrom_kexecd=1"

	FstabPreferredName = "/mrom.fstab"

	FramebufferWaitTimeout = 5 * time.Second
	DataMountWaitTimeout    = 5 * time.Second

	USBRefreshInterval = 50 * time.Millisecond
	WorkerTickInterval  = 16 * time.Millisecond
	ADBRestartDelay     = 300 * time.Millisecond

	USBPartitionRetries  = 10
	USBPartitionRetryGap = time.Second

	AndroidROMNameMaxLen = 26

	// ExFAT/NTFS FUSE helper mount options.
	ExfatMountOptions = "big_writes,max_read=131072,max_write=131072,nonempty"
)

// AltFsOrder is the bounded retry order for mounting /data (and loop images)
// when the fstab-declared filesystem type fails.
var AltFsOrder = []string{"ext4", "f2fs", "ext3", "ext2"}

// AutoBootType bits, split per the Design Notes §9 recommendation: selection
// policy bits live here, "what to do this boot" is ForceCurrent alone kept
// for on-disk compatibility with the legacy bitset encoding.
type AutoBootType uint8

const (
	AutoBootByName AutoBootType = 1 << iota
	AutoBootLast
	AutoBootForceCurrent
)

// NoKexecPolicy bits (status.no_kexec).
type NoKexecPolicy uint8

const (
	NoKexecDisabled NoKexecPolicy = 1 << iota
	NoKexecAllowed
	NoKexecConfirm
	NoKexecChoice
	NoKexecForced
	NoKexecPrimary
	NoKexecRestore
)

// ExitFlag is the trampoline/selection-engine exit bitset (§7).
type ExitFlag uint8

const (
	ExitReboot ExitFlag = 1 << iota
	ExitRebootRecovery
	ExitRebootBootloader
	ExitShutdown
	ExitKexec
	ExitUmount
)

func (f ExitFlag) Has(bit ExitFlag) bool { return f&bit != 0 }

// UIVerdict is the value the out-of-scope selection UI returns to the core.
type UIVerdict int

const (
	VerdictBootRom UIVerdict = iota
	VerdictReboot
	VerdictRebootRecovery
	VerdictRebootBootloader
	VerdictShutdown
)
