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

// Package config layers environment and flag overrides over the compiled-in
// defaults, the way the teacher's RunConfig is built from a viper-bound
// flag set rather than read directly off pflag.FlagSet. It never touches
// pkg/status: multirom.ini stays the per-boot state store, this is the
// boot-to-boot build configuration (helper paths, feature toggles).
package config

import (
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/multirom/multirom/pkg/constants"
)

// Options is the full set of knobs threaded into pkg/trampoline.Deps and the
// helper paths in types.Paths. mapstructure tags let viper.Unmarshal decode
// both a config file and MULTIROM_-prefixed environment variables into it;
// the yaml tags (same field names as the teacher's Config/RunConfig) back
// DumpYAML, used by `multirom --dump-config` to show the layered result.
type Options struct {
	MultiromDir   string `mapstructure:"multirom-dir" yaml:"multirom-dir"`
	BusyboxPath   string `mapstructure:"busybox-path" yaml:"busybox-path"`
	KexecHelper   string `mapstructure:"kexec-helper" yaml:"kexec-helper"`
	DecryptHelper string `mapstructure:"decrypt-helper" yaml:"decrypt-helper"`
	BlkidHelper   string `mapstructure:"blkid-helper" yaml:"blkid-helper"`
	PrimaryBoot   string `mapstructure:"primary-boot-partition" yaml:"primary-boot-partition"`

	EnableADB         bool `mapstructure:"enable-adb" yaml:"enable-adb"`
	EncryptionBuiltIn bool `mapstructure:"encryption-built-in" yaml:"encryption-built-in"`
	UseMromFstab      bool `mapstructure:"use-mrom-fstab" yaml:"use-mrom-fstab"`

	DeviceTree bool `mapstructure:"device-tree" yaml:"device-tree"` // false selects legacy ATAGs
}

// DumpYAML renders the fully layered config (defaults + file + env + flags)
// for `--dump-config`, so a device maintainer can see what Load actually
// resolved without grepping environment variables by hand.
func (o Options) DumpYAML() ([]byte, error) {
	return yaml.Marshal(o)
}

// Defaults mirrors the original trampoline's compiled-in constants (no
// config file on a first boot) before any override is layered on top.
func Defaults() Options {
	return Options{
		BusyboxPath:   "busybox",
		KexecHelper:   "/kexec_hardboot",
		DecryptHelper: "decrypt",
		BlkidHelper:   "blkid",
		DeviceTree:    true,
	}
}

// Load layers, from highest to lowest precedence, bound flags, MULTIROM_*
// environment variables, an optional config file and the defaults (flags
// win), the same layering the teacher's cmd package applies via
// viper.BindPFlags before Unmarshal. A flag overrides an option only where
// its name matches the option's key.
func Load(flags *pflag.FlagSet, configPath string) (Options, error) {
	opts := Defaults()

	v := viper.New()
	v.SetEnvPrefix("MULTIROM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// Unmarshal only asks for keys viper already knows, so each option key
	// is bound to its environment variable explicitly.
	for _, key := range []string{"multirom-dir", "busybox-path", "kexec-helper", "decrypt-helper", "blkid-helper",
		"primary-boot-partition", "enable-adb", "encryption-built-in", "use-mrom-fstab", "device-tree"} {
		if err := v.BindEnv(key); err != nil {
			return opts, err
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return opts, err
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return opts, err
		}
	}

	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&opts, viper.DecodeHook(decodeHook)); err != nil {
		return opts, err
	}
	if opts.MultiromDir == "" {
		opts.MultiromDir = constants.RealDataMount + "/media/0/" + constants.MultiromDirName
	}
	return opts, nil
}
