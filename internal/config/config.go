// Package config reads the rvb configuration. Values are layered: built-in
// defaults, then rvb.yaml (current directory or ~/.config/rvb), then RVB_*
// environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rvboot/tools/packer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys, also used as flag names.
const (
	KeyTarget              = "target"
	KeySource              = "source"
	KeyDTB                 = "dtb"
	KeyFirmware            = "firmware"
	KeyKernel              = "kernel"
	KeyWipe                = "wipe"
	KeyYes                 = "yes"
	KeyMinFilesystemBlocks = "min_filesystem_blocks"
	KeyPollAttempts        = "poll_attempts"
	KeyPollInterval        = "poll_interval"
	KeyLabel               = "label"
	KeySeed                = "seed"
	KeyMapperDir           = "mapper_dir"
)

type Struct struct {
	Target string `mapstructure:"target"` // block device or image file

	SourceDir string `mapstructure:"source"`
	DTB       string `mapstructure:"dtb"`
	Firmware  string `mapstructure:"firmware"`
	Kernel    string `mapstructure:"kernel"`

	Wipe bool `mapstructure:"wipe"` // overwrite the entire target with zeros first
	Yes  bool `mapstructure:"yes"`  // skip the confirmation prompt

	MinFilesystemBlocks int64 `mapstructure:"min_filesystem_blocks"`

	// PollAttempts and PollInterval bound the wait for partition device
	// nodes after the partition table was re-read.
	PollAttempts uint          `mapstructure:"poll_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	Label     string `mapstructure:"label"`      // file system label
	Seed      string `mapstructure:"seed"`       // GPT GUID seed, defaults to the target base name
	MapperDir string `mapstructure:"mapper_dir"` // where kpartx creates partition nodes
}

func setDefaults(v *viper.Viper) {
	// Keys without a meaningful default are still registered so that
	// Unmarshal picks up their RVB_* environment variables.
	v.SetDefault(KeyTarget, "")
	v.SetDefault(KeyWipe, false)
	v.SetDefault(KeyYes, false)
	v.SetDefault(KeySeed, "")
	v.SetDefault(KeySource, "images")
	v.SetDefault(KeyDTB, "device-tree.dtb")
	v.SetDefault(KeyFirmware, "fw_jump.bin")
	v.SetDefault(KeyKernel, "Image")
	v.SetDefault(KeyMinFilesystemBlocks, packer.DefaultMinFilesystemBlocks)
	v.SetDefault(KeyPollAttempts, 10)
	v.SetDefault(KeyPollInterval, time.Second)
	v.SetDefault(KeyLabel, "rootfs")
	v.SetDefault(KeyMapperDir, "/dev/mapper")
}

// RegisterPflags declares the flags which override configuration values.
// Only flags explicitly set on the command line take precedence.
func RegisterPflags(fs *pflag.FlagSet) {
	fs.String(KeySource, "", "directory containing the device tree, firmware and kernel images (default images)")
	fs.String(KeyDTB, "", "file name of the device tree blob within --source (default device-tree.dtb)")
	fs.String(KeyFirmware, "", "file name of the OpenSBI firmware image within --source (default fw_jump.bin)")
	fs.String(KeyKernel, "", "file name of the kernel image within --source (default Image)")
}

// RegisterWritePflags declares the flags only relevant to writing a target.
func RegisterWritePflags(fs *pflag.FlagSet) {
	fs.String(KeyTarget, "", "block device (e.g. /dev/sdx) or image file (e.g. /tmp/board.img) to write")
	fs.Bool(KeyWipe, false, "overwrite the entire target with zeros before partitioning")
	fs.BoolP(KeyYes, "y", false, "do not ask for confirmation before overwriting the target")
	fs.Int64(KeyMinFilesystemBlocks, 0, "size of the file system partition in 512-byte blocks when creating an image file (default 409600)")
	fs.Uint(KeyPollAttempts, 0, "how often to check for partition device nodes (default 10)")
	fs.Duration(KeyPollInterval, 0, "delay between checks for partition device nodes (default 1s)")
	fs.String(KeyLabel, "", "label of the ext4 file system (default rootfs)")
	fs.String(KeySeed, "", "seed for deriving GPT GUIDs (default: base name of --target)")
}

// Load builds the configuration. configFile may be empty, in which case
// rvb.yaml is searched in the usual places and silently skipped if absent.
func Load(configFile string, flags *pflag.FlagSet) (*Struct, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("rvb")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("rvb")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "rvb"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		logrus.Debugf("reading rvb config from %s", v.ConfigFileUsed())
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if !f.Changed || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	var cfg Struct
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Seed == "" && cfg.Target != "" {
		cfg.Seed = filepath.Base(cfg.Target)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Struct) Validate() error {
	if s.PollAttempts == 0 {
		return fmt.Errorf("%s must be at least 1", KeyPollAttempts)
	}
	if s.PollInterval < 0 {
		return fmt.Errorf("%s must not be negative, got %v", KeyPollInterval, s.PollInterval)
	}
	if s.MinFilesystemBlocks < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeyMinFilesystemBlocks, s.MinFilesystemBlocks)
	}
	for key, name := range map[string]string{
		KeyDTB:      s.DTB,
		KeyFirmware: s.Firmware,
		KeyKernel:   s.Kernel,
	} {
		if name == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
	}
	return nil
}

// PayloadPath returns the path of the named file within the source directory.
func (s *Struct) PayloadPath(name string) string {
	return filepath.Join(s.SourceDir, name)
}
