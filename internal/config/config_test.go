package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, "images", cfg.SourceDir)
	require.Equal(t, "device-tree.dtb", cfg.DTB)
	require.Equal(t, "fw_jump.bin", cfg.Firmware)
	require.Equal(t, "Image", cfg.Kernel)
	require.Equal(t, int64(409600), cfg.MinFilesystemBlocks)
	require.Equal(t, uint(10), cfg.PollAttempts)
	require.Equal(t, time.Second, cfg.PollInterval)
	require.Equal(t, "/dev/mapper", cfg.MapperDir)
	require.False(t, cfg.Wipe)
}

func TestLayering(t *testing.T) {
	isolate(t)
	fn := filepath.Join(t.TempDir(), "rvb.yaml")
	require.NoError(t, os.WriteFile(fn, []byte(`
source: /srv/build
dtb: hifive-unmatched-a00.dtb
poll_attempts: 3
poll_interval: 250ms
`), 0644))
	t.Setenv("RVB_DTB", "from-env.dtb")
	t.Setenv("RVB_TARGET", "/tmp/out/board.img")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterPflags(flags)
	RegisterWritePflags(flags)
	require.NoError(t, flags.Parse([]string{"--poll_attempts=5", "--wipe"}))

	cfg, err := Load(fn, flags)
	require.NoError(t, err)
	require.Equal(t, "/srv/build", cfg.SourceDir)
	require.Equal(t, "from-env.dtb", cfg.DTB)
	require.Equal(t, uint(5), cfg.PollAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	require.True(t, cfg.Wipe)
	require.Equal(t, "/tmp/out/board.img", cfg.Target)
	require.Equal(t, "board.img", cfg.Seed)
	require.Equal(t, "/srv/build/hifive-unmatched-a00.dtb", (&Struct{SourceDir: "/srv/build"}).PayloadPath("hifive-unmatched-a00.dtb"))
}

func TestUnsetFlagsDoNotOverride(t *testing.T) {
	isolate(t)
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterPflags(flags)
	RegisterWritePflags(flags)
	require.NoError(t, flags.Parse(nil))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	require.Equal(t, "images", cfg.SourceDir)
	require.Equal(t, uint(10), cfg.PollAttempts)
}

func TestMissingExplicitConfig(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Struct {
		return Struct{
			DTB:                 "a.dtb",
			Firmware:            "fw.bin",
			Kernel:              "Image",
			MinFilesystemBlocks: 1,
			PollAttempts:        1,
		}
	}
	s := valid()
	require.NoError(t, s.Validate())

	s = valid()
	s.PollAttempts = 0
	require.Error(t, s.Validate())

	s = valid()
	s.PollInterval = -time.Second
	require.Error(t, s.Validate())

	s = valid()
	s.MinFilesystemBlocks = 0
	require.Error(t, s.Validate())

	s = valid()
	s.Kernel = ""
	require.ErrorContains(t, s.Validate(), "kernel")
}
