package packer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moby/sys/mountinfo"
	"github.com/rvboot/tools/internal/config"
	"github.com/rvboot/tools/packer"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeRunner pretends to be losetup, kpartx and the e2fsprogs. kpartx -av
// creates the partition nodes as regular files in mapperDir.
type fakeRunner struct {
	mapperDir   string
	createNodes bool
	fail        string // program name which fails

	mu    sync.Mutex
	calls [][]string
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()
	if name == r.fail {
		return nil, fmt.Errorf("%s: exit status 1", name)
	}
	switch name {
	case "losetup":
		if args[0] == "--find" {
			return []byte("/dev/loop7\n"), nil
		}
	case "kpartx":
		if args[0] == "-av" && r.createNodes {
			for n := 1; n <= 4; n++ {
				fn := filepath.Join(r.mapperDir, fmt.Sprintf("loop7p%d", n))
				if err := os.WriteFile(fn, nil, 0644); err != nil {
					return nil, err
				}
			}
		}
	}
	return nil, nil
}

// programs returns the invoked programs with their first argument.
func (r *fakeRunner) programs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []string
	for _, c := range r.calls {
		result = append(result, c[0]+" "+c[1])
	}
	return result
}

type fakeMounter struct {
	mounted map[string]string
	failed  bool
	mounts  []*mountinfo.Info // of other file systems
}

func (m *fakeMounter) Mount(source, target, fstype string) error {
	if m.failed {
		return errors.New("mount: wrong fs type")
	}
	if m.mounted == nil {
		m.mounted = make(map[string]string)
	}
	m.mounted[target] = source
	return nil
}

func (m *fakeMounter) Unmount(target string) error {
	if _, ok := m.mounted[target]; !ok {
		return fmt.Errorf("%s not mounted", target)
	}
	delete(m.mounted, target)
	return nil
}

func (m *fakeMounter) Mounted(path string) (bool, error) {
	_, ok := m.mounted[path]
	return ok, nil
}

func (m *fakeMounter) Mounts(filter mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
	var result []*mountinfo.Info
	for _, info := range m.mounts {
		if skip, _ := filter(info); !skip {
			result = append(result, info)
		}
	}
	return result, nil
}

var payloadContents = map[string][]byte{
	"device-tree.dtb": bytes.Repeat([]byte{0xd0}, 700),
	"fw_jump.bin":     bytes.Repeat([]byte{0x5b}, 51200),
	"Image":           bytes.Repeat([]byte{0x4b}, 4096*1024+3),
}

type fixture struct {
	pack    *Pack
	runner  *fakeRunner
	mounter *fakeMounter
	stdout  *bytes.Buffer
	dir     string // contains the target
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, b := range payloadContents {
		require.NoError(t, afero.WriteFile(fs, filepath.Join("/src", name), b, 0644))
	}
	dir := t.TempDir()
	mapperDir := t.TempDir()
	runner := &fakeRunner{mapperDir: mapperDir, createNodes: true}
	mounter := &fakeMounter{}
	var stdout bytes.Buffer
	cfg := &config.Struct{
		Target:              filepath.Join(dir, "board.img"),
		SourceDir:           "/src",
		DTB:                 "device-tree.dtb",
		Firmware:            "fw_jump.bin",
		Kernel:              "Image",
		MinFilesystemBlocks: 2048,
		PollAttempts:        3,
		PollInterval:        time.Millisecond,
		Label:               "rootfs",
		Seed:                "board.img",
		MapperDir:           mapperDir,
	}
	return &fixture{
		pack: &Pack{
			Cfg:     cfg,
			Fs:      fs,
			Devices: kernelBlockDevices{},
			Runner:  runner,
			Mounter: mounter,
			Stdin:   strings.NewReader(""),
			Stdout:  &stdout,
		},
		runner:  runner,
		mounter: mounter,
		stdout:  &stdout,
		dir:     dir,
	}
}

// requireOnlyTarget asserts that no temporary files are left next to the
// target, and whether the target itself exists.
func (f *fixture) requireOnlyTarget(t *testing.T, exists bool) {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if exists {
		require.Equal(t, []string{"board.img"}, names)
	} else {
		require.Empty(t, names)
	}
}

func TestWriteImage(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pack.Run(context.Background()))

	plan, err := packer.ComputeLayout(2, 100, 8193)
	require.NoError(t, err)

	b, err := os.ReadFile(f.pack.Cfg.Target)
	require.NoError(t, err)
	require.Equal(t, plan.ImageSectors(2048)*packer.BlockSize, int64(len(b)))

	for name, payload := range map[string]string{
		packer.PayloadDeviceTree: "device-tree.dtb",
		packer.PayloadFirmware:   "fw_jump.bin",
		packer.PayloadKernel:     "Image",
	} {
		spec, ok := plan.Payload(name)
		require.True(t, ok)
		want := payloadContents[payload]
		off := spec.Start * packer.BlockSize
		require.Equal(t, want, b[off:off+int64(len(want))], "%s at sector %d", name, spec.Start)
	}

	require.Equal(t, []string{
		"losetup --find",
		"kpartx -av",
		"mkfs.ext4 -F",
		"e2fsck -f",
		"kpartx -d",
		"losetup --detach",
	}, f.runner.programs())
	mkfs := f.runner.calls[2]
	require.Contains(t, mkfs, "lazy_itable_init=0,lazy_journal_init=0")
	require.Equal(t, filepath.Join(f.pack.Cfg.MapperDir, "loop7p4"), mkfs[len(mkfs)-1])

	require.Empty(t, f.mounter.mounted, "file system left mounted")
	f.requireOnlyTarget(t, true)

	out := f.stdout.String()
	for _, name := range []string{"fdt", "opensbi", "kernel", "filesystem", "OpenSBI firmware"} {
		require.Contains(t, out, name)
	}
}

func TestWriteImageDeterministic(t *testing.T) {
	read := func() []byte {
		f := newFixture(t)
		require.NoError(t, f.pack.Run(context.Background()))
		b, err := os.ReadFile(f.pack.Cfg.Target)
		require.NoError(t, err)
		return b
	}
	require.True(t, bytes.Equal(read(), read()))
}

func TestWriteImageTimeout(t *testing.T) {
	f := newFixture(t)
	f.runner.createNodes = false
	f.pack.Cfg.PollAttempts = 2

	err := f.pack.Run(context.Background())
	require.ErrorIs(t, err, ErrDeviceEnumerationTimeout)
	require.Equal(t, []string{
		"losetup --find",
		"kpartx -av",
		"kpartx -d",
		"losetup --detach",
	}, f.runner.programs())
	f.requireOnlyTarget(t, false)
}

func TestWriteImageMkfsFails(t *testing.T) {
	f := newFixture(t)
	f.runner.fail = "mkfs.ext4"

	err := f.pack.Run(context.Background())
	require.ErrorContains(t, err, "mkfs.ext4")
	require.Equal(t, []string{
		"losetup --find",
		"kpartx -av",
		"mkfs.ext4 -F",
		"kpartx -d",
		"losetup --detach",
	}, f.runner.programs())
	f.requireOnlyTarget(t, false)
}

func TestWriteImageMountFails(t *testing.T) {
	f := newFixture(t)
	f.mounter.failed = true

	err := f.pack.Run(context.Background())
	require.ErrorContains(t, err, "wrong fs type")
	require.Contains(t, f.runner.programs(), "losetup --detach")
	f.requireOnlyTarget(t, false)
}

func TestWriteImageDeclined(t *testing.T) {
	f := newFixture(t)
	old := []byte("previous image")
	require.NoError(t, os.WriteFile(f.pack.Cfg.Target, old, 0644))
	f.pack.Stdin = strings.NewReader("n\n")

	err := f.pack.Run(context.Background())
	require.ErrorIs(t, err, ErrUserAborted)
	require.Empty(t, f.runner.calls)
	b, err := os.ReadFile(f.pack.Cfg.Target)
	require.NoError(t, err)
	require.Equal(t, old, b)
}

func TestWriteImageConfirmed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.pack.Cfg.Target, []byte("previous image"), 0644))
	f.pack.Stdin = strings.NewReader("yes\n")

	require.NoError(t, f.pack.Run(context.Background()))
	require.Contains(t, f.stdout.String(), "All data on image")
	f.requireOnlyTarget(t, true)
}

func TestWriteMissingPayload(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pack.Fs.Remove("/src/Image"))

	err := f.pack.Run(context.Background())
	require.ErrorIs(t, err, ErrMissingInput)
	require.ErrorContains(t, err, "build the images first")
	require.Empty(t, f.runner.calls)
	f.requireOnlyTarget(t, false)
}

func TestWriteMissingTarget(t *testing.T) {
	f := newFixture(t)
	f.pack.Cfg.Target = ""
	require.ErrorIs(t, f.pack.Run(context.Background()), ErrMissingInput)
}

func TestIsDevice(t *testing.T) {
	_, err := isDevice("/dev/rvb-test-does-not-exist")
	require.ErrorIs(t, err, ErrMissingInput)

	_, err = isDevice(t.TempDir())
	require.Error(t, err)

	device, err := isDevice(filepath.Join(t.TempDir(), "new.img"))
	require.NoError(t, err)
	require.False(t, device)

	fn := filepath.Join(t.TempDir(), "old.img")
	require.NoError(t, os.WriteFile(fn, nil, 0644))
	device, err = isDevice(fn)
	require.NoError(t, err)
	require.False(t, device)
}

func TestWriteImageWipe(t *testing.T) {
	f := newFixture(t)
	f.pack.Cfg.Wipe = true
	require.NoError(t, f.pack.Run(context.Background()))
	require.Contains(t, f.stdout.String(), "wiping ")

	b, err := os.ReadFile(f.pack.Cfg.Target)
	require.NoError(t, err)
	plan, err := packer.ComputeLayout(2, 100, 8193)
	require.NoError(t, err)
	spec, _ := plan.Payload(packer.PayloadKernel)
	off := spec.Start * packer.BlockSize
	require.Equal(t, payloadContents["Image"], b[off:off+int64(len(payloadContents["Image"]))])
}
