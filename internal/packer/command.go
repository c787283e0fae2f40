package packer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Runner runs external programs such as losetup(8), kpartx(8) and
// mkfs.ext4(8).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")
	logrus.WithField("cmd", cmdline).Debug("running")
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %v: %s", cmdline, err, msg)
		}
		return nil, fmt.Errorf("%s: %v", cmdline, err)
	}
	return stdout.Bytes(), nil
}
