// Binary rvb writes bootable storage media for RISC-V boards: it partitions
// an SD card or image file and places the device tree, the OpenSBI firmware
// and the kernel on it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rvboot/tools/internal/rvb"
	"github.com/sirupsen/logrus"
)

func main() {
	ctx, canc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rvb.RootCmd().ExecuteContext(ctx)
	canc()
	if err != nil {
		logrus.Fatal(err)
	}
}
