// Command aoed serves a disk image or block device as an AoE target, for
// winvblockd to mount.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wgwjifeng/winvblock/aoe"
	"github.com/wgwjifeng/winvblock/internal/config"
	"github.com/wgwjifeng/winvblock/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	iface     string
	disk      string
	major     uint16
	minor     uint8
	readOnly  bool
	advertise time.Duration
	logLevel  string
}

func newRootCmd() *cobra.Command {
	var o options

	cmd := &cobra.Command{
		Use:          "aoed",
		Short:        "Serve a disk as an ATA over Ethernet target",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.iface, "interface", "i", "eth0", "network interface")
	f.StringVarP(&o.disk, "disk", "d", "", "disk image or block device to serve")
	f.Uint16Var(&o.major, "major", 0x000f, "shelf address")
	f.Uint8Var(&o.minor, "minor", 0x01, "slot address")
	f.BoolVar(&o.readOnly, "read-only", false, "abort writes")
	f.DurationVar(&o.advertise, "advertise", 60*time.Second, "interval between unsolicited config broadcasts, 0 to disable")
	f.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	_ = cmd.MarkFlagRequired("disk")

	return cmd
}

func run(ctx context.Context, o options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logging.New(config.LoggingConfig{Level: o.logLevel}, "dev")

	ifi, err := net.InterfaceByName(o.iface)
	if err != nil {
		return err
	}

	d, err := openDisk(o.disk, o.readOnly)
	if err != nil {
		return err
	}
	defer d.Close()

	var disk io.ReaderAt = d
	if o.readOnly {
		disk = roDisk{r: d}
	}

	p, err := aoe.Listen(ifi)
	if err != nil {
		return err
	}

	t := &aoe.Target{
		Addr:              ifi.HardwareAddr,
		Major:             o.major,
		Minor:             o.minor,
		BufferCount:       0x10,
		FirmwareVersion:   0x0001,
		SectorCount:       16,
		AdvertiseInterval: o.advertise,
		Disk:              disk,
		Size:              d.size,
		Log:               log,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("serving ATA over Ethernet device", "disk", o.disk, "interface", o.iface,
		"major", o.major, "minor", o.minor, "size", d.size)
	return t.Serve(ctx, p)
}
