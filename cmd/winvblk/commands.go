package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wgwjifeng/winvblock/control"
	"github.com/wgwjifeng/winvblock/internal/config"
	"github.com/wgwjifeng/winvblock/ioctl"
)

// maxRows is how many targets or disks are printed.
const maxRows = 10

type app struct {
	out     io.Writer
	socket  string
	format  string
	timeout time.Duration
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	cmd := &cobra.Command{
		Use:   "winvblk",
		Short: "Control the winvblock driver",
		Long: `winvblk sends control requests to winvblockd.

Commands:
  scan      list AoE targets reachable from winvblockd
  show      list mounted AoE disks
  mount     mount an AoE target: winvblk mount --mac 00:11:22:33:44:55 -u aoe:e1.0
  umount    unmount an AoE disk: winvblk umount -d 1
  attach    attach a disk image: winvblk attach -u disk.img -m h
  detach    detach a disk image: winvblk detach -d 0`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Help()
			return errors.New("no command given")
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.socket, "socket", config.DefaultSocket, "winvblockd control socket")
	pf.StringVarP(&a.format, "output", "o", "table", "output format of scan and show: table or yaml")
	pf.DurationVar(&a.timeout, "timeout", 30*time.Second, "how long to wait for winvblockd")

	cmd.AddCommand(
		a.scanCmd(),
		a.showCmd(),
		a.mountCmd(),
		a.umountCmd(),
		a.attachCmd(),
		a.detachCmd(),
	)
	return cmd
}

// call sends code to device and returns the output.  Failures are
// requestErrors.
func (a *app) call(ctx context.Context, device, code uint32, input []byte, outputLength int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	c, err := control.Dial(ctx, a.socket)
	if err != nil {
		return nil, &requestError{err: err}
	}
	defer c.Close()

	out, err := c.Call(ctx, device, code, input, outputLength)
	if err != nil {
		return nil, &requestError{err: fmt.Errorf("%s: %w", ioctl.Name(code), err)}
	}
	return out, nil
}

func (a *app) scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List AoE targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := a.call(cmd.Context(), control.Root, ioctl.AoEScan, nil, ioctl.ScanCapacity)
			if err != nil {
				return err
			}
			total, ts, err := ioctl.DecodeTargets(out)
			if err != nil {
				return &requestError{err: err}
			}
			if total == 0 {
				fmt.Fprintln(a.out, "No AoE targets found.")
				return nil
			}
			return a.print(targetRows(ts))
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "List mounted AoE disks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := a.call(cmd.Context(), control.Root, ioctl.AoEShow, nil, ioctl.ShowCapacity)
			if err != nil {
				return err
			}
			total, ds, err := ioctl.DecodeMountedDisks(out)
			if err != nil {
				return &requestError{err: err}
			}
			if total == 0 {
				fmt.Fprintln(a.out, "No AoE disks mounted.")
				return nil
			}
			return a.print(diskRows(ds))
		},
	}
}

// parseURI parses an AoE target address of the form aoe:eMAJOR.MINOR.
func parseURI(s string) (uint16, uint8, error) {
	rest, ok := strings.CutPrefix(strings.ToLower(s), "aoe:e")
	if !ok {
		return 0, 0, fmt.Errorf("target %q: want aoe:eMAJOR.MINOR", s)
	}
	majStr, minStr, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, 0, fmt.Errorf("target %q: want aoe:eMAJOR.MINOR", s)
	}

	major, err := strconv.ParseUint(majStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("target %q: bad major: %w", s, err)
	}
	minor, err := strconv.ParseUint(minStr, 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("target %q: bad minor: %w", s, err)
	}
	return uint16(major), uint8(minor), nil
}

func (a *app) mountCmd() *cobra.Command {
	var mac, uri string

	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Mount an AoE target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			server, err := net.ParseMAC(mac)
			if err != nil {
				return err
			}
			major, minor, err := parseURI(uri)
			if err != nil {
				return err
			}
			in, err := (&ioctl.Mount{Server: server, Major: major, Minor: minor}).MarshalBinary()
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "mounting e%d.%d from %s\n", major, minor, server)
			out, err := a.call(cmd.Context(), control.Root, ioctl.AoEMount, in, 4)
			if err != nil {
				return err
			}
			return a.printDisk("mounted as disk", out)
		},
	}
	cmd.Flags().StringVar(&mac, "mac", "", "MAC address of the AoE server")
	cmd.Flags().StringVarP(&uri, "uri", "u", "", "target address, aoe:eMAJOR.MINOR")
	_ = cmd.MarkFlagRequired("mac")
	_ = cmd.MarkFlagRequired("uri")
	return cmd
}

func (a *app) printDisk(prefix string, out []byte) error {
	var n ioctl.DiskNumber
	if err := n.UnmarshalBinary(out); err != nil {
		return &requestError{err: err}
	}
	fmt.Fprintf(a.out, "%s %d\n", prefix, n)
	return nil
}

func (a *app) removeCmd(use, short, verb string, code uint32) *cobra.Command {
	var disk uint32

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, _ := ioctl.DiskNumber(disk).MarshalBinary()
			fmt.Fprintf(a.out, "%s %d\n", verb, disk)
			_, err := a.call(cmd.Context(), control.Root, code, in, 0)
			return err
		},
	}
	cmd.Flags().Uint32VarP(&disk, "disk", "d", 0, "disk number")
	_ = cmd.MarkFlagRequired("disk")
	return cmd
}

func (a *app) umountCmd() *cobra.Command {
	return a.removeCmd("umount", "Unmount an AoE disk", "unmounting disk", ioctl.AoEUmount)
}

func (a *app) detachCmd() *cobra.Command {
	return a.removeCmd("detach", "Detach a disk image", "Detaching file-backed disk", ioctl.FileDetach)
}

func (a *app) attachCmd() *cobra.Command {
	var (
		path                      string
		media                     string
		cylinders, heads, sectors uint32
	)

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach a disk image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := ioctl.ParseMedia(media)
			if err != nil {
				return err
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			in, err := (&ioctl.Attach{
				Media:     m,
				Cylinders: cylinders,
				Heads:     heads,
				Sectors:   sectors,
				Path:      abs,
			}).MarshalBinary()
			if err != nil {
				return err
			}

			out, err := a.call(cmd.Context(), control.Root, ioctl.FileAttach, in, 4)
			if err != nil {
				return err
			}
			return a.printDisk("attached file-backed disk", out)
		},
	}

	f := cmd.Flags()
	// -h is heads here.
	f.Bool("help", false, "help for attach")
	f.StringVarP(&path, "uri", "u", "", "path of the disk image, as seen by winvblockd")
	f.StringVarP(&media, "media", "m", "h", "media type: c (optical), f (floppy) or h (hard disk)")
	f.Uint32VarP(&cylinders, "cylinders", "c", 0, "cylinders, derived from the image size when 0")
	f.Uint32VarP(&heads, "heads", "h", 0, "heads, by media type when 0")
	f.Uint32VarP(&sectors, "sectors", "s", 0, "sectors per track, by media type when 0")
	_ = cmd.MarkFlagRequired("uri")
	return cmd
}
