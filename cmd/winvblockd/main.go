// Command winvblockd presents AoE targets and disk images as winvblock disks
// and serves the control channel winvblk talks to.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wgwjifeng/winvblock/aoe"
	"github.com/wgwjifeng/winvblock/bus"
	"github.com/wgwjifeng/winvblock/control"
	"github.com/wgwjifeng/winvblock/driver"
	"github.com/wgwjifeng/winvblock/internal/config"
	"github.com/wgwjifeng/winvblock/internal/logging"
	"github.com/wgwjifeng/winvblock/internal/metrics"
)

// Set via ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "winvblockd",
		Short: "Serve AoE and file-backed virtual disks",
		Long: `winvblockd starts the winvblock driver: it attaches the disks listed in the
configuration, mounts AoE targets on request and serves the control socket
used by winvblk.

Environment variables prefixed with WINVBLOCK_ override the configuration file,
for example WINVBLOCK_AOE_INTERFACE=eth0.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to the YAML configuration file")

	return cmd
}

func run(ctx context.Context, configFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging, version)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		protocol  bus.Protocol
		protocols []driver.Protocol
	)
	if cfg.AoE.Interface != "" {
		c, err := newAoEClient(cfg.AoE, log)
		if err != nil {
			return err
		}
		protocol = c
		protocols = append(protocols, c)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	b := bus.New(bus.Options{
		Protocol: protocol,
		Probe:    cfg.Probe,
		Log:      log,
	})
	drv := driver.New(driver.Options{
		Bus:       b,
		Protocols: protocols,
		Prober:    b,
		Notifier:  m,
		Check:     func() error { return config.Validate(cfg) },
		Metrics:   m,
		Logger:    log,
	})
	if err := drv.Start(ctx); err != nil {
		drv.Stop()
		return err
	}
	defer drv.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return control.NewServer(drv, b, log).ListenAndServe(gctx, cfg.Control.Socket)
	})

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metrics.NewRouter(reg, drv),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	log.Info("winvblockd running", "socket", cfg.Control.Socket, "aoe", cfg.AoE.Interface, "disks", len(b.Disks()))
	err = g.Wait()

	log.Info("winvblockd stopping", "reason", context.Cause(ctx))
	return err
}

func newAoEClient(cfg config.AoEConfig, log *logging.Logger) (*aoe.Client, error) {
	ifi, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("aoe: %w", err)
	}
	if len(ifi.HardwareAddr) != 6 {
		return nil, fmt.Errorf("aoe: interface %q has no Ethernet address", ifi.Name)
	}

	p, err := aoe.Listen(ifi)
	if err != nil {
		return nil, fmt.Errorf("aoe: listen on %q: %w", ifi.Name, err)
	}

	log.Info("AoE initiator listening", "interface", ifi.Name, "mac", ifi.HardwareAddr.String())
	return aoe.NewClient(p, ifi.HardwareAddr, aoe.ClientOptions{
		DiscoverTimeout: cfg.DiscoverTimeout,
		RequestTimeout:  cfg.RequestTimeout,
		Retries:         cfg.Retries,
		MTU:             ifi.MTU,
		Log:             log,
	}), nil
}
