package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mazos/internal/kernel"
	"mazos/internal/logging"
	"mazos/internal/monitor"
	"mazos/internal/platform/qemu"
)

// metricsNamespace prefixes every metric the monitor exports.
const metricsNamespace = "mazos"

// NewBootCommand creates the boot command.
func NewBootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot the kernel and run the service",
		Long: `Boot the kernel on a simulated PC and run the hello service.

Kernel logs and service output share the serial console, which is written to
standard output. The kernel runs until the service shuts it down, --run-for
expires, or the process is interrupted.`,
		Example: `  # Boot and stop after three uptime reports
  mazos boot --cmdline "hello.elf --interval=500ms --ticks=3"

  # Boot with 512 MiB and the monitor on :8080
  mazos boot --memory 512 --monitor-addr :8080

  # Boot without multiboot information, using CMOS for memory size
  mazos boot --multiboot=false --run-for 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBoot(cmd)
		},
	}

	def := qemu.DefaultConfig()
	cmd.Flags().Uint32("memory", def.MemoryMiB, "Machine memory in MiB")
	cmd.Flags().Float64("cpu-mhz", float64(def.CPUMHz), "Nominal CPU frequency in MHz")
	cmd.Flags().Bool("multiboot", true, "Boot through a multiboot loader")
	cmd.Flags().String("cmdline", "", "Kernel command line (default: the service binary name)")
	cmd.Flags().String("monitor-addr", "", "Serve the HTTP monitor on this address")
	cmd.Flags().Duration("run-for", 0, "Shut down after this long (0 runs until interrupted)")
	cmd.Flags().Uint32("max-mem", kernel.DefaultLayout.MaxMemMiB, "Memory cap in MiB")

	return cmd
}

func runBoot(cmd *cobra.Command) error {
	cfg, err := getConfig(cmd.Context())
	if err != nil {
		return err
	}

	// The logger exists before the kernel; its output joins the serial
	// console once the kernel is up.
	var console logging.Deferred
	log, err := newLogger(cfg, &console)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sys, err := newSystem(cfg, cmd.OutOrStdout(), log)
	if err != nil {
		return err
	}
	k := sys.kernel
	if err := console.Bind(k.Stdout()); err != nil {
		return err
	}

	h, err := sys.handoff(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.RunFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunFor)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	monCtx, stopMonitor := context.WithCancel(gctx)
	defer stopMonitor()
	halted := make(chan struct{})

	g.Go(func() error {
		defer close(halted)
		defer stopMonitor()
		err := k.Start(h)
		if errors.Is(err, kernel.ErrShutdownBeforeReady) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		select {
		case <-halted:
		case <-gctx.Done():
			k.Shutdown()
		}
		return nil
	})

	if cfg.Monitor.Addr != "" {
		srv, err := monitor.NewServer(k, metricsNamespace, log.Named("monitor"))
		if err != nil {
			k.Shutdown()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			return srv.Run(monCtx, cfg.Monitor.Addr)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	log.Info("Powered off", zap.Duration("uptime", k.Uptime()))
	return nil
}
