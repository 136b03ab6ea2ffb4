package commands

import (
	"context"
	"io"

	"go.uber.org/zap"

	"mazos/internal/config"
	"mazos/internal/kernel"
	"mazos/internal/logging"
	"mazos/internal/platform/qemu"
	"mazos/internal/service/hello"
)

// getConfig returns the configuration loaded by the root command, or the
// built-in defaults when the command runs on its own.
func getConfig(ctx context.Context) (*config.Config, error) {
	if cfg := config.FromContext(ctx); cfg != nil {
		return cfg, nil
	}
	cfg, _, err := config.Load("", nil)
	return cfg, err
}

func newLogger(cfg *config.Config, w io.Writer) (*zap.Logger, error) {
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: w})
}

// system is a kernel with the hello service on a simulated machine.
type system struct {
	machine *qemu.Machine
	kernel  *kernel.Kernel
	service *hello.Service
}

// newSystem wires the machine, kernel and service. serial receives
// everything the kernel prints.
func newSystem(cfg *config.Config, serial io.Writer, log *zap.Logger) (*system, error) {
	mc := cfg.QEMU()
	mc.Serial = serial
	m, err := qemu.New(mc, log)
	if err != nil {
		return nil, err
	}

	svc := hello.New(log)
	k, err := kernel.New(cfg.KernelOptions(), m.Hardware(), svc, nil, log)
	if err != nil {
		return nil, err
	}
	svc.Attach(k)
	k.AddOutput(m.Serial.Write)
	return &system{machine: m, kernel: k, service: svc}, nil
}

func (s *system) handoff(cfg *config.Config) (kernel.Handoff, error) {
	return s.machine.Handoff(cfg.Machine.Multiboot, cfg.Machine.Cmdline)
}
