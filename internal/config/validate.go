package config

import (
	"errors"
	"fmt"

	"go.uber.org/zap/zapcore"
)

var ErrInvalid = errors.New("config: invalid")

// Validate checks values that would otherwise only fail deep inside boot.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if c.Machine.MemoryMiB < 2 {
		errs = append(errs, fmt.Errorf("machine.memory_mib must be at least 2, got %d", c.Machine.MemoryMiB))
	}
	if c.Machine.CPUMHz <= 0 {
		errs = append(errs, fmt.Errorf("machine.cpu_mhz must be positive, got %g", c.Machine.CPUMHz))
	}
	if c.RunFor < 0 {
		errs = append(errs, fmt.Errorf("run_for must not be negative, got %s", c.RunFor))
	}

	l := c.Layout
	if l.LoadStart > l.End {
		errs = append(errs, fmt.Errorf("layout: load_start 0x%x after end 0x%x", l.LoadStart, l.End))
	}
	if l.HeapBegin <= l.End {
		errs = append(errs, fmt.Errorf("layout: heap_begin 0x%x inside the image ending at 0x%x", l.HeapBegin, l.End))
	}
	if l.StatmanStart > l.StatmanEnd {
		errs = append(errs, fmt.Errorf("layout: statman_start 0x%x after statman_end 0x%x", l.StatmanStart, l.StatmanEnd))
	}
	if l.StackBottom > l.StackTop {
		errs = append(errs, fmt.Errorf("layout: stack_bottom 0x%x after stack_top 0x%x", l.StackBottom, l.StackTop))
	}
	if l.MaxMemMiB < 2 {
		errs = append(errs, fmt.Errorf("layout.max_mem_mib must be at least 2, got %d", l.MaxMemMiB))
	}
	if c.Kernel.CalibrationSamples < 0 {
		errs = append(errs, fmt.Errorf("kernel.calibration_samples must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
