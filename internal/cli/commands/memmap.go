package commands

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"mazos/internal/kernel"
	"mazos/internal/memmap"
)

// MemmapOptions holds options for the memmap command.
type MemmapOptions struct {
	PNG   string
	Width int
}

// NewMemmapCommand creates the memmap command.
func NewMemmapCommand() *cobra.Command {
	opts := &MemmapOptions{}

	cmd := &cobra.Command{
		Use:   "memmap",
		Short: "Print the memory map the kernel would build",
		Long: `Run the memory planning stages of the boot sequence and print the
resulting address ranges. The service is not started.`,
		Example: `  # Memory map for a 512 MiB machine
  mazos memmap --memory 512

  # Draw it
  mazos memmap --png memmap.png --width 1024`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMemmap(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.PNG, "png", "", "Write the map as a PNG image to this file")
	cmd.Flags().IntVar(&opts.Width, "width", 800, "PNG width in pixels")
	cmd.Flags().Uint32("memory", 128, "Machine memory in MiB")
	cmd.Flags().Bool("multiboot", true, "Boot through a multiboot loader")
	cmd.Flags().Uint32("max-mem", kernel.DefaultLayout.MaxMemMiB, "Memory cap in MiB")

	return cmd
}

func runMemmap(cmd *cobra.Command, opts *MemmapOptions) error {
	cfg, err := getConfig(cmd.Context())
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sys, err := newSystem(cfg, nil, log)
	if err != nil {
		return err
	}
	h, err := sys.handoff(cfg)
	if err != nil {
		return err
	}
	if err := sys.kernel.PlanMemory(h); err != nil {
		return err
	}
	ranges := slices.Collect(sys.kernel.MemoryMap().All())

	if opts.PNG == "" {
		memmap.WriteTable(cmd.OutOrStdout(), ranges)
		return nil
	}

	f, err := os.Create(opts.PNG)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", opts.PNG, err)
	}
	if err := memmap.RenderPNG(f, ranges, opts.Width); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d ranges to %s\n", len(ranges), opts.PNG)
	return nil
}
