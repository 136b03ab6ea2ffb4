// Package hello is the demo service linked into the image. It greets on
// the kernel console, then reports uptime from a periodic timer.
package hello

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"mazos/internal/kernel"
	"mazos/internal/timers"
)

const (
	binaryName = "hello.elf"

	// reportBufSize is the heap block holding the report line.
	reportBufSize = 4096
)

// Service implements kernel.Service.
type Service struct {
	log *zap.Logger

	mu       sync.Mutex
	k        *kernel.Kernel
	greeting string
	interval time.Duration
	ticks    int
	count    int
	timer    timers.ID
	ready    bool
	buf      uintptr
}

// New returns the service. Attach must be called with the kernel before it
// is started.
func New(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		log:      log.Named("hello"),
		greeting: "Hello, world!",
		interval: time.Second,
	}
}

// Attach gives the service its kernel.
func (s *Service) Attach(k *kernel.Kernel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.k = k
}

func (s *Service) BinaryName() string { return binaryName }

func (s *Service) Name() string { return "Hello service" }

// Ready is called from the first timer interrupt.
func (s *Service) Ready() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
}

// parseArgs reads the service flags from the kernel command line. The first
// word is the binary name.
func (s *Service) parseArgs(cmdline string) error {
	fs := pflag.NewFlagSet(binaryName, pflag.ContinueOnError)
	fs.SetOutput(new(strings.Builder))
	greeting := fs.String("greeting", s.greeting, "text printed at start")
	interval := fs.Duration("interval", s.interval, "uptime report interval")
	ticks := fs.Int("ticks", 0, "shut down after this many reports, 0 runs forever")

	args := strings.Fields(cmdline)
	if len(args) > 0 {
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *interval <= 0 {
		return fmt.Errorf("hello: interval must be positive, got %s", *interval)
	}
	s.greeting, s.interval, s.ticks = *greeting, *interval, *ticks
	return nil
}

// Start prints the greeting and schedules the uptime report.
func (s *Service) Start(cmdline string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.k == nil {
		s.log.Error("started without a kernel")
		return
	}
	if err := s.parseArgs(cmdline); err != nil {
		s.log.Warn("ignoring bad command line", zap.String("cmdline", cmdline), zap.Error(err))
	}

	if p, err := s.k.Sbrk(reportBufSize); err != nil {
		s.log.Warn("no heap for the report buffer", zap.Error(err))
	} else {
		s.buf = p
	}

	fmt.Fprintf(s.k.Stdout(), "%s\n", s.greeting)
	s.log.Info("Service started",
		zap.String("cmdline", cmdline),
		zap.Duration("interval", s.interval),
		zap.Int("ticks", s.ticks))
	s.timer = s.k.Timers().Periodic(s.interval, s.interval, s.tick)
}

func (s *Service) tick(id timers.ID) {
	s.mu.Lock()
	s.count++
	count, limit, k := s.count, s.ticks, s.k
	s.mu.Unlock()

	halted, total := k.CycleStats()
	idle := 0.0
	if total > 0 {
		idle = 100 * float64(halted) / float64(total)
	}
	fmt.Fprintf(k.Stdout(), "uptime %s, idle %.1f%%, heap %d bytes\n",
		k.Uptime().Truncate(time.Millisecond), idle, k.HeapUsage())

	if limit > 0 && count >= limit {
		k.Timers().Stop(id)
		k.Shutdown()
	}
}

// Stop cancels the report timer and frees the report buffer.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.k != nil && s.timer != 0 {
		s.k.Timers().Stop(s.timer)
		s.timer = 0
	}
	if s.k != nil && s.buf != 0 {
		s.k.Release(reportBufSize)
		s.buf = 0
	}
	s.log.Info("Service stopped", zap.Int("reports", s.count))
}

// Reports returns how many uptime reports have been printed.
func (s *Service) Reports() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// IsReady reports whether Ready has been called.
func (s *Service) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

var _ kernel.Service = (*Service)(nil)
