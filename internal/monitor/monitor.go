// Package monitor serves a read-only HTTP view of a running kernel: its
// statistics in Prometheus format, the memory map and a status summary.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mazos/internal/kernel"
	"mazos/internal/memmap"
	"mazos/internal/statman"
)

const (
	defaultPNGWidth = 800
	maxPNGWidth     = 4096
)

// Handlers holds the HTTP handlers for the monitor endpoints.
type Handlers struct {
	k   *kernel.Kernel
	log *zap.Logger
}

// NewHandlers creates handlers over k.
func NewHandlers(k *kernel.Kernel, log *zap.Logger) *Handlers {
	return &Handlers{k: k, log: log}
}

// SetupRoutes registers the monitor routes on router.
func SetupRoutes(router chi.Router, k *kernel.Kernel, namespace string, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(statman.NewCollector(k.Stats(), namespace)); err != nil {
		return fmt.Errorf("monitor: register collector: %w", err)
	}

	h := NewHandlers(k, log)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Get("/status", h.Status)
	router.Route("/memmap", func(r chi.Router) {
		r.Get("/", h.MemoryMap)
		r.Get("/png", h.MemoryMapPNG)
	})
	return nil
}

// New returns the monitor router for k.
func New(k *kernel.Kernel, namespace string, log *zap.Logger) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if err := SetupRoutes(r, k, namespace, log); err != nil {
		return nil, err
	}
	return r, nil
}

// RangeJSON is one memory map entry.
type RangeJSON struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Size        uint64 `json:"size"`
	InUse       uint64 `json:"in_use"`
	SizeHuman   string `json:"size_human"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// MemoryMap writes the address range registry as JSON.
func (h *Handlers) MemoryMap(w http.ResponseWriter, r *http.Request) {
	out := []RangeJSON{}
	for rg := range h.k.MemoryMap().All() {
		out = append(out, RangeJSON{
			Start:       fmt.Sprintf("0x%x", rg.Start),
			End:         fmt.Sprintf("0x%x", rg.End),
			Size:        uint64(rg.Size()),
			InUse:       uint64(rg.InUse()),
			SizeHuman:   humanize.IBytes(uint64(rg.Size())),
			Category:    string(rg.Category),
			Description: rg.Description,
		})
	}
	h.writeJSON(w, out)
}

// MemoryMapPNG draws the memory map. The optional width query parameter
// sets the image width in pixels.
func (h *Handlers) MemoryMapPNG(w http.ResponseWriter, r *http.Request) {
	width := defaultPNGWidth
	if s := r.URL.Query().Get("width"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > maxPNGWidth {
			http.Error(w, "invalid width", http.StatusBadRequest)
			return
		}
		width = v
	}

	ranges := slices.Collect(h.k.MemoryMap().All())
	w.Header().Set("Content-Type", "image/png")
	if err := memmap.RenderPNG(w, ranges, width); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

type deviceJSON struct {
	Slot   uint8  `json:"slot"`
	Vendor string `json:"vendor"`
	Device string `json:"device"`
	Class  string `json:"class"`
	Name   string `json:"name,omitempty"`
}

type initJSON struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// StatusJSON is the /status response.
type StatusJSON struct {
	Version      string       `json:"version"`
	BootID       string       `json:"boot_id"`
	Service      string       `json:"service"`
	Cmdline      string       `json:"cmdline"`
	Running      bool         `json:"running"`
	Ready        bool         `json:"ready"`
	Uptime       string       `json:"uptime"`
	BootedAt     *time.Time   `json:"booted_at,omitempty"`
	CPUMHz       float64      `json:"cpu_mhz"`
	MaxCPUMHz    float64      `json:"max_cpu_mhz"`
	HeapUsage    uint64       `json:"heap_usage"`
	HeapMax      string       `json:"heap_max"`
	Memory       string       `json:"memory"`
	MemorySource string       `json:"memory_source"`
	CyclesHalted uint64       `json:"cycles_halted"`
	CyclesTotal  uint64       `json:"cycles_total"`
	Devices      []deviceJSON `json:"devices"`
	CustomInits  []initJSON   `json:"custom_inits"`
}

// Status writes a summary of the kernel's state.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	k := h.k
	c := k.Capacity()
	halted, total := k.CycleStats()
	st := StatusJSON{
		Version:      k.Version(),
		BootID:       k.BootID().String(),
		Service:      k.Service().Name(),
		Cmdline:      k.Cmdline(),
		Running:      k.IsRunning(),
		Ready:        k.Ready(),
		Uptime:       k.Uptime().Round(time.Millisecond).String(),
		CPUMHz:       float64(k.CPUFreq()),
		MaxCPUMHz:    float64(k.MaxCPUFreq()),
		HeapUsage:    uint64(k.HeapUsage()),
		HeapMax:      fmt.Sprintf("0x%x", k.HeapMax()),
		Memory:       humanize.IBytes(c.LowBytes + c.HighBytes),
		MemorySource: string(c.Source),
		CyclesHalted: halted,
		CyclesTotal:  total,
		Devices:      []deviceJSON{},
		CustomInits:  []initJSON{},
	}
	if ts := k.BootTimestamp(); !ts.IsZero() {
		st.BootedAt = &ts
	}
	for _, d := range k.Devices() {
		st.Devices = append(st.Devices, deviceJSON{
			Slot:   d.Slot,
			Vendor: fmt.Sprintf("%04x", d.VendorID),
			Device: fmt.Sprintf("%04x", d.DeviceID),
			Class:  d.Class,
			Name:   d.Name,
		})
	}
	for _, res := range k.CustomInitResults() {
		ij := initJSON{Name: res.Name}
		if res.Err != nil {
			ij.Error = res.Err.Error()
		}
		st.CustomInits = append(st.CustomInits, ij)
	}
	h.writeJSON(w, st)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		h.log.Warn("failed to write response", zap.Error(err))
	}
}

// Server serves the monitor on a TCP address.
type Server struct {
	handler http.Handler
	log     *zap.Logger
}

// NewServer builds the monitor for k.
func NewServer(k *kernel.Kernel, namespace string, log *zap.Logger) (*Server, error) {
	h, err := New(k, namespace, log)
	if err != nil {
		return nil, err
	}
	return &Server{handler: h, log: log}, nil
}

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("Monitor listening", zap.Stringer("addr", ln.Addr()))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("monitor: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.log.Debug("Shutting down monitor")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	<-errc
	return nil
}
