package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"mazos/internal/kernel"
	"mazos/internal/memmap"
	"mazos/internal/platform/qemu"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitService takes one heap block and idles until shutdown.
type waitService struct {
	k       *kernel.Kernel
	started chan struct{}
}

func (s *waitService) BinaryName() string { return "wait.elf" }
func (s *waitService) Name() string       { return "Wait" }
func (s *waitService) Ready()             {}
func (s *waitService) Stop()              {}

func (s *waitService) Start(string) {
	_, _ = s.k.Sbrk(0x1000) // checked through heap_usage
	close(s.started)
}

// bootKernel starts a kernel on a simulated machine and stops it when the
// test ends.
func bootKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	m, err := qemu.New(qemu.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	svc := &waitService{started: make(chan struct{})}
	k, err := kernel.New(kernel.DefaultOptions(), m.Hardware(), svc, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	svc.k = k
	require.NoError(t, k.RegisterCustomInit("ok", func() error { return nil }))
	require.NoError(t, k.RegisterCustomInit("broken", func() error { return errors.New("no disk") }))

	h, err := m.Handoff(true, "wait.elf --quiet")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- k.Start(h) }()
	t.Cleanup(func() {
		k.Shutdown()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("kernel did not stop")
		}
	})

	select {
	case <-svc.started:
	case <-time.After(10 * time.Second):
		t.Fatal("service never started")
	}
	return k
}

func newTestServer(t *testing.T, k *kernel.Kernel) *httptest.Server {
	t.Helper()
	h, err := New(k, "mazos", zaptest.NewLogger(t))
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

var client = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestEndpoints(t *testing.T) {
	k := bootKernel(t)
	srv := newTestServer(t, k)

	t.Run("status", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/status")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var st StatusJSON
		require.NoError(t, json.Unmarshal(body, &st))
		assert.Equal(t, k.BootID().String(), st.BootID)
		assert.Equal(t, "Wait", st.Service)
		assert.Equal(t, "wait.elf --quiet", st.Cmdline)
		assert.True(t, st.Running)
		assert.True(t, st.Ready)
		assert.Positive(t, st.CPUMHz)
		assert.Equal(t, float64(2000), st.MaxCPUMHz)
		assert.Equal(t, "0x7ffffff", st.HeapMax)
		assert.Equal(t, uint64(0x1000), st.HeapUsage)
		assert.Equal(t, "multiboot", st.MemorySource)
		assert.LessOrEqual(t, st.CyclesHalted, st.CyclesTotal)
		assert.Len(t, st.Devices, len(qemu.DefaultPCIFunctions))
		require.Len(t, st.CustomInits, 2)
		assert.Equal(t, initJSON{Name: "ok"}, st.CustomInits[0])
		assert.Equal(t, initJSON{Name: "broken", Error: "no disk"}, st.CustomInits[1])
		assert.NotNil(t, st.BootedAt)
	})

	t.Run("memmap", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/memmap")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var ranges []RangeJSON
		require.NoError(t, json.Unmarshal(body, &ranges))
		require.Len(t, ranges, k.MemoryMap().Len())

		var heap *RangeJSON
		for i := range ranges {
			if ranges[i].Category == string(memmap.CategoryHeap) {
				heap = &ranges[i]
			}
		}
		require.NotNil(t, heap)
		assert.Equal(t, "0x7ffffff", heap.End)
	})

	t.Run("memmap png", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/memmap/png?width=640")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
		img, err := png.Decode(bytes.NewReader(body))
		require.NoError(t, err)
		assert.Equal(t, 640, img.Bounds().Dx())
	})

	t.Run("memmap png bad width", func(t *testing.T) {
		for _, w := range []string{"abc", "-1", "100000"} {
			resp, _ := get(t, srv.URL+"/memmap/png?width="+w)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, w)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/metrics")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "mazos_cpu0_cycles_hlt")
		assert.Contains(t, string(body), "mazos_cpu0_cycles_total")
	})

	t.Run("not found", func(t *testing.T) {
		resp, _ := get(t, srv.URL+"/nope")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServeStopsOnCancel(t *testing.T) {
	k := bootKernel(t)
	s, err := NewServer(k, "mazos", zaptest.NewLogger(t))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, _ := get(t, "http://"+ln.Addr().String()+"/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunRejectsBadAddress(t *testing.T) {
	s := &Server{handler: http.NotFoundHandler(), log: zaptest.NewLogger(t)}
	err := s.Run(context.Background(), "not-an-address")
	assert.Error(t, err)
}
