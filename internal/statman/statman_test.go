package statman

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	r := New(2)

	hlt, err := r.Create(Uint64, "cpu0.cycles_hlt")
	require.NoError(t, err)
	assert.Equal(t, "cpu0.cycles_hlt", hlt.Name())
	assert.Equal(t, Uint64, hlt.Kind())

	_, err = r.Create(Uint64, "cpu0.cycles_hlt")
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = r.Create(Uint64, "")
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = r.Create(Float, "cpu0.mhz")
	require.NoError(t, err)

	_, err = r.Create(Uint32, "one.too.many")
	assert.ErrorIs(t, err, ErrFull)

	got, ok := r.Get("cpu0.cycles_hlt")
	require.True(t, ok)
	assert.Same(t, hlt, got)
	assert.Equal(t, 2, r.Len())

	var names []string
	for s := range r.All() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"cpu0.cycles_hlt", "cpu0.mhz"}, names)
}

func TestStatValues(t *testing.T) {
	r := New(0)

	u64, _ := r.Create(Uint64, "a")
	u64.Store(10)
	assert.Equal(t, uint64(15), u64.Add(5))
	assert.Equal(t, 15.0, u64.Value())

	u32, _ := r.Create(Uint32, "b")
	u32.Store(0xFFFFFFFF)
	assert.Equal(t, uint64(1), u32.Add(2), "uint32 stats wrap")

	f, _ := r.Create(Float, "c")
	f.SetFloat(2.5)
	assert.Equal(t, 2.5, f.Float())
	assert.Equal(t, 2.5, f.Value())
}

func TestConcurrentAdd(t *testing.T) {
	r := New(0)
	s, _ := r.Create(Uint64, "ticks")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				s.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), s.Load())
}

func TestCollector(t *testing.T) {
	r := New(0)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(r, "mazos")))

	total, _ := r.Create(Uint64, "cpu0.cycles_total")
	total.Store(1234)
	// Created after registration.
	hlt, _ := r.Create(Uint64, "cpu0.cycles_hlt")
	hlt.Store(1000)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		assert.Equal(t, dto.MetricType_GAUGE, mf.GetType())
		require.Len(t, mf.GetMetric(), 1)
		values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, map[string]float64{
		"mazos_cpu0_cycles_total": 1234,
		"mazos_cpu0_cycles_hlt":   1000,
	}, values)
}

func TestMetricName(t *testing.T) {
	assert.Equal(t, "net_eth0_rx_packets", MetricName("net.eth0.rx-packets"))
	assert.Equal(t, "timers_oneshot", MetricName("timers/oneshot"))
}
