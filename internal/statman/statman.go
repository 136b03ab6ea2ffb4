// Package statman is the kernel statistics registry.
//
// Stats are named numeric cells that subsystems bump from any context. The
// registry exposes them to Prometheus through Collector.
package statman

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind selects how a stat's raw bits are interpreted.
type Kind uint8

const (
	Uint64 Kind = iota
	Uint32
	Float
)

func (k Kind) String() string {
	switch k {
	case Uint32:
		return "UINT32"
	case Float:
		return "FLOAT"
	default:
		return "UINT64"
	}
}

var (
	ErrDuplicate = errors.New("statman: stat already exists")
	ErrEmptyName = errors.New("statman: empty stat name")
	ErrFull      = errors.New("statman: registry full")
)

// Stat is one named value. The zero value is not usable; obtain stats from
// a Registry.
type Stat struct {
	name string
	kind Kind
	bits atomic.Uint64
}

func (s *Stat) Name() string { return s.name }
func (s *Stat) Kind() Kind   { return s.kind }

// Load returns the raw value of an integer stat.
func (s *Stat) Load() uint64 { return s.bits.Load() }

// Store sets an integer stat.
func (s *Stat) Store(v uint64) {
	if s.kind == Uint32 {
		v = uint64(uint32(v))
	}
	s.bits.Store(v)
}

// Add increments an integer stat and returns the new value.
func (s *Stat) Add(delta uint64) uint64 {
	if s.kind == Uint32 {
		for {
			old := s.bits.Load()
			next := uint64(uint32(old + delta))
			if s.bits.CompareAndSwap(old, next) {
				return next
			}
		}
	}
	return s.bits.Add(delta)
}

// Float returns the value of a Float stat.
func (s *Stat) Float() float64 { return math.Float64frombits(s.bits.Load()) }

// SetFloat sets a Float stat.
func (s *Stat) SetFloat(v float64) { s.bits.Store(math.Float64bits(v)) }

// Value returns the stat as a float64 regardless of kind.
func (s *Stat) Value() float64 {
	if s.kind == Float {
		return s.Float()
	}
	return float64(s.Load())
}

// Registry holds stats by name in creation order.
type Registry struct {
	mu     sync.RWMutex
	stats  []*Stat
	byName map[string]*Stat
	limit  int
}

// New returns a registry that holds at most limit stats. A limit of zero
// means unbounded.
func New(limit int) *Registry {
	return &Registry{byName: make(map[string]*Stat), limit: limit}
}

// Create registers a new stat.
func (r *Registry) Create(kind Kind, name string) (*Stat, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	if r.limit > 0 && len(r.stats) >= r.limit {
		return nil, fmt.Errorf("%w: %d stats", ErrFull, r.limit)
	}
	s := &Stat{name: name, kind: kind}
	r.stats = append(r.stats, s)
	r.byName[name] = s
	return s, nil
}

// Get returns the stat called name.
func (r *Registry) Get(name string) (*Stat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// All yields stats in creation order.
func (r *Registry) All() iter.Seq[*Stat] {
	return func(yield func(*Stat) bool) {
		r.mu.RLock()
		snapshot := slices.Clone(r.stats)
		r.mu.RUnlock()
		for _, s := range snapshot {
			if !yield(s) {
				return
			}
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stats)
}

// Collector exports every stat as a gauge named <namespace>_<stat name>,
// with dots and dashes turned into underscores.
type Collector struct {
	reg       *Registry
	namespace string
}

// NewCollector returns a Prometheus collector over reg. Stats created after
// registration are picked up on the next scrape.
func NewCollector(reg *Registry, namespace string) *Collector {
	return &Collector{reg: reg, namespace: namespace}
}

// Describe sends nothing, which makes this an unchecked collector; the stat
// set grows while the kernel runs.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for s := range c.reg.All() {
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(c.namespace, "", MetricName(s.name)),
			fmt.Sprintf("statman %s %s", s.kind, s.name),
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, s.Value())
	}
}

var metricReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_")

// MetricName maps a stat name onto the Prometheus name alphabet.
func MetricName(stat string) string {
	return metricReplacer.Replace(stat)
}
