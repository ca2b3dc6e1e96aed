package metrics

import (
	"bytes"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

type kind int

const (
	kindCounter kind = iota
	kindGauge
	kindSummary
)

// family is a lazily registered metric vector. Label names are fixed by the
// first observation; later samples with a different label set are dropped.
type family struct {
	kind   kind
	labels []string
	c      *prometheus.CounterVec
	g      *prometheus.GaugeVec
	s      *prometheus.SummaryVec
}

var (
	mu       sync.Mutex
	registry = prometheus.NewRegistry()
	families = map[string]*family{}
)

// Inc increments a counter family by one.
func Inc(name string, labels map[string]string) {
	if f := get(name, kindCounter, labels); f != nil {
		f.c.With(labels).Inc()
	}
}

// SetGauge sets a gauge family to v.
func SetGauge(name string, labels map[string]string, v int64) {
	if f := get(name, kindGauge, labels); f != nil {
		f.g.With(labels).Set(float64(v))
	}
}

// AddGauge adds delta to a gauge family.
func AddGauge(name string, labels map[string]string, delta int64) {
	if f := get(name, kindGauge, labels); f != nil {
		f.g.With(labels).Add(float64(delta))
	}
}

// ObserveSummary records v into a summary family.
func ObserveSummary(name string, labels map[string]string, v float64) {
	if f := get(name, kindSummary, labels); f != nil {
		f.s.With(labels).Observe(v)
	}
}

// DumpProm renders every registered family in the Prometheus text format.
func DumpProm() string {
	mu.Lock()
	reg := registry
	mu.Unlock()
	mfs, err := reg.Gather()
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, mf := range mfs {
		_, _ = expfmt.MetricFamilyToText(&buf, mf)
	}
	return buf.String()
}

// Handler serves the current registry for scraping.
func Handler() http.Handler {
	mu.Lock()
	reg := registry
	mu.Unlock()
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Reset drops every family. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = prometheus.NewRegistry()
	families = map[string]*family{}
}

func get(name string, k kind, labels map[string]string) *family {
	names := labelNames(labels)
	mu.Lock()
	defer mu.Unlock()
	if f, ok := families[name]; ok {
		if f.kind != k || strings.Join(f.labels, ",") != strings.Join(names, ",") {
			return nil
		}
		return f
	}
	f := &family{kind: k, labels: names}
	var col prometheus.Collector
	switch k {
	case kindCounter:
		f.c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, names)
		col = f.c
	case kindGauge:
		f.g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, names)
		col = f.g
	case kindSummary:
		f.s = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       name,
			Help:       name,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, names)
		col = f.s
	}
	if err := registry.Register(col); err != nil {
		return nil
	}
	families[name] = f
	return f
}

func labelNames(labels map[string]string) []string {
	out := make([]string, 0, len(labels))
	for k := range labels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
