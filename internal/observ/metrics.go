package observ

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snx_api"

// Registry holds every collector the service exports on /metrics.
var Registry = prometheus.NewRegistry()

type registry struct {
	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
}

var reg = &registry{
	counters: map[string]*prometheus.CounterVec{},
	gauges:   map[string]*prometheus.GaugeVec{},
	hist:     map[string]*prometheus.HistogramVec{},
}

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// label names are sorted so the first caller fixes the vector's schema
func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *registry) counter(name string, labels map[string]string) prometheus.Counter {
	r.mu.Lock()
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, labelNames(labels))
		Registry.MustRegister(vec)
		r.counters[name] = vec
	}
	r.mu.Unlock()
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return c
}

func (r *registry) gauge(name string, labels map[string]string) prometheus.Gauge {
	r.mu.Lock()
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, labelNames(labels))
		Registry.MustRegister(vec)
		r.gauges[name] = vec
	}
	r.mu.Unlock()
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return g
}

func (r *registry) histogram(name string, labels map[string]string) prometheus.Observer {
	r.mu.Lock()
	vec, ok := r.hist[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(labels))
		Registry.MustRegister(vec)
		r.hist[name] = vec
	}
	r.mu.Unlock()
	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return h
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	if c := reg.counter(name, labels); c != nil {
		c.Add(value)
	}
}

func SetGauge(name string, value float64, labels map[string]string) {
	if g := reg.gauge(name, labels); g != nil {
		g.Set(value)
	}
}

func Observe(name string, value float64, labels map[string]string) {
	if h := reg.histogram(name, labels); h != nil {
		h.Observe(value)
	}
}

// RecordDuration observes d in seconds under name+"_seconds".
func RecordDuration(name string, d time.Duration, labels map[string]string) {
	Observe(name+"_seconds", d.Seconds(), labels)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
