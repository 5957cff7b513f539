// Package metrics holds one handler per published metric. Each handler
// validates its parameters, derives a cache key and computes through the
// cache gate from ledger and warehouse sources.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Synthetixio/snx-api/internal/cache"
	"github.com/Synthetixio/snx-api/internal/observ"
	"github.com/Synthetixio/snx-api/internal/source"
)

// Fetcher reads one source spec. failover.Source satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, spec source.Spec) (source.Value, error)
}

// Params are normalized request parameters.
type Params map[string]string

// ValidationError is a rejected request parameter.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var ErrUnknownMetric = errors.New("unknown metric")

// Metric describes one cached computation.
type Metric struct {
	Name string
	Path string
	TTL  time.Duration

	// Query names the URL parameters handed to Validate.
	Query []string
	// Validate normalizes raw parameters; nil means the metric takes none.
	Validate func(Params) (Params, error)
	Compute  func(ctx context.Context, p Params) (any, error)

	// Background metrics are recomputed on a schedule for each Prefetch set.
	Background bool
	Prefetch   []Params
}

// Service owns the metric catalog.
type Service struct {
	gate      *cache.Gate
	src       Fetcher
	contracts source.Registry
	clock     clockwork.Clock

	metrics []*Metric
	byName  map[string]*Metric
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func NewService(gate *cache.Gate, src Fetcher, contracts source.Registry, opts ...Option) *Service {
	s := &Service{
		gate:      gate,
		src:       src,
		contracts: contracts,
		clock:     clockwork.NewRealClock(),
		byName:    map[string]*Metric{},
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, m := range append(s.ledgerMetrics(), s.warehouseMetrics()...) {
		s.register(m)
	}
	return s
}

func (s *Service) register(m *Metric) {
	if _, dup := s.byName[m.Name]; dup {
		panic(fmt.Sprintf("metrics: %s registered twice", m.Name))
	}
	s.metrics = append(s.metrics, m)
	s.byName[m.Name] = m
}

// Metrics lists the catalog in registration order.
func (s *Service) Metrics() []*Metric {
	out := make([]*Metric, len(s.metrics))
	copy(out, s.metrics)
	return out
}

func (s *Service) Metric(name string) (*Metric, bool) {
	m, ok := s.byName[name]
	return m, ok
}

// Key validates raw and returns the cache key and normalized params.
func (s *Service) Key(name string, raw Params) (string, Params, error) {
	m, ok := s.byName[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	p := Params{}
	if m.Validate != nil {
		var err error
		if p, err = m.Validate(raw); err != nil {
			return "", nil, err
		}
	}
	return cache.Key(m.Name, p), p, nil
}

// Handle returns the JSON payload for a metric, cached or freshly computed.
// Validation happens before any cache or source access.
func (s *Service) Handle(ctx context.Context, name string, raw Params) ([]byte, error) {
	key, p, err := s.Key(name, raw)
	if err != nil {
		return nil, err
	}
	m := s.byName[name]
	b, status, err := s.gate.GetOrCompute(ctx, key, m.TTL, s.computeFunc(m, key, p))
	if err != nil {
		observ.Error("metric_failed", err, map[string]any{"metric": m.Name, "key": key})
		return nil, err
	}
	observ.Debug("metric_served", map[string]any{"metric": m.Name, "key": key, "cache": string(status)})
	return b, nil
}

// Refresh recomputes a metric unconditionally and replaces its entry.
func (s *Service) Refresh(ctx context.Context, name string, raw Params) error {
	key, p, err := s.Key(name, raw)
	if err != nil {
		return err
	}
	m := s.byName[name]
	_, err = s.gate.Recompute(ctx, key, m.TTL, s.computeFunc(m, key, p))
	return err
}

func (s *Service) computeFunc(m *Metric, key string, p Params) cache.ComputeFunc {
	return func(ctx context.Context) ([]byte, error) {
		observ.Debug("metric_compute", map[string]any{"metric": m.Name, "key": key})
		v, err := m.Compute(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name, err)
		}
		return json.Marshal(v)
	}
}

// BackgroundJobs lists (metric, params) pairs to keep warm.
func (s *Service) BackgroundJobs() []Job {
	var jobs []Job
	for _, m := range s.metrics {
		if !m.Background {
			continue
		}
		sets := m.Prefetch
		if len(sets) == 0 {
			sets = []Params{nil}
		}
		for _, p := range sets {
			jobs = append(jobs, Job{Metric: m.Name, Params: p})
		}
	}
	return jobs
}

type Job struct {
	Metric string
	Params Params
}

func (j Job) String() string {
	if len(j.Params) == 0 {
		return j.Metric
	}
	keys := make([]string, 0, len(j.Params))
	for k := range j.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := j.Metric
	for _, k := range keys {
		out += " " + k + "=" + j.Params[k]
	}
	return out
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}
