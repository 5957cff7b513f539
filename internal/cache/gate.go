package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/Synthetixio/snx-api/internal/observ"
)

// ComputeFunc produces the JSON payload for a key on a miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Gate is the only writer of cache entries. Reads enforce TTL from the
// entry envelope; store errors degrade to misses and dropped writes.
type Gate struct {
	store       Store
	clock       clockwork.Clock
	group       *singleflight.Group
	ttlOverride time.Duration
}

type Option func(*Gate)

func WithClock(c clockwork.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithCoalescing shares one compute between concurrent misses on a key
// within this process.
func WithCoalescing(enabled bool) Option {
	return func(g *Gate) {
		if enabled {
			g.group = &singleflight.Group{}
		} else {
			g.group = nil
		}
	}
}

// WithTTLOverride replaces every TTL passed to the gate when d > 0.
func WithTTLOverride(d time.Duration) Option {
	return func(g *Gate) { g.ttlOverride = d }
}

func NewGate(store Store, opts ...Option) *Gate {
	g := &Gate{
		store: store,
		clock: clockwork.NewRealClock(),
		group: &singleflight.Group{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Status tells a caller how a payload was obtained.
type Status string

const (
	StatusHit      Status = "hit"
	StatusComputed Status = "computed"
)

// GetOrCompute returns the live payload for key, or runs compute, stores
// its result for ttl and returns it. A failed compute is returned as-is
// and nothing is stored.
func (g *Gate) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, Status, error) {
	return g.get(ctx, key, ttl, false, compute)
}

// Recompute skips the lookup and always runs compute, replacing the entry
// on success. Background refreshers use it.
func (g *Gate) Recompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	b, _, err := g.get(ctx, key, ttl, true, compute)
	return b, err
}

func (g *Gate) get(ctx context.Context, key string, ttl time.Duration, force bool, compute ComputeFunc) ([]byte, Status, error) {
	if g.ttlOverride > 0 {
		ttl = g.ttlOverride
	}
	if !force {
		if b, ok := g.lookup(ctx, key); ok {
			return b, StatusHit, nil
		}
	}

	if g.group == nil {
		b, err := g.computeAndStore(ctx, key, ttl, compute)
		return b, StatusComputed, err
	}

	// the shared compute outlives any single caller's cancellation
	ch := g.group.DoChan(key, func() (any, error) {
		return g.computeAndStore(context.WithoutCancel(ctx), key, ttl, compute)
	})
	select {
	case <-ctx.Done():
		return nil, StatusComputed, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, StatusComputed, res.Err
		}
		if res.Shared {
			observ.IncCounter("cache_coalesced_total", nil)
		}
		return res.Val.([]byte), StatusComputed, nil
	}
}

func (g *Gate) lookup(ctx context.Context, key string) ([]byte, bool) {
	raw, ok, err := g.store.Get(ctx, key)
	if err != nil {
		observ.IncCounter("cache_requests_total", map[string]string{"result": "error"})
		observ.Warn("cache_read_failed", map[string]any{"key": key, "error": err.Error()})
		return nil, false
	}
	if !ok {
		observ.IncCounter("cache_requests_total", map[string]string{"result": "miss"})
		observ.Debug("cache_miss", map[string]any{"key": key})
		return nil, false
	}
	e, err := decodeEntry(key, raw)
	if err != nil {
		observ.IncCounter("cache_requests_total", map[string]string{"result": "error"})
		observ.Warn("cache_entry_invalid", map[string]any{"key": key, "error": err.Error()})
		return nil, false
	}
	if e.Expired(g.clock.Now()) {
		observ.IncCounter("cache_requests_total", map[string]string{"result": "expired"})
		observ.Debug("cache_expired", map[string]any{"key": key, "stored_at": e.StoredAt})
		return nil, false
	}
	observ.IncCounter("cache_requests_total", map[string]string{"result": "hit"})
	observ.Debug("cache_hit", map[string]any{"key": key})
	return e.Value, true
}

func (g *Gate) computeAndStore(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	start := g.clock.Now()
	b, err := compute(ctx)
	observ.RecordDuration("compute_duration", g.clock.Since(start), map[string]string{"key": metricLabel(key)})
	if err != nil {
		observ.IncCounter("compute_total", map[string]string{"result": "error"})
		return nil, err
	}
	if !json.Valid(b) {
		observ.IncCounter("compute_total", map[string]string{"result": "error"})
		return nil, fmt.Errorf("compute %s: result is not valid json", key)
	}
	observ.IncCounter("compute_total", map[string]string{"result": "ok"})

	entry := Entry{
		Key:        key,
		Value:      json.RawMessage(b),
		StoredAt:   g.clock.Now(),
		TTLSeconds: int64(ttl / time.Second),
	}
	raw, err := encodeEntry(entry)
	if err == nil {
		err = g.store.Set(ctx, key, raw, ttl)
	}
	if err != nil {
		observ.IncCounter("cache_writes_total", map[string]string{"result": "error"})
		observ.Warn("cache_write_failed", map[string]any{"key": key, "error": err.Error()})
	} else {
		observ.IncCounter("cache_writes_total", map[string]string{"result": "ok"})
	}
	return b, nil
}

// metricLabel keeps per-account keys from exploding label cardinality.
func metricLabel(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '=' {
			for j := i; j >= 0; j-- {
				if key[j] == '-' {
					return key[:j]
				}
			}
		}
	}
	return key
}

// Get is GetOrCompute for a typed value encoded as JSON.
func Get[T any](ctx context.Context, g *Gate, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var out T
	b, _, err := g.GetOrCompute(ctx, key, ttl, Marshalling(compute))
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return out, nil
}

// Marshalling adapts a typed compute into a ComputeFunc.
func Marshalling[T any](compute func(context.Context) (T, error)) ComputeFunc {
	return func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}
}
