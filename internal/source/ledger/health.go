package ledger

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Synthetixio/snx-api/internal/observ"
)

// Status is an endpoint's recent reliability. It is reported only; the
// failover policy does not consult it.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

func (s Status) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// Health tracks call outcomes for one node endpoint.
type Health struct {
	mu    sync.Mutex
	clock clockwork.Clock
	name  string

	status            Status
	successes, errors int64
	consecutiveErrors int
	lastSuccess       time.Time
	lastError         time.Time
	latency           time.Duration // moving average

	degradedErrorRate    float64
	failedErrorRate      float64
	maxConsecutiveErrors int
	recoveryWindow       time.Duration
}

func NewHealth(name string, clock clockwork.Clock) *Health {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Health{
		clock:                clock,
		name:                 name,
		status:               StatusHealthy,
		degradedErrorRate:    0.01,
		failedErrorRate:      0.10,
		maxConsecutiveErrors: 5,
		recoveryWindow:       5 * time.Minute,
	}
}

// RecordSuccess notes a call that reached the node, including calls the
// node answered with an RPC error.
func (h *Health) RecordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastSuccess = h.clock.Now()
	h.successes++
	h.consecutiveErrors = 0
	if h.latency == 0 {
		h.latency = latency
	} else {
		h.latency = time.Duration(0.9*float64(h.latency) + 0.1*float64(latency))
	}
	if h.status != StatusHealthy && h.clock.Since(h.lastError) >= h.recoveryWindow {
		h.transition(StatusHealthy)
	}
	h.publish("success")
}

// RecordError notes a call that failed in transport.
func (h *Health) RecordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastError = h.clock.Now()
	h.errors++
	h.consecutiveErrors++

	next := h.status
	rate := float64(h.errors) / float64(h.errors+h.successes)
	switch {
	case h.consecutiveErrors >= h.maxConsecutiveErrors || rate >= h.failedErrorRate:
		next = StatusFailed
	case rate >= h.degradedErrorRate && h.status == StatusHealthy:
		next = StatusDegraded
	}
	if next != h.status {
		h.transition(next)
	}
	h.publish("error")
	observ.Debug("ledger_endpoint_error", map[string]any{
		"endpoint":    h.name,
		"consecutive": h.consecutiveErrors,
		"error":       err.Error(),
	})
}

func (h *Health) transition(to Status) {
	observ.Warn("ledger_endpoint_status", map[string]any{"endpoint": h.name, "from": h.status, "to": to})
	observ.IncCounter("ledger_endpoint_status_change_total", map[string]string{
		"endpoint": h.name,
		"to":       string(to),
	})
	h.status = to
}

func (h *Health) publish(result string) {
	observ.IncCounter("ledger_calls_total", map[string]string{"endpoint": h.name, "result": result})
	observ.SetGauge("ledger_endpoint_up", h.status.gauge(), map[string]string{"endpoint": h.name})
}

func (h *Health) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Snapshot is a point-in-time view of an endpoint's health.
type Snapshot struct {
	Status            Status        `json:"status"`
	ErrorRate         float64       `json:"error_rate"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	Latency           time.Duration `json:"latency_ns"`
	LastSuccess       time.Time     `json:"last_success"`
	LastError         time.Time     `json:"last_error"`
}

func (h *Health) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	var rate float64
	if total := h.errors + h.successes; total > 0 {
		rate = float64(h.errors) / float64(total)
	}
	return Snapshot{
		Status:            h.status,
		ErrorRate:         rate,
		ConsecutiveErrors: h.consecutiveErrors,
		Latency:           h.latency,
		LastSuccess:       h.lastSuccess,
		LastError:         h.lastError,
	}
}
