// Package refresh keeps background metrics warm by recomputing them on a
// cron schedule through the same cache gate requests use.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Synthetixio/snx-api/internal/metrics"
	"github.com/Synthetixio/snx-api/internal/observ"
)

// Service is the part of metrics.Service the refresher drives.
type Service interface {
	BackgroundJobs() []metrics.Job
	Refresh(ctx context.Context, name string, raw metrics.Params) error
}

type Refresher struct {
	svc      Service
	interval time.Duration
	cron     *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(svc Service, interval time.Duration) *Refresher {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{}
	return &Refresher{
		svc:      svc,
		interval: interval,
		cron:     cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs one warm-up pass in the background and schedules the rest.
func (r *Refresher) Start() error {
	if r.interval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", r.interval)
	}
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), func() { r.RunOnce(r.ctx) }); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.RunOnce(r.ctx)
	}()
	r.cron.Start()
	observ.Log("refresher_started", map[string]any{
		"interval": r.interval.String(),
		"jobs":     len(r.svc.BackgroundJobs()),
	})
	return nil
}

// Stop cancels in-flight refreshes and waits for them to return.
func (r *Refresher) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
	r.wg.Wait()
	observ.Log("refresher_stopped", nil)
}

// RunOnce refreshes every background job in turn and returns the number
// that failed. A failure never stops the remaining jobs.
func (r *Refresher) RunOnce(ctx context.Context) int {
	start := time.Now()
	failed := 0
	for _, job := range r.svc.BackgroundJobs() {
		if ctx.Err() != nil {
			break
		}
		jctx, cancel := context.WithTimeout(ctx, r.interval)
		err := r.svc.Refresh(jctx, job.Metric, job.Params)
		cancel()
		if err != nil {
			failed++
			observ.IncCounter("refresh_total", map[string]string{"metric": job.Metric, "result": "error"})
			observ.Error("refresh_failed", err, map[string]any{"job": job.String()})
			continue
		}
		observ.IncCounter("refresh_total", map[string]string{"metric": job.Metric, "result": "ok"})
		observ.Debug("refreshed", map[string]any{"job": job.String()})
	}
	observ.RecordDuration("refresh_run_duration", time.Since(start), nil)
	return failed
}

// cronLogger routes cron's own messages through observ.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	observ.Debug("cron_"+msg, pairs(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	observ.Error("cron_"+msg, err, pairs(keysAndValues))
}

func pairs(kv []interface{}) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
