package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Synthetixio/snx-api/internal/metrics"
)

type fakeService struct {
	mu    sync.Mutex
	jobs  []metrics.Job
	fail  map[string]bool
	calls []string
}

func (f *fakeService) BackgroundJobs() []metrics.Job { return f.jobs }

func (f *fakeService) Refresh(_ context.Context, name string, raw metrics.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, metrics.Job{Metric: name, Params: raw}.String())
	if f.fail[name] {
		return errors.New("query failed")
	}
	return nil
}

func (f *fakeService) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestRunOnceContinuesPastFailures(t *testing.T) {
	svc := &fakeService{
		jobs: []metrics.Job{
			{Metric: "v3-tvl"},
			{Metric: "tvl420-v2", Params: metrics.Params{"network": "cross", "span": "daily"}},
			{Metric: "snax-votes-mainnet"},
		},
		fail: map[string]bool{"v3-tvl": true},
	}
	r := New(svc, time.Minute)

	failed := r.RunOnce(context.Background())
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"v3-tvl", "tvl420-v2 network=cross span=daily", "snax-votes-mainnet"}, svc.called())
}

func TestRunOnceStopsWhenCancelled(t *testing.T) {
	svc := &fakeService{jobs: []metrics.Job{{Metric: "a"}, {Metric: "b"}}}
	r := New(svc, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, r.RunOnce(ctx))
	assert.Empty(t, svc.called())
}

func TestStartWarmsUpAndStopWaits(t *testing.T) {
	svc := &fakeService{jobs: []metrics.Job{{Metric: "v3-tvl"}}}
	r := New(svc, time.Hour)

	require.NoError(t, r.Start())
	require.Eventually(t, func() bool { return len(svc.called()) == 1 }, time.Second, 5*time.Millisecond)
	r.Stop()
	assert.Len(t, svc.called(), 1)
}

func TestStartRejectsZeroInterval(t *testing.T) {
	r := New(&fakeService{}, 0)
	assert.Error(t, r.Start())
}
