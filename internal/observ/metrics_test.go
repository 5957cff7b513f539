package observ

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAccumulatesPerLabelSet(t *testing.T) {
	IncCounter("test_counter_total", map[string]string{"result": "hit"})
	IncCounter("test_counter_total", map[string]string{"result": "hit"})
	IncCounterBy("test_counter_total", map[string]string{"result": "miss"}, 3)

	vec := reg.counters["test_counter_total"]
	require.NotNil(t, vec)
	assert.Equal(t, 2.0, testutil.ToFloat64(vec.WithLabelValues("hit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(vec.WithLabelValues("miss")))
}

func TestMismatchedLabelsAreDropped(t *testing.T) {
	IncCounter("test_schema_total", map[string]string{"a": "1"})
	assert.NotPanics(t, func() {
		IncCounter("test_schema_total", map[string]string{"b": "2"})
	})
}

func TestHandlerExposesRecordedSeries(t *testing.T) {
	SetGauge("test_gauge", 7, nil)
	RecordDuration("test_op", 150*time.Millisecond, map[string]string{"op": "x"})

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "snx_api_test_gauge 7")
	assert.Contains(t, body, `snx_api_test_op_seconds_count{op="x"} 1`)
}

func TestLogWritesEventField(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	Error("fetch_failed", errors.New("boom"), map[string]any{"key": "total-supply"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "fetch_failed", line["event"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "total-supply", line["key"])
	assert.Equal(t, "error", line["level"])
}
