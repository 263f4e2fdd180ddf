package prometheus

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericogr/accurrent-to-mqtt/pkg/config"
	"github.com/ericogr/accurrent-to-mqtt/pkg/meter"
)

func TestPublishSetsMetrics(t *testing.T) {
	p := NewMetrics()
	ts := time.Date(2025, 9, 19, 14, 41, 54, 0, time.UTC)
	readings := []meter.Reading{
		{Channel: 0, Name: "mains", RMSCurrent: 1530, Timestamp: ts},
		{Channel: 1, Name: "pump", RMSCurrent: 42, Timestamp: ts},
	}
	require.NoError(t, p.Publish(readings))
	readings[0].RMSCurrent = 1600
	require.NoError(t, p.Publish(readings[:1]))

	assert.Equal(t, float64(1600), testutil.ToFloat64(p.current.WithLabelValues("0", "mains")))
	assert.Equal(t, float64(42), testutil.ToFloat64(p.current.WithLabelValues("1", "pump")))
	assert.Equal(t, float64(2), testutil.ToFloat64(p.readings.WithLabelValues("0")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.readings.WithLabelValues("1")))
	assert.Equal(t, float64(ts.Unix()), testutil.ToFloat64(p.lastUpdate.WithLabelValues("0")))
	assert.Equal(t, 2, testutil.CollectAndCount(p.current))
	assert.NoError(t, p.Close())
}

func TestServeMetrics(t *testing.T) {
	p, err := NewPrometheus(config.PrometheusConfig{Listen: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Publish([]meter.Reading{{Channel: 2, Name: "oven", RMSCurrent: 9000, Timestamp: time.Now()}}))

	resp, err := http.Get("http://" + p.Addr() + DefaultPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `accurrent_rms_current_milliamps{channel="2",name="oven"} 9000`)
}
