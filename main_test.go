package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ericogr/accurrent-to-mqtt/pkg/acmeter"
	"github.com/ericogr/accurrent-to-mqtt/pkg/config"
	"github.com/ericogr/accurrent-to-mqtt/pkg/meter"
	"github.com/ericogr/accurrent-to-mqtt/pkg/sensor"
)

func TestComputeSensorInterval(t *testing.T) {
	cfg := config.Config{IntervalMs: 1000}
	if got := computeSensorInterval(cfg, 200*time.Millisecond); got != time.Second {
		t.Fatalf("interval: got %v want 1s", got)
	}
	// four channels of 200 samples at 1ms do not fit in 500ms
	cfg.IntervalMs = 500
	if got := computeSensorInterval(cfg, 800*time.Millisecond); got != 800*time.Millisecond {
		t.Fatalf("window interval: got %v want 800ms", got)
	}
}

func TestReadWindowCountsReadLatency(t *testing.T) {
	specs := []meter.ChannelSpec{{Channel: 0, Pin: 0, Scale: 30}, {Channel: 1, Pin: 1, Scale: 30}}
	m := meter.New(specs, nil, sensor.FixedSupply(0), acmeter.Settings{SampleCount: 10, SampleDelay: time.Millisecond}, nil)
	assert.Equal(t, 20*time.Millisecond, readWindow(m, 0))
	// ADS1115 at 860 SPS blocks about 1.3ms per read
	assert.Equal(t, 40*time.Millisecond, readWindow(m, time.Millisecond))
}

func TestServeReturnsSetupErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SensorType = "magic"
	assert.ErrorContains(t, serve(context.Background(), cfg, zap.NewNop()), "open sensor")

	cfg = config.DefaultConfig()
	cfg.Outputs = []config.OutputConfig{{Type: "fax"}}
	assert.ErrorContains(t, serve(context.Background(), cfg, zap.NewNop()), "init outputs")
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SampleCount = 5
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, serve(ctx, cfg, zap.NewNop()))
}

func TestInitOutputsSetsInterval(t *testing.T) {
	cfg := config.Config{IntervalMs: 123, Outputs: []config.OutputConfig{{Type: "console"}}}
	entries, err := initOutputs(&cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("initOutputs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries len: %d", len(entries))
	}
	if cfg.Outputs[0].IntervalMs != 123 {
		t.Fatalf("cfg output interval not set, got %d", cfg.Outputs[0].IntervalMs)
	}
	if entries[0].Interval != 123*time.Millisecond {
		t.Fatalf("entry interval not set, got %v", entries[0].Interval)
	}
}

func TestInitOutputsPrometheus(t *testing.T) {
	cfg := config.Config{IntervalMs: 1000, Outputs: []config.OutputConfig{
		{Type: "prometheus", Prometheus: &config.PrometheusConfig{Listen: "127.0.0.1:0"}},
	}}
	entries, err := initOutputs(&cfg, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NoError(t, entries[0].Output.Close())

	_, err = initOutputs(&config.Config{Outputs: []config.OutputConfig{{Type: "fax"}}}, zap.NewNop())
	assert.Error(t, err)
}

type countingReader struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (c *countingReader) Read(ctx context.Context) ([]meter.Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail {
		return nil, errors.New("sensor gone")
	}
	return []meter.Reading{{Channel: 0, RMSCurrent: uint32(c.calls)}}, nil
}

type countingDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (c *countingDispatcher) Dispatch(time.Time, []meter.Reading) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 1
}

func TestRunStopsOnCancel(t *testing.T) {
	r := &countingReader{}
	d := &countingDispatcher{}
	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	require.NoError(t, run(ctx, r, d, 10*time.Millisecond, zap.NewNop()))
	assert.GreaterOrEqual(t, r.calls, 3)
	assert.Equal(t, r.calls, d.calls)
}

func TestRunKeepsGoingAfterReadError(t *testing.T) {
	r := &countingReader{fail: true}
	d := &countingDispatcher{}
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	require.NoError(t, run(ctx, r, d, 10*time.Millisecond, zap.NewNop()))
	assert.GreaterOrEqual(t, r.calls, 2)
	assert.Zero(t, d.calls)
}
