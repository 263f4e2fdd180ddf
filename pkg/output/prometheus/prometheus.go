package prometheus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ericogr/accurrent-to-mqtt/pkg/config"
	"github.com/ericogr/accurrent-to-mqtt/pkg/meter"
)

const (
	DefaultListen = ":9109"
	DefaultPath   = "/metrics"

	shutdownTimeout = 2 * time.Second
)

// PromOutput exposes the latest readings as gauges on its own registry.
type PromOutput struct {
	registry   *prometheus.Registry
	current    *prometheus.GaugeVec
	lastUpdate *prometheus.GaugeVec
	readings   *prometheus.CounterVec

	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewMetrics registers the collectors without serving them.
func NewMetrics() *PromOutput {
	current := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accurrent_rms_current_milliamps",
		Help: "RMS current of the last sample window.",
	}, []string{"channel", "name"})
	lastUpdate := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accurrent_last_update_timestamp_seconds",
		Help: "Unix time the channel finished its last sample window.",
	}, []string{"channel"})
	readings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accurrent_readings_total",
		Help: "Readings published per channel.",
	}, []string{"channel"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(current, lastUpdate, readings)

	return &PromOutput{
		registry:   reg,
		current:    current,
		lastUpdate: lastUpdate,
		readings:   readings,
		logger:     zap.NewNop(),
	}
}

// NewPrometheus starts an HTTP server for the metrics on cfg.Listen.
func NewPrometheus(cfg config.PrometheusConfig, logger *zap.Logger) (*PromOutput, error) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	p := NewMetrics()
	if logger != nil {
		p.logger = logger
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, p.Handler())
	p.listener = ln
	p.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("[prometheus] server stopped", zap.Error(err))
		}
	}()
	p.logger.Info("[prometheus] serving metrics", zap.String("addr", ln.Addr().String()), zap.String("path", cfg.Path))
	return p, nil
}

func (p *PromOutput) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Addr is the bound listen address, or "" when not serving.
func (p *PromOutput) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

func (p *PromOutput) Publish(readings []meter.Reading) error {
	for _, r := range readings {
		ch := strconv.Itoa(r.Channel)
		p.current.WithLabelValues(ch, r.Name).Set(float64(r.RMSCurrent))
		p.lastUpdate.WithLabelValues(ch).Set(float64(r.Timestamp.UnixNano()) / 1e9)
		p.readings.WithLabelValues(ch).Inc()
	}
	return nil
}

func (p *PromOutput) Close() error {
	if p.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return p.server.Shutdown(ctx)
}
