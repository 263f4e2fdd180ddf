package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ericogr/accurrent-to-mqtt/pkg/config"
	"github.com/ericogr/accurrent-to-mqtt/pkg/logger"
	"github.com/ericogr/accurrent-to-mqtt/pkg/meter"
	"github.com/ericogr/accurrent-to-mqtt/pkg/output"
	"github.com/ericogr/accurrent-to-mqtt/pkg/output/console"
	mqttout "github.com/ericogr/accurrent-to-mqtt/pkg/output/mqtt"
	promout "github.com/ericogr/accurrent-to-mqtt/pkg/output/prometheus"
	"github.com/ericogr/accurrent-to-mqtt/pkg/sensor"
)

type reader interface {
	Read(ctx context.Context) ([]meter.Reading, error)
}

type dispatcher interface {
	Dispatch(now time.Time, readings []meter.Reading) int
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = serve(ctx, cfg, log)
	stop()
	if err != nil {
		log.Error("[main] stopped", zap.Error(err))
	} else {
		log.Info("[main] shutdown")
	}
	_ = log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// serve opens the sensor and outputs and runs the read loop until ctx is
// done. Everything it opens is closed before it returns.
func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	backend, err := sensor.Open(cfg)
	if err != nil {
		return fmt.Errorf("open sensor %s: %w", cfg.SensorType, err)
	}
	defer backend.Close()

	m := meter.New(meter.SpecsFromConfig(cfg), backend.ADC, backend.Supply, meter.SettingsFromConfig(cfg, backend.Resolution), log)
	window := readWindow(m, backend.ReadLatency)
	interval := computeSensorInterval(cfg, window)

	entries, err := initOutputs(&cfg, log)
	if err != nil {
		return fmt.Errorf("init outputs: %w", err)
	}
	d := output.NewDispatcher(entries, log)
	defer d.Close()

	log.Info("[main] starting",
		zap.String("sensorType", cfg.SensorType),
		zap.Int("channels", m.Len()),
		zap.Duration("window", window),
		zap.Duration("interval", interval))

	return run(ctx, m, d, interval, log)
}

// readWindow is how long one meter pass takes, counting the time the backend
// blocks inside each read.
func readWindow(m *meter.Meter, readLatency time.Duration) time.Duration {
	return m.Window() + time.Duration(m.Samples())*readLatency
}

// computeSensorInterval returns the read loop period: the configured
// interval, but never shorter than one full pass over all channels.
func computeSensorInterval(cfg config.Config, window time.Duration) time.Duration {
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < window {
		return window
	}
	return interval
}

// initOutputs builds every configured output. On error the outputs already
// built are closed.
func initOutputs(cfg *config.Config, log *zap.Logger) ([]*output.Entry, error) {
	entries := make([]*output.Entry, 0, len(cfg.Outputs))
	for i := range cfg.Outputs {
		e, err := newOutputEntry(cfg, i, log)
		if err != nil {
			output.NewDispatcher(entries, log).Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func newOutputEntry(cfg *config.Config, i int, log *zap.Logger) (*output.Entry, error) {
	o := &cfg.Outputs[i]
	if o.IntervalMs == 0 {
		o.IntervalMs = cfg.IntervalMs
	}
	var out output.Output
	switch strings.ToLower(o.Type) {
	case config.OutputConsole:
		out = console.NewConsole()
	case config.OutputMQTT:
		mc := config.MQTTConfig{}
		if o.MQTT != nil {
			mc = *o.MQTT
		}
		var err error
		out, err = mqttout.NewMQTT(mc, cfg.Channels, log)
		if err != nil {
			return nil, err
		}
	case config.OutputPrometheus:
		pc := config.PrometheusConfig{}
		if o.Prometheus != nil {
			pc = *o.Prometheus
		}
		p, err := promout.NewPrometheus(pc, log)
		if err != nil {
			return nil, err
		}
		out = p
	default:
		return nil, fmt.Errorf("unknown output type %q", o.Type)
	}
	return &output.Entry{
		Name:     o.Type,
		Output:   out,
		Interval: time.Duration(o.IntervalMs) * time.Millisecond,
	}, nil
}

// run reads the meter every interval and hands the readings to the
// dispatcher until ctx is cancelled.
func run(ctx context.Context, r reader, d dispatcher, interval time.Duration, log *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		readings, err := r.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Warn("[main] read failed", zap.Error(err))
		} else {
			d.Dispatch(time.Now(), readings)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
