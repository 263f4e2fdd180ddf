package meter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ericogr/accurrent-to-mqtt/pkg/acmeter"
	"github.com/ericogr/accurrent-to-mqtt/pkg/config"
)

type Reading struct {
	Channel    int       `json:"channel"`
	Name       string    `json:"name"`
	Pin        int       `json:"pin"`
	Scale      int       `json:"scale"`
	RMSCurrent uint32    `json:"rms_current_ma"`
	Timestamp  time.Time `json:"timestamp"`
}

// Amps returns the RMS current in amperes.
func (r Reading) Amps() float64 { return float64(r.RMSCurrent) / 1000 }

type ChannelSpec struct {
	Channel int
	Name    string
	Pin     int
	Scale   uint16
}

type entry struct {
	spec ChannelSpec
	ch   *acmeter.Channel
}

// Meter updates its channels one after another from a single goroutine.
type Meter struct {
	entries []entry
	logger  *zap.Logger
}

func New(specs []ChannelSpec, adc acmeter.ADC, supply acmeter.Supply, settings acmeter.Settings, logger *zap.Logger) *Meter {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meter{logger: logger}
	for _, s := range specs {
		m.entries = append(m.entries, entry{spec: s, ch: acmeter.NewChannel(s.Pin, s.Scale, adc, supply, settings)})
	}
	return m
}

// SpecsFromConfig returns the enabled channels in configured order.
func SpecsFromConfig(cfg config.Config) []ChannelSpec {
	specs := make([]ChannelSpec, 0, len(cfg.Channels))
	for _, c := range cfg.Channels {
		if !c.Enabled {
			continue
		}
		specs = append(specs, ChannelSpec{Channel: c.Channel, Name: c.Name, Pin: c.Pin, Scale: uint16(c.Scale)})
	}
	return specs
}

// SettingsFromConfig maps the sampling keys of cfg onto channel settings.
// A zero sample delay in the config means no wait between samples.
func SettingsFromConfig(cfg config.Config, resolution int) acmeter.Settings {
	delay := time.Duration(cfg.SampleDelayUs) * time.Microsecond
	if delay == 0 {
		delay = -1
	}
	return acmeter.Settings{
		SampleCount: cfg.SampleCount,
		SampleDelay: delay,
		Resolution:  resolution,
	}
}

// Window is the time one Read spends in sample delays. Backends that block
// inside ReadRaw add to it.
func (m *Meter) Window() time.Duration {
	var d time.Duration
	for _, e := range m.entries {
		d += e.ch.Window()
	}
	return d
}

func (m *Meter) Len() int { return len(m.entries) }

// Samples is the number of ADC reads one Read performs.
func (m *Meter) Samples() int {
	n := 0
	for _, e := range m.entries {
		n += e.ch.SampleCount()
	}
	return n
}

// Read updates every channel and returns a reading for each one that
// succeeded. It fails only when no channel could be read or ctx is done.
func (m *Meter) Read(ctx context.Context) ([]Reading, error) {
	out := make([]Reading, 0, len(m.entries))
	var firstErr error
	for _, e := range m.entries {
		if err := e.ch.Update(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return out, err
			}
			m.logger.Warn("[meter] channel update failed",
				zap.Error(err),
				zap.Int("channel", e.spec.Channel),
				zap.Int("pin", e.spec.Pin))
			if firstErr == nil {
				firstErr = fmt.Errorf("channel %d: %w", e.spec.Channel, err)
			}
			continue
		}
		r := Reading{
			Channel:    e.spec.Channel,
			Name:       e.spec.Name,
			Pin:        e.spec.Pin,
			Scale:      int(e.spec.Scale),
			RMSCurrent: e.ch.RMSCurrent(),
			Timestamp:  e.ch.LastUpdate(),
		}
		m.logger.Debug("[meter] channel updated",
			zap.Int("channel", r.Channel),
			zap.Uint32("rms_ma", r.RMSCurrent))
		out = append(out, r)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
