package output

import (
	"time"

	"go.uber.org/zap"

	"github.com/ericogr/accurrent-to-mqtt/pkg/meter"
)

type Output interface {
	Publish([]meter.Reading) error
	Close() error
}

// Entry is an output together with how often it wants readings.
type Entry struct {
	Name     string
	Output   Output
	Interval time.Duration
	last     time.Time
}

// Dispatcher forwards readings to each output at that output's own pace.
type Dispatcher struct {
	entries []*Entry
	logger  *zap.Logger
}

func NewDispatcher(entries []*Entry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{entries: entries, logger: logger}
}

// Dispatch publishes to every entry whose interval has elapsed at now. The
// first call publishes to all entries. It returns how many outputs
// published successfully.
func (d *Dispatcher) Dispatch(now time.Time, readings []meter.Reading) int {
	if len(readings) == 0 {
		return 0
	}
	published := 0
	for _, e := range d.entries {
		if !e.last.IsZero() && now.Sub(e.last) < e.Interval {
			continue
		}
		e.last = now
		if err := e.Output.Publish(readings); err != nil {
			d.logger.Warn("[output] publish failed", zap.String("output", e.Name), zap.Error(err))
			continue
		}
		published++
	}
	return published
}

// Close closes every output and returns the first error.
func (d *Dispatcher) Close() error {
	var first error
	for _, e := range d.entries {
		if err := e.Output.Close(); err != nil {
			d.logger.Warn("[output] close failed", zap.String("output", e.Name), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
