package acmeter

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	DefaultSampleCount = 200
	DefaultSampleDelay = time.Millisecond
	// DefaultResolution is the full-scale count of a 12-bit converter.
	DefaultResolution = 4095

	// high-pass attenuation, sets the filter time constant
	filterNum = 255
	filterDen = 256
)

// ADC reads the raw conversion count of an analog input line.
type ADC interface {
	ReadRaw(pin int) (uint16, error)
}

// Supply reports the converter supply voltage in millivolts. Backends that
// measure Vcc against an internal reference switch the ADC reference back to
// Vcc before returning.
type Supply interface {
	SupplyMillivolts() (uint16, error)
}

// Settings controls sampling. Zero fields take the package defaults.
type Settings struct {
	SampleCount int
	SampleDelay time.Duration
	Resolution  int
	Clock       Clock
}

func (s Settings) withDefaults() Settings {
	if s.SampleCount <= 0 {
		s.SampleCount = DefaultSampleCount
	}
	if s.SampleDelay < 0 {
		s.SampleDelay = 0
	} else if s.SampleDelay == 0 {
		s.SampleDelay = DefaultSampleDelay
	}
	if s.Resolution <= 0 {
		s.Resolution = DefaultResolution
	}
	if s.Clock == nil {
		s.Clock = SystemClock{}
	}
	return s
}

// Channel is one AC current sensing input. It is not safe for concurrent
// Update calls.
type Channel struct {
	pin   int
	scale uint16

	adc      ADC
	supply   Supply
	settings Settings

	lastRaw      int64
	lastFiltered int64
	rmsCurrent   uint32
	lastUpdate   time.Time
}

// NewChannel accepts any pin and scale; zero-valued settings fall back to
// the package defaults. A negative SampleDelay disables the per-sample wait.
func NewChannel(pin int, scale uint16, adc ADC, supply Supply, settings Settings) *Channel {
	return &Channel{
		pin:      pin,
		scale:    scale,
		adc:      adc,
		supply:   supply,
		settings: settings.withDefaults(),
	}
}

func (c *Channel) Pin() int { return c.pin }
func (c *Channel) Scale() uint16 { return c.scale }
func (c *Channel) RMSCurrent() uint32 { return c.rmsCurrent }
func (c *Channel) LastUpdate() time.Time { return c.lastUpdate }
func (c *Channel) SampleCount() int { return c.settings.SampleCount }
func (c *Channel) SampleDelay() time.Duration { return c.settings.SampleDelay }

// Window is how long Update blocks.
func (c *Channel) Window() time.Duration {
	return time.Duration(c.settings.SampleCount) * c.settings.SampleDelay
}

// Update samples the input SampleCount times and stores the RMS current in
// mA. On error the previous RMS value is kept.
func (c *Channel) Update(ctx context.Context) error {
	vcc, err := c.supply.SupplyMillivolts()
	if err != nil {
		return fmt.Errorf("read supply: %w", err)
	}

	n := c.settings.SampleCount
	res := int64(c.settings.Resolution)
	var sum int64
	for i := 0; i < n; i++ {
		raw, err := c.adc.ReadRaw(c.pin)
		if err != nil {
			return fmt.Errorf("read pin %d: %w", c.pin, err)
		}
		current := int64(raw) * int64(vcc) / res

		filtered := highPass(c.lastFiltered, current, c.lastRaw)
		c.lastRaw = current
		c.lastFiltered = filtered

		scaled := filtered * int64(c.scale)
		sum += scaled * scaled

		if err := c.settings.Clock.Sleep(ctx, c.settings.SampleDelay); err != nil {
			return err
		}
	}

	c.rmsCurrent = uint32(math.Sqrt(float64(sum / int64(n))))
	c.lastUpdate = c.settings.Clock.Now()
	return nil
}

// highPass is a single-pole recursive filter that strips the DC component.
func highPass(lastFiltered, current, lastRaw int64) int64 {
	f := lastFiltered + current - lastRaw
	return f * filterNum / filterDen
}
