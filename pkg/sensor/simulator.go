package sensor

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ericogr/accurrent-to-mqtt/pkg/config"
)

// Simulator produces an AC waveform riding on a DC offset, in ADC counts.
// Time advances by one sample period per read of a pin, so the output does
// not depend on wall clock timing. Pins are shifted by a third of a cycle.
type Simulator struct {
	mu        sync.Mutex
	freq      float64
	offset    float64
	amplitude float64
	noise     float64
	period    time.Duration
	max       float64
	rnd       *rand.Rand
	index     map[int]int64
}

func NewSimulator(cfg config.SimulationConfig, samplePeriod time.Duration, resolution int) *Simulator {
	if samplePeriod <= 0 {
		samplePeriod = time.Millisecond
	}
	if resolution <= 0 {
		resolution = 4095
	}
	return &Simulator{
		freq:      cfg.FrequencyHz,
		offset:    cfg.Offset,
		amplitude: cfg.Amplitude,
		noise:     cfg.Noise,
		period:    samplePeriod,
		max:       float64(resolution),
		rnd:       rand.New(rand.NewSource(cfg.Seed)),
		index:     make(map[int]int64),
	}
}

func (s *Simulator) ReadRaw(pin int) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index[pin]
	s.index[pin] = i + 1

	t := float64(i) * s.period.Seconds()
	phase := 2 * math.Pi * float64(pin) / 3
	v := s.offset + s.amplitude*math.Sin(2*math.Pi*s.freq*t+phase)
	if s.noise > 0 {
		v += s.noise * s.rnd.NormFloat64()
	}
	v = math.Round(v)
	if v < 0 {
		v = 0
	}
	if v > s.max {
		v = s.max
	}
	return uint16(v), nil
}

// FixedSupply reports a constant supply voltage.
type FixedSupply uint16

func (f FixedSupply) SupplyMillivolts() (uint16, error) { return uint16(f), nil }
