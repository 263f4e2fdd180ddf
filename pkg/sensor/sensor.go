package sensor

import (
	"fmt"
	"io"
	"time"

	"github.com/ericogr/accurrent-to-mqtt/pkg/acmeter"
	"github.com/ericogr/accurrent-to-mqtt/pkg/config"
)

// Backend is an opened ADC with its supply voltage source. Resolution is the
// full-scale count channels should use unless configured otherwise.
// ReadLatency is how long one ReadRaw blocks on top of the sample delay.
type Backend struct {
	ADC         acmeter.ADC
	Supply      acmeter.Supply
	Resolution  int
	ReadLatency time.Duration
	closer      io.Closer
}

func (b *Backend) Close() error {
	if b.closer != nil {
		return b.closer.Close()
	}
	return nil
}

// Open selects the backend named by cfg.SensorType.
func Open(cfg config.Config) (*Backend, error) {
	var b *Backend
	switch cfg.SensorType {
	case config.SensorReal:
		adc, err := OpenADS1115(cfg.I2C.Bus, uint16(cfg.I2C.Address), cfg.DataRate)
		if err != nil {
			return nil, err
		}
		// conversion counts are relative to the PGA range, not Vcc
		b = &Backend{
			ADC:         adc,
			Supply:      FixedSupply(ADS1115FullScaleMv),
			Resolution:  ADS1115Resolution,
			ReadLatency: conversionDelay(cfg.DataRate),
			closer:      adc,
		}
	case config.SensorSerial:
		bridge, err := OpenSerialBridge(cfg.Serial.Port, cfg.Serial.BaudRate)
		if err != nil {
			return nil, err
		}
		b = &Backend{ADC: bridge, Supply: bridge, Resolution: acmeter.DefaultResolution, closer: bridge}
	case config.SensorSimulation:
		res := cfg.Resolution
		if res == 0 {
			res = acmeter.DefaultResolution
		}
		period := time.Duration(cfg.SampleDelayUs) * time.Microsecond
		b = &Backend{ADC: NewSimulator(cfg.Simulation, period, res), Supply: FixedSupply(cfg.SupplyMv), Resolution: res}
	default:
		return nil, fmt.Errorf("unknown sensor type %q", cfg.SensorType)
	}
	if cfg.Resolution > 0 {
		b.Resolution = cfg.Resolution
	}
	return b, nil
}
