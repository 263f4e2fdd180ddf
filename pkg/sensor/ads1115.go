package sensor

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	pointerConv   = 0x00
	pointerConfig = 0x01

	// ADS1115Resolution is the positive full scale of a single-ended read.
	ADS1115Resolution = 32767
	// ADS1115FullScaleMv is the PGA range programmed by configForChannel.
	ADS1115FullScaleMv = 4096
)

// ADS1115 reads single-ended inputs AIN0..AIN3 with single-shot conversions.
type ADS1115 struct {
	dev      conn.Conn
	bus      i2c.BusCloser
	dataRate int
	sleep    func(time.Duration)
}

func OpenADS1115(busName string, addr uint16, dataRate int) (*ADS1115, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	dev := &i2c.Dev{Addr: addr, Bus: bus}
	return newADS1115(dev, bus, dataRate), nil
}

func newADS1115(dev conn.Conn, bus i2c.BusCloser, dataRate int) *ADS1115 {
	return &ADS1115{dev: dev, bus: bus, dataRate: dataRate, sleep: time.Sleep}
}

func (s *ADS1115) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

// ReadRaw returns the conversion count of AIN<pin>. Negative results, which
// single-ended inputs only produce from noise around ground, read as 0.
func (s *ADS1115) ReadRaw(pin int) (uint16, error) {
	msb, lsb, err := s.configForChannel(pin, s.dataRate)
	if err != nil {
		return 0, err
	}
	// write config
	if err := s.dev.Tx([]byte{pointerConfig, msb, lsb}, nil); err != nil {
		return 0, fmt.Errorf("write config: %w", err)
	}
	s.sleep(conversionDelay(s.dataRate))
	readBuf := make([]byte, 2)
	if err := s.dev.Tx([]byte{pointerConv}, readBuf); err != nil {
		return 0, fmt.Errorf("read conv: %w", err)
	}
	raw := int16(readBuf[0])<<8 | int16(readBuf[1])
	if raw < 0 {
		return 0, nil
	}
	return uint16(raw), nil
}

// conversionDelay is one conversion period plus margin for the oscillator
// tolerance.
func conversionDelay(sampleRate int) time.Duration {
	if dataRateBits(sampleRate) == 0x4 && sampleRate != 128 {
		sampleRate = 128
	}
	period := time.Second / time.Duration(sampleRate)
	return period + period/10 + 50*time.Microsecond
}

func dataRateBits(sampleRate int) byte {
	switch sampleRate {
	case 8:
		return 0x0
	case 16:
		return 0x1
	case 32:
		return 0x2
	case 64:
		return 0x3
	case 128:
		return 0x4
	case 250:
		return 0x5
	case 475:
		return 0x6
	case 860:
		return 0x7
	default:
		return 0x4
	}
}

func (s *ADS1115) configForChannel(channel int, sampleRate int) (byte, byte, error) {
	var mux byte
	switch channel {
	case 0:
		mux = 0x4
	case 1:
		mux = 0x5
	case 2:
		mux = 0x6
	case 3:
		mux = 0x7
	default:
		return 0, 0, fmt.Errorf("invalid channel %d", channel)
	}
	// PGA: use ±4.096V -> bits 001
	pga := byte(0x1)
	var config uint16 = 0x8000 // OS = 1 (start single conversion)
	config |= uint16(mux) << 12
	config |= uint16(pga) << 9
	config |= 1 << 8 // single-shot mode
	config |= uint16(dataRateBits(sampleRate)) << 5
	// comparator default: disabled (bits 1:0 = 11)
	config |= 0x3
	return byte(config >> 8), byte(config & 0xFF), nil
}
