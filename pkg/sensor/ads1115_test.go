package sensor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
)

type fakeConn struct {
	writes [][]byte
	reply  []byte
	err    error
}

func (f *fakeConn) String() string { return "fake" }
func (f *fakeConn) Duplex() conn.Duplex { return conn.Half }

func (f *fakeConn) Tx(w, r []byte) error {
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, append([]byte(nil), w...))
	copy(r, f.reply)
	return nil
}

func TestConfigForChannelBytes(t *testing.T) {
	s := &ADS1115{}

	// channel 0, sample rate 128 -> expect msb 0xC3 lsb 0x83 (see implementation)
	msb, lsb, err := s.configForChannel(0, 128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msb != 0xC3 || lsb != 0x83 {
		t.Fatalf("channel0@128 => got %02X %02X; want C3 83", msb, lsb)
	}

	// channel 1, sample rate 128 -> D3 83
	msb, lsb, err = s.configForChannel(1, 128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msb != 0xD3 || lsb != 0x83 {
		t.Fatalf("channel1@128 => got %02X %02X; want D3 83", msb, lsb)
	}

	// sample rate 8 for channel 0 -> msb C3 lsb 03 (dr=0)
	msb, lsb, err = s.configForChannel(0, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msb != 0xC3 || lsb != 0x03 {
		t.Fatalf("channel0@8 => got %02X %02X; want C3 03", msb, lsb)
	}

	// channel 3 at 860 SPS -> F3 E3
	msb, lsb, err = s.configForChannel(3, 860)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msb != 0xF3 || lsb != 0xE3 {
		t.Fatalf("channel3@860 => got %02X %02X; want F3 E3", msb, lsb)
	}

	// invalid channel
	_, _, err = s.configForChannel(9, 128)
	if err == nil {
		t.Fatalf("expected error for invalid channel")
	}
}

func TestADS1115ReadRaw(t *testing.T) {
	c := &fakeConn{reply: []byte{0x12, 0x34}}
	s := newADS1115(c, nil, 860)
	var waited time.Duration
	s.sleep = func(d time.Duration) { waited += d }

	v, err := s.ReadRaw(2)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v)
	require.Len(t, c.writes, 2)
	assert.Equal(t, []byte{pointerConfig, 0xE3, 0xE3}, c.writes[0])
	assert.Equal(t, []byte{pointerConv}, c.writes[1])
	assert.Equal(t, conversionDelay(860), waited)

	// negative conversions clamp to zero
	c.reply = []byte{0xFF, 0xF0}
	v, err = s.ReadRaw(0)
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = s.ReadRaw(4)
	assert.ErrorContains(t, err, "invalid channel")

	c.err = errors.New("nack")
	_, err = s.ReadRaw(0)
	assert.ErrorContains(t, err, "write config")

	assert.NoError(t, s.Close())
}

func TestConversionDelay(t *testing.T) {
	assert.True(t, conversionDelay(860) > time.Second/860)
	assert.True(t, conversionDelay(860) < 2*time.Millisecond)
	// unsupported rates run at the 128 SPS default
	assert.Equal(t, conversionDelay(128), conversionDelay(100))
}
