package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalConfigJSON(t *testing.T) {
	js := `{
        "sensor_type": "real",
        "i2c": { "bus": "2", "address": 72 },
        "data_rate": 475,
        "sample_count": 160,
        "outputs": [{"type":"console"}, {"type":"prometheus","prometheus":{"listen":":9109"}}],
        "channels": [
            {"channel": 0, "name": "mains", "pin": 0, "scale": 30, "enabled": true},
            {"channel": 1, "pin": 1, "scale": 60, "enabled": false}
        ]
    }`

	var cfg Config
	if err := json.Unmarshal([]byte(js), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.I2C.Address != 72 {
		t.Fatalf("i2c address: got %d", cfg.I2C.Address)
	}
	if cfg.DataRate != 475 {
		t.Fatalf("data_rate: got %d", cfg.DataRate)
	}
	if cfg.SensorType != "real" {
		t.Fatalf("sensor_type: got %q", cfg.SensorType)
	}
	if len(cfg.Outputs) != 2 || cfg.Outputs[1].Prometheus == nil || cfg.Outputs[1].Prometheus.Listen != ":9109" {
		t.Fatalf("outputs: %+v", cfg.Outputs)
	}
	if len(cfg.Channels) != 2 {
		t.Fatalf("channels len: %d", len(cfg.Channels))
	}
	if cfg.Channels[0].Name != "mains" || !cfg.Channels[0].Enabled || cfg.Channels[0].Scale != 30 {
		t.Fatalf("channel0 incorrect: %+v", cfg.Channels[0])
	}
	if cfg.Channels[1].Channel != 1 || cfg.Channels[1].Enabled || cfg.Channels[1].Scale != 60 {
		t.Fatalf("channel1 incorrect: %+v", cfg.Channels[1])
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accurrent.yaml")
	content := `
sensor_type: serial
serial:
  port: /dev/ttyUSB0
  baud_rate: 57600
sample_count: 100
sample_delay_us: 0
channels:
  - channel: 0
    pin: 2
    scale: 30
    enabled: true
  - channel: 1
    pin: 3
    scale: 60
    enabled: true
outputs:
  - type: mqtt
    interval_ms: 5000
    mqtt:
      server: tcp://localhost:1883
      state_topic: accurrent/%d
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load([]string{"-config", path, "-baud-rate", "115200"})
	require.NoError(t, err)
	assert.Equal(t, SensorSerial, cfg.SensorType)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, 100, cfg.SampleCount)
	assert.Equal(t, 0, cfg.SampleDelayUs)
	require.Len(t, cfg.Channels, 2)
	assert.Equal(t, "ch1", cfg.Channels[1].Name)
	assert.Equal(t, 3, cfg.Channels[1].Pin)
	require.Len(t, cfg.Outputs, 1)
	assert.Equal(t, 5000, cfg.Outputs[0].IntervalMs)
	assert.Equal(t, "accurrent/%d", cfg.Outputs[0].MQTT.StateTopic)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 0x48, cfg.I2C.Address)
}

func TestLoadFileErrors(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorContains(t, LoadFile(filepath.Join(t.TempDir(), "missing.json"), &cfg), "read config")

	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	assert.ErrorContains(t, LoadFile(path, &cfg), "parse config")
}
