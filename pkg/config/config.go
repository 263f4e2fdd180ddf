package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	SensorReal       = "real"
	SensorSerial     = "serial"
	SensorSimulation = "simulation"

	OutputConsole    = "console"
	OutputMQTT       = "mqtt"
	OutputPrometheus = "prometheus"
)

type MQTTConfig struct {
	Server            string `json:"server" yaml:"server"`
	Username          string `json:"username" yaml:"username"`
	Password          string `json:"password" yaml:"password"`
	ClientID          string `json:"client_id" yaml:"client_id"`
	StateTopic        string `json:"state_topic" yaml:"state_topic"`
	DiscoveryTopic    string `json:"discovery_topic" yaml:"discovery_topic"`
	DiscoveryName     string `json:"discovery_name" yaml:"discovery_name"`
	DiscoveryUniqueID string `json:"discovery_unique_id" yaml:"discovery_unique_id"`
}

type PrometheusConfig struct {
	Listen string `json:"listen" yaml:"listen"`
	Path   string `json:"path" yaml:"path"`
}

type OutputConfig struct {
	Type       string            `json:"type" yaml:"type"`
	IntervalMs int               `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
	MQTT       *MQTTConfig       `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	Prometheus *PrometheusConfig `json:"prometheus,omitempty" yaml:"prometheus,omitempty"`
}

type I2CConfig struct {
	Bus     string `json:"bus" yaml:"bus"`
	Address int    `json:"address" yaml:"address"`
}

type SerialConfig struct {
	Port     string `json:"port" yaml:"port"`
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
}

// SimulationConfig describes the synthetic sensor waveform in ADC counts.
type SimulationConfig struct {
	FrequencyHz float64 `json:"frequency_hz" yaml:"frequency_hz"`
	Offset      float64 `json:"offset" yaml:"offset"`
	Amplitude   float64 `json:"amplitude" yaml:"amplitude"`
	Noise       float64 `json:"noise" yaml:"noise"`
	Seed        int64   `json:"seed" yaml:"seed"`
}

type ChannelConfig struct {
	Channel int    `json:"channel" yaml:"channel"`
	Name    string `json:"name" yaml:"name"`
	Pin     int    `json:"pin" yaml:"pin"`
	Scale   int    `json:"scale" yaml:"scale"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file" yaml:"file"`
}

type Config struct {
	SensorType    string           `json:"sensor_type" yaml:"sensor_type"`
	I2C           I2CConfig        `json:"i2c" yaml:"i2c"`
	DataRate      int              `json:"data_rate" yaml:"data_rate"`
	Serial        SerialConfig     `json:"serial" yaml:"serial"`
	Simulation    SimulationConfig `json:"simulation" yaml:"simulation"`
	SupplyMv      int              `json:"supply_mv" yaml:"supply_mv"`
	Resolution    int              `json:"resolution" yaml:"resolution"`
	SampleCount   int              `json:"sample_count" yaml:"sample_count"`
	SampleDelayUs int              `json:"sample_delay_us" yaml:"sample_delay_us"`
	IntervalMs    int              `json:"interval_ms" yaml:"interval_ms"`
	Channels      []ChannelConfig  `json:"channels" yaml:"channels"`
	Outputs       []OutputConfig   `json:"outputs" yaml:"outputs"`
	Log           LogConfig        `json:"log" yaml:"log"`
}

func DefaultConfig() Config {
	return Config{
		SensorType: SensorSimulation,
		I2C:        I2CConfig{Bus: "1", Address: 0x48},
		DataRate:   860,
		Serial:     SerialConfig{Port: "/dev/ttyACM0", BaudRate: 115200},
		Simulation: SimulationConfig{
			FrequencyHz: 50,
			Offset:      2048,
			Amplitude:   600,
			Seed:        1,
		},
		SupplyMv:      3300,
		SampleCount:   200,
		SampleDelayUs: 1000,
		IntervalMs:    1000,
		Channels:      []ChannelConfig{{Channel: 0, Name: "ch0", Pin: 0, Scale: 30, Enabled: true}},
		Outputs:       []OutputConfig{{Type: OutputConsole}},
		Log:           LogConfig{Level: "info"},
	}
}

// LoadFile decodes a JSON or YAML file, chosen by extension, over cfg.
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	// lists in the file replace the defaults instead of merging into them
	channels, outputs := cfg.Channels, cfg.Outputs
	cfg.Channels, cfg.Outputs = nil, nil
	defer func() {
		if cfg.Channels == nil {
			cfg.Channels = channels
		}
		if cfg.Outputs == nil {
			cfg.Outputs = outputs
		}
	}()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

// Load loads configuration from a JSON or YAML file (optional) and flags.
// Flags override values present in the file.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("accurrent-to-mqtt", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to JSON or YAML config file")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|serial|simulation")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus (e.g., '1' -> /dev/i2c-1)")
	flagI2CAddStr := fs.String("i2c-address", "", "I2C address (decimal or 0x hex)")
	flagDataRate := fs.Int("data-rate", -1, "ADS1115 data rate (SPS)")
	flagSerialPort := fs.String("serial-port", "", "Serial port of the sampling MCU")
	flagBaudRate := fs.Int("baud-rate", -1, "Serial baud rate")
	flagSupply := fs.Int("supply-mv", -1, "Fixed ADC supply voltage in mV")
	flagResolution := fs.Int("resolution", -1, "ADC full scale count")
	flagSampleCount := fs.Int("sample-count", -1, "Samples per RMS window")
	flagSampleDelay := fs.Int("sample-delay-us", -1, "Delay after each sample in microseconds")
	flagInterval := fs.Int("interval-ms", -1, "Read interval in ms")
	flagChannels := fs.String("channels", "", "Comma-separated channels to enable e.g. 0,1")
	flagPins := fs.String("pins", "", "Per-channel pins e.g. 0=2,1=3")
	flagScales := fs.String("scales", "", "Per-channel scale factors e.g. 0=30,1=60")
	flagEnabled := fs.String("enabled", "", "Per-channel enable flags e.g. 0=true,1=false")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt,prometheus)")
	flagOutputIntervals := fs.String("output-intervals", "", "Comma-separated output intervals e.g. console=1000,mqtt=5000")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT state topic")
	flagMetricsListen := fs.String("metrics-listen", "", "Prometheus listen address e.g. :9109")
	flagLogLevel := fs.String("log-level", "", "Log level (debug,info,warn,error)")
	flagLogFile := fs.String("log-file", "", "Additional log file")

	cfg := DefaultConfig()
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *cfgPath != "" {
		if err := LoadFile(*cfgPath, &cfg); err != nil {
			return cfg, err
		}
	}

	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagI2CBus != "" {
		cfg.I2C.Bus = *flagI2CBus
	}
	if *flagI2CAddStr != "" {
		v, err := parseIntOrHex(*flagI2CAddStr)
		if err != nil {
			return cfg, fmt.Errorf("i2c-address: %w", err)
		}
		cfg.I2C.Address = v
	}
	if *flagDataRate != -1 {
		cfg.DataRate = *flagDataRate
	}
	if *flagSerialPort != "" {
		cfg.Serial.Port = *flagSerialPort
	}
	if *flagBaudRate != -1 {
		cfg.Serial.BaudRate = *flagBaudRate
	}
	if *flagSupply != -1 {
		cfg.SupplyMv = *flagSupply
	}
	if *flagResolution != -1 {
		cfg.Resolution = *flagResolution
	}
	if *flagSampleCount != -1 {
		cfg.SampleCount = *flagSampleCount
	}
	if *flagSampleDelay != -1 {
		cfg.SampleDelayUs = *flagSampleDelay
	}
	if *flagInterval != -1 {
		cfg.IntervalMs = *flagInterval
	}

	if *flagChannels != "" {
		chs, err := parseChannels(*flagChannels)
		if err != nil {
			return cfg, err
		}
		enabled := make(map[int]bool, len(chs))
		for _, c := range chs {
			enabled[c] = true
		}
		applyChannels(&cfg, enabled, func(c *ChannelConfig, v bool) { c.Enabled = v })
		// channels not listed are disabled
		for i := range cfg.Channels {
			cfg.Channels[i].Enabled = enabled[cfg.Channels[i].Channel]
		}
	}
	if *flagPins != "" {
		m, err := parseKeyIntMap(*flagPins)
		if err != nil {
			return cfg, fmt.Errorf("pins: %w", err)
		}
		applyChannels(&cfg, m, func(c *ChannelConfig, v int) { c.Pin = v })
	}
	if *flagScales != "" {
		m, err := parseKeyIntMap(*flagScales)
		if err != nil {
			return cfg, fmt.Errorf("scales: %w", err)
		}
		applyChannels(&cfg, m, func(c *ChannelConfig, v int) { c.Scale = v })
	}
	if *flagEnabled != "" {
		m, err := parseKeyBoolMap(*flagEnabled)
		if err != nil {
			return cfg, fmt.Errorf("enabled: %w", err)
		}
		applyChannels(&cfg, m, func(c *ChannelConfig, v bool) { c.Enabled = v })
	}

	if *flagOutputs != "" {
		// convert simple CSV of types into structured OutputConfig entries,
		// keeping settings of outputs already present in the file
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			o := OutputConfig{Type: strings.ToLower(p)}
			for _, existing := range cfg.Outputs {
				if strings.EqualFold(existing.Type, p) {
					o = existing
					break
				}
			}
			outs = append(outs, o)
		}
		cfg.Outputs = outs
	}
	if *flagOutputIntervals != "" {
		m, err := parseKeyStringIntMap(*flagOutputIntervals)
		if err != nil {
			return cfg, fmt.Errorf("output-intervals: %w", err)
		}
		for i := range cfg.Outputs {
			if v, ok := m[strings.ToLower(cfg.Outputs[i].Type)]; ok {
				cfg.Outputs[i].IntervalMs = v
			}
		}
	}

	// Apply MQTT flags to all mqtt outputs; if none exist, create one.
	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" || *flagTopic != "" {
		apply := func(m *MQTTConfig) {
			if *flagMQTTServer != "" {
				m.Server = *flagMQTTServer
			}
			if *flagMQTTUser != "" {
				m.Username = *flagMQTTUser
			}
			if *flagMQTTPass != "" {
				m.Password = *flagMQTTPass
			}
			if *flagClientID != "" {
				m.ClientID = *flagClientID
			}
			if *flagTopic != "" {
				m.StateTopic = *flagTopic
			}
		}
		if !applyOutput(&cfg, OutputMQTT, func(o *OutputConfig) {
			if o.MQTT == nil {
				o.MQTT = &MQTTConfig{}
			}
			apply(o.MQTT)
		}) {
			out := OutputConfig{Type: OutputMQTT, MQTT: &MQTTConfig{}}
			apply(out.MQTT)
			cfg.Outputs = append(cfg.Outputs, out)
		}
	}
	if *flagMetricsListen != "" {
		if !applyOutput(&cfg, OutputPrometheus, func(o *OutputConfig) {
			if o.Prometheus == nil {
				o.Prometheus = &PrometheusConfig{}
			}
			o.Prometheus.Listen = *flagMetricsListen
		}) {
			cfg.Outputs = append(cfg.Outputs, OutputConfig{Type: OutputPrometheus, Prometheus: &PrometheusConfig{Listen: *flagMetricsListen}})
		}
	}

	if *flagLogLevel != "" {
		cfg.Log.Level = *flagLogLevel
	}
	if *flagLogFile != "" {
		cfg.Log.File = *flagLogFile
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyDefaults fills output intervals and channel names left empty.
func (c *Config) applyDefaults() {
	for i := range c.Outputs {
		if c.Outputs[i].IntervalMs == 0 {
			c.Outputs[i].IntervalMs = c.IntervalMs
		}
	}
	for i := range c.Channels {
		if c.Channels[i].Name == "" {
			c.Channels[i].Name = fmt.Sprintf("ch%d", c.Channels[i].Channel)
		}
	}
}

func (c Config) Validate() error {
	var errs []error
	switch c.SensorType {
	case SensorReal, SensorSerial, SensorSimulation:
	default:
		errs = append(errs, fmt.Errorf("unknown sensor-type %q", c.SensorType))
	}
	if c.SampleCount <= 0 {
		errs = append(errs, errors.New("sample-count must be > 0"))
	}
	if c.SampleDelayUs < 0 {
		errs = append(errs, errors.New("sample-delay-us must be >= 0"))
	}
	if c.IntervalMs <= 0 {
		errs = append(errs, errors.New("interval-ms must be > 0"))
	}
	if c.Resolution < 0 {
		errs = append(errs, errors.New("resolution must be >= 0"))
	}
	if c.SupplyMv < 0 || c.SupplyMv > 0xFFFF {
		errs = append(errs, fmt.Errorf("supply-mv %d out of range", c.SupplyMv))
	}
	seen := make(map[int]bool, len(c.Channels))
	enabled := 0
	for _, ch := range c.Channels {
		if seen[ch.Channel] {
			errs = append(errs, fmt.Errorf("duplicate channel %d", ch.Channel))
		}
		seen[ch.Channel] = true
		if ch.Pin < 0 {
			errs = append(errs, fmt.Errorf("channel %d: invalid pin %d", ch.Channel, ch.Pin))
		}
		if ch.Scale < 0 || ch.Scale > 0xFFFF {
			errs = append(errs, fmt.Errorf("channel %d: scale %d out of range", ch.Channel, ch.Scale))
		}
		if ch.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("no enabled channels"))
	}
	for _, o := range c.Outputs {
		switch strings.ToLower(o.Type) {
		case OutputConsole, OutputMQTT, OutputPrometheus:
		default:
			errs = append(errs, fmt.Errorf("unknown output type %q", o.Type))
		}
	}
	return errors.Join(errs...)
}

func applyChannels[T any](cfg *Config, m map[int]T, set func(*ChannelConfig, T)) {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		v := m[id]
		found := false
		for i := range cfg.Channels {
			if cfg.Channels[i].Channel == id {
				set(&cfg.Channels[i], v)
				found = true
			}
		}
		if !found {
			ch := ChannelConfig{Channel: id, Pin: id, Scale: 30}
			set(&ch, v)
			cfg.Channels = append(cfg.Channels, ch)
		}
	}
}

func applyOutput(cfg *Config, typ string, set func(*OutputConfig)) bool {
	applied := false
	for i := range cfg.Outputs {
		if strings.EqualFold(cfg.Outputs[i].Type, typ) {
			set(&cfg.Outputs[i])
			applied = true
		}
	}
	return applied
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseChannels(s string) ([]int, error) {
	parts := parseCSV(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid channel '%s': %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseKeyValues(s string, fn func(k, v string) error) error {
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid entry '%s', want key=value", p)
		}
		if err := fn(strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])); err != nil {
			return err
		}
	}
	return nil
}

func parseKeyIntMap(s string) (map[int]int, error) {
	out := map[int]int{}
	err := parseKeyValues(s, func(k, v string) error {
		key, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("invalid key '%s': %w", k, err)
		}
		val, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid value '%s': %w", v, err)
		}
		out[key] = val
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseKeyBoolMap(s string) (map[int]bool, error) {
	out := map[int]bool{}
	err := parseKeyValues(s, func(k, v string) error {
		key, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("invalid key '%s': %w", k, err)
		}
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid value '%s': %w", v, err)
		}
		out[key] = val
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseKeyStringIntMap(s string) (map[string]int, error) {
	out := map[string]int{}
	err := parseKeyValues(s, func(k, v string) error {
		val, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid value '%s': %w", v, err)
		}
		out[strings.ToLower(k)] = val
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
