package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/ericogr/accurrent-to-mqtt/pkg/config"
	"github.com/ericogr/accurrent-to-mqtt/pkg/meter"
	"github.com/ericogr/accurrent-to-mqtt/pkg/output"
)

const (
	// defaults
	DefaultServer      = "tcp://localhost:1883"
	DefaultClientID    = "accurrent-client"
	perChannelTopicFmt = "accurrent/channel/%d"
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	unitAmps               = "A"
	deviceClassCurrent     = "current"
	stateClassMeasurement  = "measurement"
	valueTemplateCurrent   = "{{ value_json.current }}"

	disconnectQuiesceMs = 250
)

type MQTTOutput struct {
	client     mqtt.Client
	stateTopic string
	logger     *zap.Logger
}

type statePayload struct {
	Current   float64 `json:"current"`
	CurrentMA uint32  `json:"current_ma"`
	Channel   int     `json:"channel"`
	Name      string  `json:"name,omitempty"`
	Pin       int     `json:"pin"`
	Timestamp string  `json:"timestamp"`
}

func NewMQTT(cfg config.MQTTConfig, channels []config.ChannelConfig, logger *zap.Logger) (output.Output, error) {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID).SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return newWithClient(client, cfg, channels, logger), nil
}

func newWithClient(client mqtt.Client, cfg config.MQTTConfig, channels []config.ChannelConfig, logger *zap.Logger) *MQTTOutput {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MQTTOutput{client: client, stateTopic: cfg.StateTopic, logger: logger}

	// Publish Home Assistant discovery payload(s) if requested
	if cfg.DiscoveryTopic != "" {
		// per-channel discovery when discoveryTopic contains a formatter
		if strings.Contains(cfg.DiscoveryTopic, "%d") {
			for _, ch := range channels {
				if !ch.Enabled {
					continue
				}
				dTopic := fmt.Sprintf(cfg.DiscoveryTopic, ch.Channel)
				stateTopic := formatStateTopic(cfg.StateTopic, ch.Channel)
				payload := baseDiscoveryPayload(discoveryName(cfg, &ch), stateTopic, discoveryUniqueID(cfg, &ch))
				if err := m.publishJSON(dTopic, true, payload); err != nil {
					logger.Warn("[mqtt] discovery publish error", zap.String("topic", dTopic), zap.Error(err))
				}
			}
		} else {
			payload := baseDiscoveryPayload(discoveryName(cfg, nil), formatStateTopic(cfg.StateTopic, 0), discoveryUniqueID(cfg, nil))
			if err := m.publishJSON(cfg.DiscoveryTopic, true, payload); err != nil {
				logger.Warn("[mqtt] discovery publish error", zap.String("topic", cfg.DiscoveryTopic), zap.Error(err))
			}
		}
	}
	return m
}

func (m *MQTTOutput) Publish(readings []meter.Reading) error {
	for _, r := range readings {
		topic := formatStateTopic(m.stateTopic, r.Channel)
		payload := statePayload{
			Current:   r.Amps(),
			CurrentMA: r.RMSCurrent,
			Channel:   r.Channel,
			Name:      r.Name,
			Pin:       r.Pin,
			Timestamp: r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		}
		if err := m.publishJSON(topic, false, payload); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesceMs)
	}
	return nil
}

// PublishRaw publishes a raw payload to the given topic. Discovery messages
// are retained, state messages are not.
func (m *MQTTOutput) PublishRaw(topic string, payload []byte, retained bool) error {
	if m.client == nil {
		return fmt.Errorf("mqtt client not connected")
	}
	token := m.client.Publish(topic, 0, retained, payload)
	token.Wait()
	return token.Error()
}

// helper: format a state topic for a channel using an optional formatter
func formatStateTopic(base string, ch int) string {
	if base != "" {
		if strings.Contains(base, "%d") {
			return fmt.Sprintf(base, ch)
		}
		return base
	}
	return fmt.Sprintf(perChannelTopicFmt, ch)
}

// helper: build a human-friendly discovery name; if ch != nil append channel
func discoveryName(cfg config.MQTTConfig, ch *config.ChannelConfig) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("AC current %s", cfg.ClientID)
	}
	if ch != nil {
		if ch.Name != "" {
			name = fmt.Sprintf("%s %s", name, ch.Name)
		} else {
			name = fmt.Sprintf("%s ch%d", name, ch.Channel)
		}
	}
	return name
}

// helper: build a unique id for discovery; if ch != nil append channel
func discoveryUniqueID(cfg config.MQTTConfig, ch *config.ChannelConfig) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid != "" && ch != nil {
		uid = fmt.Sprintf("%s_%d", uid, ch.Channel)
	}
	return uid
}

// helper: base discovery payload map common to all entries
func baseDiscoveryPayload(name, stateTopic, uniqueID string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   unitAmps,
		keyDeviceClass:         deviceClassCurrent,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplateCurrent,
		keyJSONAttributesTopic: stateTopic,
	}
	if uniqueID != "" {
		payload[keyUniqueID] = uniqueID
	}
	return payload
}

// helper: marshal and publish JSON payload
func (m *MQTTOutput) publishJSON(topic string, retained bool, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.PublishRaw(topic, b, retained)
}
