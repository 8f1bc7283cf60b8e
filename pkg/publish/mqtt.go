// Package publish pushes plans and status to external consumers over MQTT,
// with Home Assistant discovery for the SOC forecast sensor.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/helioplan/helioplan/pkg/log"
	"github.com/helioplan/helioplan/pkg/types"
)

const (
	topicPlan   = "helioplan/plan"
	topicStatus = "helioplan/status"

	publishTimeout = 5 * time.Second
)

// MQTT publishes plan and status JSON to retained topics. An empty broker
// address disables it.
type MQTT struct {
	brokerURL string
	clientID  string
	username  string
	password  string

	mu     sync.Mutex
	client mqtt.Client
}

// ConfiguredMQTT sets up the MQTT publisher from flags.
func ConfiguredMQTT() *MQTT {
	m := &MQTT{}
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883), empty disables")
	clientID := lflag.String("mqtt-client-id", "helioplan", "MQTT client ID")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")

	lflag.Do(func() {
		m.brokerURL = *broker
		m.clientID = *clientID
		m.username = *username
		m.password = *password
	})
	return m
}

// Enabled reports whether a broker is configured.
func (m *MQTT) Enabled() bool {
	return m.brokerURL != ""
}

// connect dials the broker lazily and reuses the connection.
func (m *MQTT) connect(ctx context.Context) (mqtt.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnected() {
		return m.client, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.brokerURL).
		SetClientID(m.clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(publishTimeout)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("mqtt connect timed out (%s)", m.brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect failed (%s): %w", m.brokerURL, err)
	}
	log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("broker", m.brokerURL))

	m.client = client
	if err := m.publishDiscovery(client); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish discovery config", slog.Any("error", err))
	}
	return client, nil
}

// PublishPlan implements plan.Publisher.
func (m *MQTT) PublishPlan(ctx context.Context, p types.Plan) error {
	if !m.Enabled() {
		return nil
	}
	return m.publishJSON(ctx, topicPlan, p, true)
}

// PublishStatus implements plan.Publisher.
func (m *MQTT) PublishStatus(ctx context.Context, st types.Status) error {
	if !m.Enabled() {
		return nil
	}
	return m.publishJSON(ctx, topicStatus, st, true)
}

func (m *MQTT) publishJSON(ctx context.Context, topic string, v any, retain bool) error {
	client, err := m.connect(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	token := client.Publish(topic, 1, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

// publishDiscovery announces the SOC forecast sensor so Home Assistant picks
// the plan topic up without manual configuration.
func (m *MQTT) publishDiscovery(client mqtt.Client) error {
	type haDeviceConfig struct {
		Identifiers  []string `json:"identifiers"`
		Name         string   `json:"name"`
		Manufacturer string   `json:"manufacturer,omitempty"`
	}
	type haEntityConfig struct {
		Name                string         `json:"name"`
		UniqueID            string         `json:"unique_id"`
		StateTopic          string         `json:"state_topic"`
		JSONAttributesTopic string         `json:"json_attributes_topic,omitempty"`
		UnitOfMeasure       string         `json:"unit_of_measurement,omitempty"`
		ValueTemplate       string         `json:"value_template"`
		Device              haDeviceConfig `json:"device"`
	}

	cfg := haEntityConfig{
		Name:                "Battery SOC Forecast",
		UniqueID:            "helioplan_soc_forecast",
		StateTopic:          topicPlan,
		JSONAttributesTopic: topicPlan,
		UnitOfMeasure:       "kWh",
		ValueTemplate:       "{{ value_json.result.finalSOC }}",
		Device: haDeviceConfig{
			Identifiers: []string{"helioplan"},
			Name:        "Helioplan",
		},
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	token := client.Publish("homeassistant/sensor/helioplan_soc_forecast/config", 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("discovery publish timed out")
	}
	return token.Error()
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}
