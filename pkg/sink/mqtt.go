package sink

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/roffe/pidscan/pkg/pidscan"
	log "github.com/sirupsen/logrus"
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
	Log      *log.Entry
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes each result as JSON on <topic>/<ecu>/<pid>.
type MQTT struct {
	cfg    *MQTTConfig
	client mqtt.Client
	pub    publisher
}

type mqttMessage struct {
	Session string    `json:"session"`
	Ecu     string    `json:"ecu"`
	PID     string    `json:"pid"`
	Payload string    `json:"payload"`
	Time    time.Time `json:"time"`
}

// NewMQTT connects to the broker.
func NewMQTT(cfg *MQTTConfig) (*MQTT, error) {
	if cfg.Topic == "" {
		cfg.Topic = "pidscan"
	}
	if cfg.Log == nil {
		cfg.Log = log.NewEntry(log.StandardLogger())
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		cfg.Log.WithField("broker", broker).Info("mqtt connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		cfg.Log.WithError(err).Warn("mqtt connection lost")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return &MQTT{cfg: cfg, client: client, pub: client}, nil
}

func (m *MQTT) Name() string {
	return "mqtt:" + m.cfg.Broker
}

func (m *MQTT) Topic(r pidscan.Result) string {
	return fmt.Sprintf("%s/%X/%04X", m.cfg.Topic, r.Ecu, r.PID)
}

func (m *MQTT) Write(r pidscan.Result) error {
	payload, err := json.Marshal(mqttMessage{
		Session: r.Session,
		Ecu:     fmt.Sprintf("%X", r.Ecu),
		PID:     fmt.Sprintf("%04X", r.PID),
		Payload: strings.ToUpper(hex.EncodeToString(r.Payload)),
		Time:    r.Time,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	token := m.pub.Publish(m.Topic(r), m.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (m *MQTT) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}
