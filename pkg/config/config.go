package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Adapter Adapter `yaml:"adapter" toml:"adapter"`
	Scan    Scan    `yaml:"scan" toml:"scan"`
	Ticker  Ticker  `yaml:"ticker" toml:"ticker"`
	Sinks   Sinks   `yaml:"sinks" toml:"sinks"`
	Log     Log     `yaml:"log" toml:"log"`
}

// ---- ADAPTER ----

type Adapter struct {
	Name     string  `yaml:"name" toml:"name"`
	Port     string  `yaml:"port" toml:"port"`
	Baudrate int     `yaml:"baudrate" toml:"baudrate"`
	CANRate  float64 `yaml:"canrate" toml:"canrate"` // kbit/s
	Attempts uint    `yaml:"attempts" toml:"attempts"`
}

// ---- SCAN ----

type Scan struct {
	Ecu        uint32 `yaml:"ecu" toml:"ecu"`
	ResponseID uint32 `yaml:"response_id" toml:"response_id"`
	Start      uint32 `yaml:"start" toml:"start"`
	End        uint32 `yaml:"end" toml:"end"`
	Service    uint8  `yaml:"service" toml:"service"`

	TimeoutTicks uint64 `yaml:"timeout_ticks" toml:"timeout_ticks"`
	QueueSize    int    `yaml:"queue_size" toml:"queue_size"`
	FlowControl  *bool  `yaml:"flow_control" toml:"flow_control"`
	SkipNegative bool   `yaml:"skip_negative" toml:"skip_negative"`
}

// FlowControlEnabled defaults to true when flow_control is not set.
func (s Scan) FlowControlEnabled() bool {
	return s.FlowControl == nil || *s.FlowControl
}

// ---- TICKER ----

type Ticker struct {
	IntervalMs int `yaml:"interval_ms" toml:"interval_ms"`
}

// ---- SINKS ----

type Sinks struct {
	Log  bool   `yaml:"log" toml:"log"`
	CBOR string `yaml:"cbor" toml:"cbor"` // directory, empty disables
	MQTT MQTT   `yaml:"mqtt" toml:"mqtt"`
}

type MQTT struct {
	Broker   string `yaml:"broker" toml:"broker"` // empty disables
	Topic    string `yaml:"topic" toml:"topic"`
	ClientID string `yaml:"client_id" toml:"client_id"`
	QoS      byte   `yaml:"qos" toml:"qos"`
}

// ---- LOG ----

type Log struct {
	Level string `yaml:"level" toml:"level"`
	JSON  bool   `yaml:"json" toml:"json"`
}

func Default() *Config {
	return &Config{
		Adapter: Adapter{
			Name:     "SocketCAN",
			Port:     "can0",
			Baudrate: 115200,
			CANRate:  500,
			Attempts: 3,
		},
		Scan: Scan{
			Service:      0x22,
			TimeoutTicks: 3,
			QueueSize:    20,
		},
		Ticker: Ticker{IntervalMs: 1000},
		Sinks: Sinks{
			Log: true,
			MQTT: MQTT{
				Topic:    "pidscan",
				ClientID: "pidscan",
			},
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path on top of Default. The format follows the extension:
// .yaml/.yml or .toml. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), v)
		if err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("failed to parse config: unknown key %q", undecoded[0].String())
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}
