package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Sim describes a simulated ECU.
type Sim struct {
	Adapter    Adapter `yaml:"adapter" toml:"adapter"`
	RequestID  uint32  `yaml:"request_id" toml:"request_id"`
	ResponseID uint32  `yaml:"response_id" toml:"response_id"`
	Service    uint8   `yaml:"service" toml:"service"`
	Pending    int     `yaml:"pending" toml:"pending"` // 0x78 replies before each answer
	Log        Log     `yaml:"log" toml:"log"`

	// PIDs maps a hex PID to the hex encoded response payload.
	PIDs map[string]string `yaml:"pids" toml:"pids"`
	// NRC maps a hex PID to a negative response code.
	NRC map[string]uint8 `yaml:"nrc" toml:"nrc"`
}

func DefaultSim() *Sim {
	return &Sim{
		Adapter: Adapter{
			Name:     "SocketCAN",
			Port:     "can0",
			Baudrate: 115200,
			CANRate:  500,
			Attempts: 3,
		},
		RequestID: 0x7E0,
		Service:   0x22,
		Log:       Log{Level: "info"},
	}
}

func LoadSim(path string) (*Sim, error) {
	cfg := DefaultSim()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.RequestID == 0 || cfg.RequestID > 0x1FFFFFFF {
		return nil, fmt.Errorf("invalid configuration: request_id %X", cfg.RequestID)
	}
	if cfg.Pending < 0 {
		return nil, fmt.Errorf("invalid configuration: pending must not be negative")
	}
	if _, err := cfg.Responses(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := cfg.NegativeResponses(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Responses decodes the PID table.
func (s *Sim) Responses() (map[uint16][]byte, error) {
	out := make(map[uint16][]byte, len(s.PIDs))
	for k, v := range s.PIDs {
		pid, err := ParsePID(k)
		if err != nil {
			return nil, err
		}
		payload, err := ParseHex(v)
		if err != nil {
			return nil, fmt.Errorf("pid %s: %w", k, err)
		}
		out[pid] = payload
	}
	return out, nil
}

func (s *Sim) NegativeResponses() (map[uint16]byte, error) {
	out := make(map[uint16]byte, len(s.NRC))
	for k, v := range s.NRC {
		pid, err := ParsePID(k)
		if err != nil {
			return nil, err
		}
		out[pid] = v
	}
	return out, nil
}

// ParsePID parses a PID written as hex with or without 0x prefix.
func ParsePID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("bad pid %q: %w", s, err)
	}
	return uint16(v), nil
}

// ParseHex decodes "62 01 02", "620102" or "62:01:02".
func ParseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(s)
	return hex.DecodeString(s)
}
