package config

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

const maxPID = 0x10000

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg.Adapter.Name == "" {
		return fmt.Errorf("adapter.name is required")
	}

	s := cfg.Scan
	if s.Ecu > 0x1FFFFFFF {
		return fmt.Errorf("scan.ecu %X is not a valid CAN id", s.Ecu)
	}
	if s.ResponseID > 0x1FFFFFFF {
		return fmt.Errorf("scan.response_id %X is not a valid CAN id", s.ResponseID)
	}
	if s.End > maxPID {
		return fmt.Errorf("scan.end %X exceeds %X", s.End, maxPID)
	}
	if s.Start > s.End {
		return fmt.Errorf("scan.start %04X is after scan.end %04X", s.Start, s.End)
	}
	if s.QueueSize < 0 {
		return fmt.Errorf("scan.queue_size must not be negative")
	}

	if cfg.Ticker.IntervalMs < 0 {
		return fmt.Errorf("ticker.interval_ms must not be negative")
	}

	if cfg.Sinks.MQTT.QoS > 2 {
		return fmt.Errorf("sinks.mqtt.qos must be 0, 1 or 2")
	}

	if cfg.Log.Level != "" {
		if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	return nil
}
